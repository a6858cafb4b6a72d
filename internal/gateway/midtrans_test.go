package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/circuitbreaker"
)

func newTestClient(url string, breaker *circuitbreaker.Breaker) *MidtransClient {
	return NewMidtransClient(MidtransConfig{
		ServerKey: testServerKey,
		SnapURL:   url + "/snap/v1",
		APIURL:    url,
		Timeout:   time.Second,
	}, breaker, nil)
}

func TestCreateSession_SendsSnapPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snap/v1/transactions", r.URL.Path)
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(testServerKey+":"))
		assert.Equal(t, wantAuth, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tok-1","redirect_url":"https://app.sandbox.midtrans.com/snap/v2/vtweb/tok-1"}`))
	}))
	defer srv.Close()

	longName := strings.Repeat("Beras Premium ", 6)
	sess, err := newTestClient(srv.URL, nil).CreateSession(context.Background(), SessionRequest{
		OrderRef:      "SAL-1-ABC",
		GrossAmount:   decimal.NewFromInt(150000),
		CustomerEmail: "buyer@example.com",
		Items: []SessionItem{
			{ID: "p1", Name: longName, Price: decimal.NewFromInt(75000), Quantity: 2},
		},
		FinishURL: "http://localhost:8080/orders",
	})

	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.Token)

	td := got["transaction_details"].(map[string]any)
	assert.Equal(t, "SAL-1-ABC", td["order_id"])
	assert.Equal(t, float64(150000), td["gross_amount"])

	cd := got["customer_details"].(map[string]any)
	assert.Equal(t, "Guest User", cd["first_name"])

	items := got["item_details"].([]any)
	item := items[0].(map[string]any)
	assert.Len(t, item["name"], MaxItemNameLength)
	assert.Equal(t, float64(75000), item["price"])

	assert.Equal(t, "http://localhost:8080/orders", got["callbacks"].(map[string]any)["finish"])
}

func TestCreateSession_GatewayRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_messages":["transaction_details.gross_amount is not equal to the sum of item_details"]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, nil).CreateSession(context.Background(), SessionRequest{
		OrderRef: "SAL-1", GrossAmount: decimal.NewFromInt(1),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionFailed))
	assert.Contains(t, err.Error(), "gross_amount is not equal")
}

func TestCreateSession_TransportFailureTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	c := newTestClient(srv.URL, breaker)
	for i := 0; i < 2; i++ {
		_, err := c.CreateSession(context.Background(), SessionRequest{OrderRef: "SAL-1", GrossAmount: decimal.NewFromInt(1)})
		require.Error(t, err)
	}

	_, err := c.CreateSession(context.Background(), SessionRequest{OrderRef: "SAL-1", GrossAmount: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
}

func TestStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/SAL-1/status":
			_, _ = w.Write([]byte(`{"order_id":"SAL-1","transaction_status":"settlement","fraud_status":"accept","status_code":"200","gross_amount":"150000.00","transaction_id":"tx-9","payment_type":"qris"}`))
		default:
			_, _ = w.Write([]byte(`{"status_code":"404","status_message":"Transaction doesn't exist."}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)

	n, err := c.Status(context.Background(), "SAL-1")
	require.NoError(t, err)
	assert.Equal(t, "settlement", n.TransactionStatus)
	assert.Equal(t, "tx-9", n.TransactionID)

	_, err = c.Status(context.Background(), "SAL-missing")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestDemoClient_SettleProducesSignedNotification(t *testing.T) {
	d := NewDemoClient("http://localhost:8080")
	sess, err := d.CreateSession(context.Background(), SessionRequest{OrderRef: "SAL-1", GrossAmount: decimal.NewFromInt(150000)})
	require.NoError(t, err)
	assert.Contains(t, sess.RedirectURL, "SAL-1")

	pending, err := d.Status(context.Background(), "SAL-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", pending.TransactionStatus)

	n, err := d.Settle("SAL-1")
	require.NoError(t, err)
	assert.Equal(t, "settlement", n.TransactionStatus)
	assert.Equal(t, "150000.00", n.GrossAmount)
	assert.True(t, VerifySignature(n, DemoServerKey))

	_, err = d.Settle("SAL-unknown")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}
