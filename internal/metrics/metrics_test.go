package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	WebhooksTotal.WithLabelValues("accepted").Inc()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"escrowd_active_websocket_clients",
		"escrowd_webhooks_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/orders/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/orders/:id", "4xx")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/abc", nil))

	if got := counterValue(t, counter); got != before+1 {
		t.Errorf("Expected counter to increase by 1, got %v -> %v", before, got)
	}
}

func TestObserveOutbound_LabelsResult(t *testing.T) {
	ObserveOutbound("midtrans", "create_session", time.Now(), errors.New("timeout"))

	m := &dto.Metric{}
	h := OutboundRequestDuration.WithLabelValues("midtrans", "create_session", "error")
	if err := h.(interface{ Write(*dto.Metric) error }).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("Expected an error-labelled observation")
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
