package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/security"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	svc, ms, _ := newTestService(t)
	h := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(security.CallerMiddleware())
	h.RegisterProtectedRoutes(protected)
	return r, ms
}

func TestHandler_GetOrder(t *testing.T) {
	r, ms := setupTestRouter(t)
	o := seedOrder(t, ms, StatusPaid)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/orders/"+o.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Order struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			TotalAmount string `json:"total_amount"`
			Items       []any  `json:"items"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, o.ID, resp.Order.ID)
	assert.Equal(t, "PAID", resp.Order.Status)
	assert.Equal(t, "150000", resp.Order.TotalAmount)
	assert.Len(t, resp.Order.Items, 1)
}

func TestHandler_GetOrderNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/orders/3f2c2b7e-4c1d-4f8e-9b59-2b3a1c0d9e11", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListBuyerOrders(t *testing.T) {
	r, ms := setupTestRouter(t)
	seedOrder(t, ms, StatusPending)
	seedOrder(t, ms, StatusPaid)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/buyers/buyer-1/orders", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func ship(r *gin.Engine, orderID, caller, tracking string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(ShipRequest{TrackingNumber: tracking})
	req := httptest.NewRequest("POST", "/v1/orders/"+orderID+"/ship", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(security.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ShipOrder(t *testing.T) {
	r, ms := setupTestRouter(t)
	o := seedOrder(t, ms, StatusPaid)

	assert.Equal(t, http.StatusUnauthorized, ship(r, o.ID, "", "JNE1").Code)
	assert.Equal(t, http.StatusForbidden, ship(r, o.ID, "buyer-1", "JNE1").Code)
	assert.Equal(t, http.StatusBadRequest, ship(r, o.ID, "supplier-1", "").Code)

	w := ship(r, o.ID, "supplier-1", "JNE1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"SHIPPED"`)
}

func TestHandler_ShipPendingOrderConflicts(t *testing.T) {
	r, ms := setupTestRouter(t)
	o := seedOrder(t, ms, StatusPending)

	w := ship(r, o.ID, "supplier-1", "JNE1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")
}
