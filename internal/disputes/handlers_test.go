package disputes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/orders"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, _ := newTestManager(t)
	h := NewHandler(m)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, m
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ReviewAndResolve(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, env := newTestManager(t)
	r := gin.New()
	h := NewHandler(m)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	s, d := seedDisputed(t, m, env)

	w := doJSON(r, http.MethodGet, "/v1/admin/disputes?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), d.ID)

	w = doJSON(r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/resolve", ResolveBody{Resolution: "RELEASE_FUNDS"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusResolved, resp.Dispute.Status)
	assert.Equal(t, orders.StatusCompleted, env.OrderStatus(t, s.Order.ID))
	assert.Equal(t, escrow.StatusReleased, env.LedgerStatus(t, s.Order.ID))

	w = doJSON(r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/resolve", ResolveBody{Resolution: "REFUND_BUYER"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/disputes/"+d.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ResolveValidation(t *testing.T) {
	r, _ := setupTestRouter(t)
	id := uuid.NewString()

	tests := []struct {
		name string
		body ResolveBody
	}{
		{"unknown resolution", ResolveBody{Resolution: "SPLIT"}},
		{"partial without amount", ResolveBody{Resolution: "PARTIAL_REFUND"}},
		{"partial with fraction", ResolveBody{Resolution: "PARTIAL_REFUND", RefundAmount: "100.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/admin/disputes/"+id+"/resolve", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "validation_error")
		})
	}
}

func TestHandler_NotFoundAndBadStatus(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/disputes/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/admin/disputes?status=CLOSED", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/disputes/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
