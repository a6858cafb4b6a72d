package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/gateway"
)

// Handler provides the payment webhook and its operator endpoints.
type Handler struct {
	processor  *Processor
	reconciler *Reconciler
	demo       *gateway.DemoClient
}

// NewHandler creates a payment handler. reconciler may be nil.
func NewHandler(processor *Processor, reconciler *Reconciler) *Handler {
	return &Handler{processor: processor, reconciler: reconciler}
}

// WithDemo enables the settle endpoint for the offline gateway.
func (h *Handler) WithDemo(demo *gateway.DemoClient) *Handler {
	h.demo = demo
	return h
}

// RegisterRoutes sets up the gateway-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/midtrans", h.MidtransWebhook)
	if h.demo != nil {
		r.POST("/dev/payments/:ref/settle", h.DemoSettle)
	}
}

// RegisterAdminRoutes sets up routes behind the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
}

// MidtransWebhook handles POST /v1/webhooks/midtrans
func (h *Handler) MidtransWebhook(c *gin.Context) {
	var n gateway.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid notification body",
		})
		return
	}

	res, err := h.processor.HandleNotification(c.Request.Context(), &n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
}

// DemoSettle handles POST /v1/dev/payments/:ref/settle. It stands in for
// the buyer paying on the hosted checkout page.
func (h *Handler) DemoSettle(c *gin.Context) {
	n, err := h.demo.Settle(c.Param("ref"))
	if err != nil {
		writeError(c, escrow.ErrTransactionNotFound)
		return
	}
	res, err := h.processor.HandleNotification(c.Request.Context(), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
}

// Reconcile handles POST /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reconciler_disabled",
			"message": "Payment reconciliation is not configured",
		})
		return
	}
	sum, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// writeError maps webhook failures; everything else goes through the
// ledger and order mappings (409 for conflicts, 500 otherwise).
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrMalformedNotification):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Invalid signature"})
	default:
		escrow.WriteError(c, err)
	}
}
