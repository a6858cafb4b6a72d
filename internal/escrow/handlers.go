package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/transaction", validation.IDParamMiddleware(), h.GetTransaction)
}

// GetTransaction handles GET /v1/orders/:id/transaction
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// WriteError maps ledger errors to HTTP responses and hands anything else
// to orders.WriteError.
func WriteError(c *gin.Context, err error) {
	var se *StatusError
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.As(err, &se):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": se.Error(),
			"status":  se.Current,
		})
	case errors.Is(err, ErrTransactionExists), errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrProofAlreadyAttached):
		c.JSON(http.StatusConflict, gin.H{"error": "proof_already_attached", "message": err.Error()})
	case errors.Is(err, ErrAmountMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_mismatch", "message": err.Error()})
	default:
		orders.WriteError(c, err)
	}
}
