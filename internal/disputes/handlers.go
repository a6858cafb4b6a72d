package disputes

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up public dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", validation.IDParamMiddleware(), h.GetDispute)
}

// RegisterAdminRoutes sets up routes behind the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/review", validation.IDParamMiddleware(), h.ReviewDispute)
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
}

// ResolveBody is the body of POST /v1/admin/disputes/:id/resolve.
type ResolveBody struct {
	Resolution   string `json:"resolution"`
	Notes        string `json:"notes"`
	RefundAmount string `json:"refund_amount,omitempty"`
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/admin/disputes?status=OPEN
func (h *Handler) ListDisputes(c *gin.Context) {
	status := Status(strings.ToUpper(c.DefaultQuery("status", string(StatusOpen))))
	if errs := validation.Validate(
		validation.OneOf("status", string(status), string(StatusOpen), string(StatusUnderReview), string(StatusResolved)),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.manager.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// ReviewDispute handles POST /v1/admin/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	d, err := h.manager.Review(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var body ResolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resolution, err := ParseResolution(body.Resolution)
	if err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "resolution", Message: "must be RELEASE_FUNDS, REFUND_BUYER or PARTIAL_REFUND"}})
		return
	}

	req := ResolveRequest{
		Resolution: resolution,
		Notes:      validation.SanitizeString(body.Notes, 2000),
	}
	if resolution == ResolutionPartialRefund {
		amount, err := money.Parse(body.RefundAmount)
		if err != nil {
			validation.Abort(c, validation.ValidationErrors{{Field: "refund_amount", Message: err.Error()}})
			return
		}
		req.RefundAmount = amount
	}

	d, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ErrInvalidResolution), errors.Is(err, ErrRefundAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		escrow.WriteError(c, err)
	}
}
