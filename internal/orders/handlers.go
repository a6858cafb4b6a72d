package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/security"
	"github.com/salmarket/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", validation.IDParamMiddleware(), h.GetOrder)
	r.GET("/buyers/:id/orders", h.ListBuyerOrders)
	r.GET("/suppliers/:id/orders", h.ListSupplierOrders)
}

// RegisterProtectedRoutes sets up routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/ship", validation.IDParamMiddleware(), h.ShipOrder)
}

// ShipRequest is the body of POST /v1/orders/:id/ship.
type ShipRequest struct {
	TrackingNumber string `json:"tracking_number"`
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListBuyerOrders handles GET /v1/buyers/:id/orders
func (h *Handler) ListBuyerOrders(c *gin.Context) {
	list, err := h.service.ListByBuyer(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(list), "count": len(list)})
}

// ListSupplierOrders handles GET /v1/suppliers/:id/orders
func (h *Handler) ListSupplierOrders(c *gin.Context) {
	list, err := h.service.ListBySupplier(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": nonNil(list), "count": len(list)})
}

// ShipOrder handles POST /v1/orders/:id/ship
func (h *Handler) ShipOrder(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.TrackingNumber = validation.SanitizeString(req.TrackingNumber, 100)
	if errs := validation.Validate(
		validation.Required("tracking_number", req.TrackingNumber),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	o, err := h.service.Ship(c.Request.Context(), c.Param("id"), security.CallerID(c), req.TrackingNumber)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// WriteError maps order errors to HTTP responses. Other packages reuse it
// for the order half of composite operations.
func WriteError(c *gin.Context, err error) {
	var te *TransitionError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": te.Error(),
			"from":    te.From,
			"event":   te.Event,
		})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrTrackingRequired), errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrInvalidItem):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func nonNil(list []*Order) []*Order {
	if list == nil {
		return []*Order{}
	}
	return list
}
