package checkout

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/security"
	"github.com/salmarket/escrowd/internal/validation"
)

// MaxItems caps the number of lines in one checkout.
const MaxItems = 100

// Handler provides the checkout endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that need a caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Checkout)
}

// CheckoutRequest is the body of POST /v1/checkout.
type CheckoutRequest struct {
	SupplierID    string         `json:"supplier_id"`
	Items         []CheckoutItem `json:"items"`
	Notes         string         `json:"notes,omitempty"`
	CustomerEmail string         `json:"customer_email,omitempty"`
	CustomerName  string         `json:"customer_name,omitempty"`
}

// CheckoutItem is one priced cart line.
type CheckoutItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Checkout handles POST /v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.Required("supplier_id", req.SupplierID),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	}
	if len(req.Items) > MaxItems {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "items", Message: fmt.Sprintf("at most %d lines", MaxItems)}
		})
	}
	for i, it := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		checks = append(checks,
			validation.Required(field+".product_id", it.ProductID),
			validation.Required(field+".name", it.Name),
			validation.ValidAmount(field+".unit_price", it.UnitPrice),
			validation.Positive(field+".quantity", it.Quantity),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	lines := make([]orders.NewItem, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, orders.NewItem{
			ProductID: it.ProductID,
			Name:      validation.SanitizeString(it.Name, 200),
			Category:  validation.SanitizeString(it.Category, 50),
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}

	res, err := h.service.Checkout(c.Request.Context(), Request{
		BuyerID:       security.CallerID(c),
		SupplierID:    validation.SanitizeString(req.SupplierID, 100),
		Items:         lines,
		Notes:         validation.SanitizeString(req.Notes, validation.MaxStringLength),
		CustomerEmail: validation.SanitizeString(req.CustomerEmail, 200),
		CustomerName:  validation.SanitizeString(req.CustomerName, 100),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCartEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cart_empty", "message": "Cart is empty"})
	case errors.Is(err, ErrPaymentSession):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_session_failed", "message": "Could not create payment session"})
	case errors.Is(err, ErrPersistence):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "item_persistence_failed", "message": "Could not save order"})
	default:
		orders.WriteError(c, err)
	}
}
