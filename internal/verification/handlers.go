package verification

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/blobstore"
	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/security"
	"github.com/salmarket/escrowd/internal/validation"
)

// FileField is the multipart field carrying the delivery photo.
const FileField = "file"

// Handler provides HTTP endpoints for delivery verification.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new verification handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterProtectedRoutes sets up routes that need a caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/delivery-proof", validation.IDParamMiddleware(), h.UploadProof)
	r.POST("/orders/:id/verify", validation.IDParamMiddleware(), h.VerifyDelivery)
}

// VerifyRequest is the optional body of POST /v1/orders/:id/verify.
type VerifyRequest struct {
	ImageURL string `json:"image_url"`
}

// UploadProof handles POST /v1/orders/:id/delivery-proof
func (h *Handler) UploadProof(c *gin.Context) {
	fh, err := c.FormFile(FileField)
	if err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: FileField, Message: "is required"}})
		return
	}
	if fh.Size > blobstore.MaxSize {
		writeError(c, blobstore.ErrTooLarge)
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable upload"})
		return
	}
	defer f.Close()

	out, err := h.orchestrator.SubmitProof(c.Request.Context(), c.Param("id"), security.CallerID(c), f, fh.Header.Get("Content-Type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// VerifyDelivery handles POST /v1/orders/:id/verify
func (h *Handler) VerifyDelivery(c *gin.Context) {
	var req VerifyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.orchestrator.RequireBuyer(ctx, id, security.CallerID(c)); err != nil {
		writeError(c, err)
		return
	}
	out, err := h.orchestrator.Verify(ctx, id, validation.SanitizeString(req.ImageURL, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrProofMissing):
		c.JSON(http.StatusConflict, gin.H{"error": "proof_missing", "message": "Upload a delivery photo first"})
	case errors.Is(err, ErrProofMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "proof_mismatch", "message": err.Error()})
	case errors.Is(err, blobstore.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "message": "Delivery photo must be at most 5MB"})
	case errors.Is(err, blobstore.ErrEmpty),
		errors.Is(err, blobstore.ErrUnsupportedType),
		errors.Is(err, blobstore.ErrTypeMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file", "message": err.Error()})
	default:
		escrow.WriteError(c, err)
	}
}
