package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyer_id", " "),
		ValidID("supplier_id", "not-a-uuid"),
		ValidAmount("price", decimal.RequireFromString("10.5")),
		Positive("quantity", 0),
		OneOf("resolution", "SPLIT", "RELEASE_FUNDS", "REFUND_BUYER"),
		MaxLength("notes", "ok", 10),
	)

	assert.Len(t, errs, 5)
	assert.Equal(t, "buyer_id: is required", errs.Error())
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("buyer_id", "b-1"),
		ValidID("supplier_id", "3f2c2b7e-4c1d-4f8e-9b59-2b3a1c0d9e11"),
		ValidAmount("price", decimal.NewFromInt(15000)),
		Positive("quantity", 2),
	)
	assert.Empty(t, errs)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "abcde", SanitizeString("abcdefgh", 5))
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/xyz", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "invalid_id"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/3f2c2b7e-4c1d-4f8e-9b59-2b3a1c0d9e11", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
