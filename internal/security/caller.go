package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/salmarket/escrowd/internal/logging"
)

const (
	// CallerHeader carries the authenticated user ID. Session handling
	// lives in the marketplace front end, which sets it on every request it
	// forwards.
	CallerHeader = "X-User-ID"
	// AdminHeader carries the shared admin secret.
	AdminHeader = "X-Admin-Secret"

	callerKey = "callerID"
)

// CallerMiddleware requires the caller header and stores it on the context.
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CallerHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": CallerHeader + " header is required",
			})
			return
		}
		c.Set(callerKey, id)
		c.Next()
	}
}

// CallerID returns the caller stored by CallerMiddleware.
func CallerID(c *gin.Context) string {
	return c.GetString(callerKey)
}

// AdminMiddleware checks the admin secret in constant time. An empty
// configured secret locks the admin routes entirely.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logging.Security(c.Request.Context()).Warn("admin authentication failed",
				"path", c.FullPath(), "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}
