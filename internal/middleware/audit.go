// Package middleware holds gin middleware shared by API route groups.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenvault/tokenvault/internal/logging"
)

// Audit creates a middleware that emits an API access audit event for every
// request on the group it is attached to. Token material never reaches the
// event; only the request envelope is recorded.
func Audit(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)

		status := logging.StatusSuccess
		severity := logging.SeverityInfo
		if c.Writer.Status() >= 400 {
			status = logging.StatusFailure
			severity = logging.SeverityWarning
		}

		event := logging.NewAuditEvent(logging.APIAccess, c.Request.Method+" "+path, status).
			WithIPAddress(c.ClientIP()).
			WithSeverity(severity).
			WithDetails(map[string]interface{}{
				"method":     c.Request.Method,
				"path":       path,
				"status":     c.Writer.Status(),
				"latency_ms": latency.Milliseconds(),
				"user_agent": c.Request.UserAgent(),
			})

		if userID := c.Param("user_id"); userID != "" {
			event.WithUserID(userID)
		}
		if provider := c.Param("provider"); provider != "" {
			event.WithProvider(provider)
		}

		event.Emit(logger)
	}
}
