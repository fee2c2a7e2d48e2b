package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tokenvault/tokenvault/internal/logging"
)

const (
	// DefaultAPIKeyHeader is the default header name for API key authentication
	DefaultAPIKeyHeader = "X-API-Key"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIKeyAuth creates a middleware that validates API keys from the request header.
// If no API keys are configured, authentication is bypassed.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	// If no API keys configured, skip authentication
	if len(apiKeys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)

		if apiKey == "" {
			clientIP := c.ClientIP()
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: missing API key",
				"header_name", headerName,
				"client_ip", clientIP,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			logging.NewAuditEvent(logging.AuthFailure, "api_key_auth", logging.StatusFailure).
				WithIPAddress(clientIP).
				WithSeverity(logging.SeverityWarning).
				Emit(logger)

			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "API key is required. Provide it in the '" + headerName + "' header",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		for _, key := range apiKeys {
			if apiKey == key {
				c.Set("api_key", apiKey)
				c.Set("authenticated", true)
				c.Next()
				return
			}
		}

		clientIP := c.ClientIP()
		logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid API key",
			"header_name", headerName,
			"client_ip", clientIP,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		logging.NewAuditEvent(logging.AuthFailure, "api_key_auth", logging.StatusFailure).
			WithIPAddress(clientIP).
			WithSeverity(logging.SeverityWarning).
			WithDetails(map[string]interface{}{"reason": "invalid_key"}).
			Emit(logger)

		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
			Code:    http.StatusUnauthorized,
		})
	}
}

// MaskAPIKeys masks API keys for safe logging.
func MaskAPIKeys(apiKeys []string) []string {
	masked := make([]string, len(apiKeys))
	for i, key := range apiKeys {
		if len(key) <= 8 {
			masked[i] = strings.Repeat("*", len(key))
			continue
		}
		masked[i] = key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
	return masked
}
