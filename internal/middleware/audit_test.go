package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenvault/tokenvault/internal/logging"
)

func auditTestRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.WithOutput(buf))

	r := gin.New()
	r.Use(Audit(logger))
	r.GET("/users/:user_id/tokens/:provider", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/fail", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
	return r
}

func TestAuditEmitsAccessEvent(t *testing.T) {
	var buf bytes.Buffer
	r := auditTestRouter(&buf)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/users/u1/tokens/google", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	out := buf.String()
	assert.Contains(t, out, string(logging.APIAccess))
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "google")
	assert.Contains(t, out, "latency_ms")
}

func TestAuditMarksFailures(t *testing.T) {
	var buf bytes.Buffer
	r := auditTestRouter(&buf)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/fail", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)

	// The last line is the audit event
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(last), &entry))
	assert.Contains(t, last, string(logging.StatusFailure))
}
