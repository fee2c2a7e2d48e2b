// Package headers provides parsing of OAuth provider response headers.
package headers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryAfter parses the Retry-After header, which providers send either as
// delay seconds or as an HTTP date. The fallback is returned when the header
// is missing, malformed, or in the past.
func RetryAfter(h http.Header, fallback time.Duration) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return fallback
	}

	if secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return fallback
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return fallback
}

// RateLimitRemaining reads the conventional X-RateLimit-Remaining header.
// Returns -1 when the header is absent or unparseable.
func RateLimitRemaining(h http.Header) int64 {
	for _, name := range []string{"X-RateLimit-Remaining", "X-Ratelimit-Remaining", "RateLimit-Remaining"} {
		value := h.Get(name)
		if value == "" {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}
