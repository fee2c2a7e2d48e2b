package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

var (
	oauthCallbackMu      sync.RWMutex
	oauthCallbackHandler func(*gin.Context)
)

// SetOAuthCallbackHandler registers a runtime OAuth callback handler that
// replaces the built-in code exchange.
func SetOAuthCallbackHandler(handler func(*gin.Context)) {
	oauthCallbackMu.Lock()
	defer oauthCallbackMu.Unlock()
	oauthCallbackHandler = handler
}

func getOAuthCallbackHandler() func(*gin.Context) {
	oauthCallbackMu.RLock()
	defer oauthCallbackMu.RUnlock()
	return oauthCallbackHandler
}

// OAuthCallbackRequest completes an authorization-code flow on behalf of a
// user. The subject claim comes from the caller because the token endpoint
// response does not carry one.
type OAuthCallbackRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	Code            string `json:"code" binding:"required"`
	RedirectURI     string `json:"redirect_uri,omitempty"`
	ProviderSubject string `json:"provider_subject,omitempty"`
	ProviderIssuer  string `json:"provider_issuer,omitempty"`
}

// handleOAuthCallback exchanges an authorization code and stores the
// resulting token generation
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if handler := getOAuthCallbackHandler(); handler != nil {
		handler(c)
		return
	}

	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}
	pc, configured := s.providers[string(provider)]
	if !configured || s.oauthClient == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":    "provider not configured",
			"provider": string(provider),
		})
		return
	}

	var req OAuthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if pc.SubjectRequired && req.ProviderSubject == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "provider_subject is required for this provider",
			"provider": string(provider),
		})
		return
	}

	resp, err := s.oauthClient.ExchangeCode(c.Request.Context(), provider, req.Code, req.RedirectURI)
	if err != nil {
		s.metrics.RecordError("code_exchange", "/v1/oauth/callback", "POST")
		switch e := err.(type) {
		case *errors.ErrAuth:
			c.JSON(http.StatusUnauthorized, gin.H{"error": e.Code, "message": e.Error()})
		case *errors.ErrRateLimited:
			c.Header("Retry-After", e.RetryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": e.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "message": err.Error()})
		}
		return
	}

	issuer := req.ProviderIssuer
	if issuer == "" {
		issuer = pc.Issuer
	}

	rec := &models.TokenRecord{
		UserID:          req.UserID,
		Provider:        provider,
		ProviderIssuer:  issuer,
		ProviderSubject: req.ProviderSubject,
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		Scope:           resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		rec.ExpiresAt = time.Now().Unix() + resp.ExpiresIn
	}

	if !s.store.Upsert(c.Request.Context(), rec) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_record",
			"message": "record violates the identity contract or could not be stored",
		})
		return
	}

	logging.NewAuditEvent(logging.TokenUpsert, "oauth_callback", logging.StatusSuccess).
		WithUserID(req.UserID).
		WithProvider(string(provider)).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{
			"provider_subject": rec.ProviderSubject,
			"scope":            rec.Scope,
		}).
		Emit(s.logger)

	c.JSON(http.StatusOK, rec)
}
