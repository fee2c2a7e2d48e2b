package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenvault/tokenvault/internal/alerts"
	"github.com/tokenvault/tokenvault/internal/cleanup"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/middleware"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/oauth"
	"github.com/tokenvault/tokenvault/internal/refresh"
	"github.com/tokenvault/tokenvault/internal/store"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	providers   map[string]config.ProviderConfig
	store       store.Store
	coordinator *refresh.Coordinator
	oauthClient *oauth.Client
	codec       *crypto.Codec
	cleanup     *cleanup.Manager
	notifier    *alerts.Notifier
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	tlsConfig   config.TLSConfig
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, st store.Store, coordinator *refresh.Coordinator, oauthClient *oauth.Client, codec *crypto.Codec, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if m == nil {
		m = metrics.NewMetrics("tokenvault")
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	// Initialize rate limiter from config with sane defaults
	requestsPerMinute := cfg.API.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1000
	}
	burst := cfg.API.RateLimit.Burst
	if burst <= 0 {
		burst = 100
	}
	rateLimiter := newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	server := &Server{
		router:      gin.New(),
		config:      cfg.Server,
		apiConfig:   cfg.API,
		providers:   cfg.Providers,
		store:       st,
		coordinator: coordinator,
		oauthClient: oauthClient,
		codec:       codec,
		metrics:     m,
		logger:      logger,
		rateLimiter: rateLimiter,
		tlsConfig:   cfg.Server.TLS,
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(rateLimiter))

	// Body size limit (1MB)
	server.router.Use(bodyLimitMiddleware(1 << 20))

	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// SetNotifier attaches an operational alert notifier.
func (s *Server) SetNotifier(n *alerts.Notifier) {
	s.notifier = n
}

// SetCleanupManager attaches the invalid-row retention sweeper so it is
// reported by /v1/stats and stopped during shutdown.
func (s *Server) SetCleanupManager(m *cleanup.Manager) {
	s.cleanup = m
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Get or generate correlation ID
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/healthz", s.handleHealth)

	authMiddleware := APIKeyAuth(s.apiConfig.Auth.APIKeys, s.apiConfig.Auth.HeaderName, s.logger)

	v1 := s.router.Group("/v1")
	v1.Use(authMiddleware)
	v1.Use(middleware.Audit(s.logger))
	{
		v1.POST("/tokens", s.handleUpsertToken)
		v1.GET("/users/:user_id/tokens", s.handleListTokens)
		v1.GET("/users/:user_id/tokens/:provider", s.handleGetToken)
		v1.GET("/users/:user_id/tokens/:provider/valid", s.handleGetValidToken)
		v1.GET("/users/:user_id/tokens/:provider/canonical", s.handleGetCanonicalRow)
		v1.DELETE("/users/:user_id/tokens/:provider", s.handleDisconnect)
		v1.PUT("/users/:user_id/tokens/:provider/services/:capability", s.handleUpdateServiceStatus)
		v1.GET("/users/:user_id/services", s.handleServiceSummary)
		v1.GET("/stats", s.handleStats)
		v1.POST("/oauth/callback/:provider", s.handleOAuthCallback)
	}
}

// Run starts the HTTP or HTTPS server based on TLS configuration
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.tlsConfig.Enabled {
		return s.RunTLS()
	}

	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// RunTLS starts the HTTPS server with TLS configuration
func (s *Server) RunTLS() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", s.tlsConfig.CertFile, "min_version", s.tlsConfig.MinVersion)

	srv, err := NewHTTPSServerWithConfig(addr, s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.MinVersion, s.router)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	s.httpServer = srv

	return s.httpServer.ListenAndServeTLS("", "")
}

// StartWithServer starts the server with a pre-configured http.Server
func (s *Server) StartWithServer(srv *http.Server) error {
	s.httpServer = srv
	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	// Stop accepting new connections
	if s.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("shutting down HTTP server")
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", "error", err.Error())
				errs <- &errors.ErrServerShutdown{Err: err}
			}
		}()
	}

	// Stop the retention sweeper
	if s.cleanup != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.cleanup.Stop(); err != nil {
				errs <- fmt.Errorf("cleanup stop: %w", err)
			}
		}()
	}

	// Close store connections
	if s.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Close(); err != nil {
				errs <- fmt.Errorf("store close: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errs)
	var errList []error
	for err := range errs {
		if err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

type storePinger interface {
	Ping(ctx context.Context) error
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	checks := gin.H{}

	if p, ok := s.store.(storePinger); ok {
		if err := p.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			checks["store"] = "unreachable"
		} else {
			checks["store"] = "ok"
		}
	}

	if s.codec != nil && s.codec.Configured() {
		if err := s.codec.SelfTest(); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			checks["crypto"] = "self test failed"
		} else {
			checks["crypto"] = "ok"
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// UpsertTokenRequest represents a request to store a new token generation
type UpsertTokenRequest struct {
	UserID          string              `json:"user_id" binding:"required"`
	Provider        string              `json:"provider" binding:"required"`
	ProviderIssuer  string              `json:"provider_issuer,omitempty"`
	ProviderSubject string              `json:"provider_subject,omitempty"`
	AccessToken     string              `json:"access_token" binding:"required"`
	RefreshToken    string              `json:"refresh_token,omitempty"`
	Scope           string              `json:"scope,omitempty"`
	ExpiresAt       int64               `json:"expires_at,omitempty"`
	ServiceState    models.ServiceState `json:"service_state,omitempty"`
}

// handleUpsertToken stores a new token generation for an identity tuple
func (s *Server) handleUpsertToken(c *gin.Context) {
	var req UpsertTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := models.Provider(req.Provider)
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": req.Provider})
		return
	}

	// Fall back to the configured issuer when the caller omits it
	issuer := req.ProviderIssuer
	if issuer == "" {
		if pc, ok := s.providers[req.Provider]; ok {
			issuer = pc.Issuer
		}
	}

	rec := &models.TokenRecord{
		UserID:          req.UserID,
		Provider:        provider,
		ProviderIssuer:  issuer,
		ProviderSubject: req.ProviderSubject,
		AccessToken:     req.AccessToken,
		RefreshToken:    req.RefreshToken,
		Scope:           req.Scope,
		ExpiresAt:       req.ExpiresAt,
		ServiceState:    req.ServiceState,
	}

	if !s.store.Upsert(c.Request.Context(), rec) {
		s.metrics.RecordError("upsert_rejected", "/v1/tokens", "POST")
		logging.NewAuditEvent(logging.TokenUpsert, "upsert", logging.StatusFailure).
			WithUserID(req.UserID).
			WithProvider(req.Provider).
			WithIPAddress(c.ClientIP()).
			Emit(s.logger)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_record",
			"message": "record violates the identity contract or could not be stored",
		})
		return
	}

	logging.NewAuditEvent(logging.TokenUpsert, "upsert", logging.StatusSuccess).
		WithUserID(req.UserID).
		WithProvider(req.Provider).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{
			"provider_subject": rec.ProviderSubject,
			"scope":            rec.Scope,
		}).
		Emit(s.logger)

	c.JSON(http.StatusOK, rec)
}

// handleListTokens returns all valid token generations for a user
func (s *Server) handleListTokens(c *gin.Context) {
	userID := c.Param("user_id")
	records := s.store.GetAll(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"tokens":  records,
		"count":   len(records),
	})
}

// handleGetToken returns the current valid generation for (user, provider)
func (s *Server) handleGetToken(c *gin.Context) {
	userID := c.Param("user_id")
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}

	rec, ok := s.store.Get(c.Request.Context(), userID, provider, c.Query("subject"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "user_id": userID, "provider": string(provider)})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// ValidTokenResponse carries a ready-to-use access token. This is the only
// response shape that exposes token material.
type ValidTokenResponse struct {
	UserID          string              `json:"user_id"`
	Provider        string              `json:"provider"`
	ProviderSubject string              `json:"provider_subject,omitempty"`
	AccessToken     string              `json:"access_token"`
	ExpiresAt       int64               `json:"expires_at"`
	Scope           string              `json:"scope"`
	ServiceState    models.ServiceState `json:"service_state,omitempty"`
}

// handleGetValidToken returns a fresh access token, refreshing through the
// coordinator when the stored one is expired or near expiry
func (s *Server) handleGetValidToken(c *gin.Context) {
	userID := c.Param("user_id")
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}
	force := c.Query("force") == "true"

	rec, reason := s.coordinator.GetValidToken(c.Request.Context(), userID, provider, force)
	if reason == models.ReasonNone {
		c.JSON(http.StatusOK, ValidTokenResponse{
			UserID:          rec.UserID,
			Provider:        string(rec.Provider),
			ProviderSubject: rec.ProviderSubject,
			AccessToken:     rec.AccessToken,
			ExpiresAt:       rec.ExpiresAt,
			Scope:           rec.Scope,
			ServiceState:    rec.ServiceState,
		})
		return
	}

	switch reason {
	case models.ReasonNoTokens:
		c.JSON(http.StatusNotFound, gin.H{"error": "no_tokens", "reason": string(reason)})
	case models.ReasonExpiredNoRefresh, models.ReasonInvalidRefresh:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reconnect_required", "reason": string(reason)})
	case models.ReasonProviderUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "reason": string(reason)})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "refresh_failed", "reason": string(reason)})
	}
}

// handleGetCanonicalRow returns the single valid row for a fully-specified
// identity tuple
func (s *Server) handleGetCanonicalRow(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}

	tuple := models.IdentityTuple{
		UserID:          c.Param("user_id"),
		Provider:        provider,
		ProviderIssuer:  c.Query("issuer"),
		ProviderSubject: c.Query("subject"),
	}
	if tuple.ProviderIssuer == "" {
		if pc, ok := s.providers[string(provider)]; ok {
			tuple.ProviderIssuer = pc.Issuer
		}
	}

	rec, ok := s.store.GetCanonicalRow(c.Request.Context(), tuple)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// handleDisconnect invalidates all generations for (user, provider)
func (s *Server) handleDisconnect(c *gin.Context) {
	userID := c.Param("user_id")
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}

	if !s.store.MarkInvalid(c.Request.Context(), userID, provider) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "user_id": userID, "provider": string(provider)})
		return
	}

	logging.NewAuditEvent(logging.TokenDisconnect, "disconnect", logging.StatusSuccess).
		WithUserID(userID).
		WithProvider(string(provider)).
		WithIPAddress(c.ClientIP()).
		Emit(s.logger)

	c.JSON(http.StatusOK, gin.H{
		"status":   "disconnected",
		"user_id":  userID,
		"provider": string(provider),
	})
}

// ServiceStatusRequest represents a per-capability status change
type ServiceStatusRequest struct {
	Status          string `json:"status" binding:"required"`
	ProviderSubject string `json:"provider_subject,omitempty"`
	ProviderIssuer  string `json:"provider_issuer,omitempty"`
	LastErrorCode   string `json:"last_error_code,omitempty"`
}

// handleUpdateServiceStatus flips a capability on the current valid generation
func (s *Server) handleUpdateServiceStatus(c *gin.Context) {
	userID := c.Param("user_id")
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider", "provider": c.Param("provider")})
		return
	}

	capability := models.Capability(c.Param("capability"))
	if !capability.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown capability", "capability": c.Param("capability")})
		return
	}

	var req ServiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := models.ServiceStatusValue(req.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status", "status": req.Status})
		return
	}

	ok, err := s.store.UpdateServiceStatus(c.Request.Context(), userID, provider, capability, status, store.StatusUpdate{
		ProviderSubject: req.ProviderSubject,
		ProviderIssuer:  req.ProviderIssuer,
		LastErrorCode:   req.LastErrorCode,
	})
	if err != nil {
		if mismatch, isMismatch := err.(*errors.ErrAccountMismatch); isMismatch {
			s.metrics.RecordAccountMismatch(string(provider))
			if s.notifier != nil {
				s.notifier.AccountMismatch(userID, string(provider), string(capability))
			}
			logging.NewAuditEvent(logging.AccountMismatch, "service_status_update", logging.StatusFailure).
				WithUserID(userID).
				WithProvider(string(provider)).
				WithIPAddress(c.ClientIP()).
				WithSeverity(logging.SeverityWarning).
				WithDetails(map[string]interface{}{
					"capability":      string(capability),
					"enabled_subject": mismatch.EnabledSubject,
				}).
				Emit(s.logger)
			c.JSON(http.StatusConflict, gin.H{
				"error":           "account_mismatch",
				"message":         mismatch.Error(),
				"capability":      string(capability),
				"enabled_subject": mismatch.EnabledSubject,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "user_id": userID, "provider": string(provider)})
		return
	}

	s.metrics.RecordServiceStatusChange(string(capability), string(status))
	logging.NewAuditEvent(logging.ServiceStatusChange, "service_status_update", logging.StatusSuccess).
		WithUserID(userID).
		WithProvider(string(provider)).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{
			"capability": string(capability),
			"status":     string(status),
		}).
		Emit(s.logger)

	c.JSON(http.StatusOK, gin.H{
		"status":     "updated",
		"user_id":    userID,
		"provider":   string(provider),
		"capability": string(capability),
		"value":      string(status),
	})
}

// ServiceSummaryEntry describes one connected provider account
type ServiceSummaryEntry struct {
	Provider        string              `json:"provider"`
	ProviderSubject string              `json:"provider_subject,omitempty"`
	Scope           string              `json:"scope"`
	ExpiresAt       int64               `json:"expires_at"`
	ServiceState    models.ServiceState `json:"service_state,omitempty"`
}

// handleServiceSummary returns the per-capability status across all of the
// user's connected providers
func (s *Server) handleServiceSummary(c *gin.Context) {
	userID := c.Param("user_id")
	records := s.store.GetAll(c.Request.Context(), userID)

	services := make([]ServiceSummaryEntry, 0, len(records))
	for _, rec := range records {
		services = append(services, ServiceSummaryEntry{
			Provider:        string(rec.Provider),
			ProviderSubject: rec.ProviderSubject,
			Scope:           rec.Scope,
			ExpiresAt:       rec.ExpiresAt,
			ServiceState:    rec.ServiceState,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"services": services,
	})
}

// handleStats returns store statistics
func (s *Server) handleStats(c *gin.Context) {
	st := s.store.Stats()
	s.metrics.SetRecordCounts(st.ValidCount, st.InvalidCount)

	resp := gin.H{
		"valid_records":   st.ValidCount,
		"invalid_records": st.InvalidCount,
		"users":           st.UserCount,
	}
	if s.cleanup != nil {
		resp["cleanup"] = s.cleanup.GetStats()
	}

	c.JSON(http.StatusOK, resp)
}
