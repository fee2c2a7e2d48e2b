// Package refresh coordinates access-token renewal: one upstream refresh
// call per user at a time, bounded jittered retries, and terminal-error
// short-circuiting.
package refresh

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

// TokenSource performs the upstream refresh call. Implemented by the oauth
// package's Client.
type TokenSource interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*models.TokenResponse, error)
}

// MetricsRecorder receives refresh outcomes. A nil recorder disables
// recording.
type MetricsRecorder interface {
	RecordRefresh(provider string, outcome string)
	RecordRefreshCoalesced()
}

// Notifier is told about terminal refresh failures. A nil notifier disables
// notification.
type Notifier interface {
	RefreshFailed(userID string, provider string, reason string)
}

// Coordinator serializes refreshes per user and persists results.
type Coordinator struct {
	store  store.Store
	source TokenSource
	logger *logging.Logger
	group  singleflight.Group

	lead     time.Duration
	attempts int
	backoff  time.Duration

	metrics  MetricsRecorder
	notifier Notifier
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithExpiryLead sets how far before expiry a token is considered due for
// refresh.
func WithExpiryLead(lead time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if lead > 0 {
			c.lead = lead
		}
	}
}

// WithRetryPolicy sets the retryable-error attempt ceiling and base backoff.
func WithRetryPolicy(attempts int, backoff time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier sets the terminal-failure notifier.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// NewCoordinator creates a refresh coordinator over the given store and
// token source.
func NewCoordinator(s store.Store, source TokenSource, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    s,
		source:   source,
		logger:   logging.NewLogger(),
		lead:     5 * time.Minute,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type refreshOutcome struct {
	record *models.TokenRecord
	reason models.RefreshReason
}

// GetValidToken returns a usable token record for (userID, provider),
// refreshing it first when it is expired or inside the expiry lead window.
// When no record can be returned, the reason explains why. All failure paths
// resolve to a reason code; no error escapes.
func (c *Coordinator) GetValidToken(ctx context.Context, userID string, provider models.Provider, forceRefresh bool) (*models.TokenRecord, models.RefreshReason) {
	rec, ok := c.store.Get(ctx, userID, provider, "")
	if !ok {
		return nil, models.ReasonNoTokens
	}

	if !forceRefresh && !rec.ExpiresWithin(c.lead) && rec.AccessToken != "" {
		return rec, models.ReasonNone
	}

	if rec.RefreshToken == "" {
		c.logger.Info("token due for refresh but no refresh token held",
			"user_id", userID, "provider", string(provider))
		c.terminal(userID, provider, models.ReasonExpiredNoRefresh)
		return nil, models.ReasonExpiredNoRefresh
	}

	// One in-flight refresh per user; concurrent callers share its outcome.
	v, _, shared := c.group.Do(userID, func() (interface{}, error) {
		out := c.doRefresh(ctx, userID, provider, rec)
		return out, nil
	})
	if shared && c.metrics != nil {
		c.metrics.RecordRefreshCoalesced()
	}

	out := v.(refreshOutcome)
	return out.record, out.reason
}

func (c *Coordinator) doRefresh(ctx context.Context, userID string, provider models.Provider, prior *models.TokenRecord) refreshOutcome {
	var lastReason models.RefreshReason
	unknownRetried := false

	for attempt := 1; ; attempt++ {
		resp, err := c.source.Refresh(ctx, provider, prior.RefreshToken)
		if err == nil {
			rec, ok := c.persist(ctx, provider, prior, resp)
			if !ok {
				return c.fail(userID, provider, models.ReasonUnknownError)
			}
			c.logger.Info("token refreshed",
				"user_id", userID, "provider", string(provider), "record_id", rec.ID)
			if c.metrics != nil {
				c.metrics.RecordRefresh(string(provider), "success")
			}
			return refreshOutcome{record: rec, reason: models.ReasonNone}
		}

		switch e := err.(type) {
		case *errors.ErrAuth:
			// The refresh token itself is dead. No retry can fix that.
			c.logger.Warn("refresh token rejected by provider",
				"user_id", userID, "provider", string(provider), "code", e.Code)
			return c.fail(userID, provider, models.ReasonInvalidRefresh)

		case *errors.ErrRateLimited:
			lastReason = models.ReasonProviderUnavailable
			if attempt >= c.attempts {
				return c.fail(userID, provider, lastReason)
			}
			wait := e.RetryAfter
			if ceiling := retryBackoff(c.backoff, attempt); wait <= 0 || wait > ceiling {
				wait = ceiling
			}
			if !c.sleep(ctx, wait) {
				return c.fail(userID, provider, lastReason)
			}

		case *errors.ErrTransient:
			lastReason = models.ReasonProviderUnavailable
			if attempt >= c.attempts {
				return c.fail(userID, provider, lastReason)
			}
			if !c.sleep(ctx, retryBackoff(c.backoff, attempt)) {
				return c.fail(userID, provider, lastReason)
			}

		default:
			lastReason = models.ReasonUnknownError
			c.logger.Warn("unclassified refresh failure",
				"user_id", userID, "provider", string(provider), "error", err.Error())
			if unknownRetried {
				return c.fail(userID, provider, lastReason)
			}
			unknownRetried = true
			if !c.sleep(ctx, retryBackoff(c.backoff, attempt)) {
				return c.fail(userID, provider, lastReason)
			}
		}
	}
}

// persist writes the refreshed credentials as a new generation carrying the
// prior record's identity. A missing refresh token in the response keeps the
// prior one.
func (c *Coordinator) persist(ctx context.Context, provider models.Provider, prior *models.TokenRecord, resp *models.TokenResponse) (*models.TokenRecord, bool) {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = prior.RefreshToken
	}
	scope := resp.Scope
	if scope == "" {
		scope = prior.Scope
	}

	rec := &models.TokenRecord{
		UserID:          prior.UserID,
		Provider:        provider,
		ProviderIssuer:  prior.ProviderIssuer,
		ProviderSubject: prior.ProviderSubject,
		AccessToken:     resp.AccessToken,
		RefreshToken:    refreshToken,
		Scope:           scope,
		ExpiresAt:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix(),
	}
	if !c.store.Upsert(ctx, rec) {
		c.logger.Error("failed to persist refreshed token",
			"user_id", prior.UserID, "provider", string(provider))
		return nil, false
	}
	return rec, true
}

func (c *Coordinator) fail(userID string, provider models.Provider, reason models.RefreshReason) refreshOutcome {
	if c.metrics != nil {
		c.metrics.RecordRefresh(string(provider), string(reason))
	}
	if reason.Terminal() {
		c.terminal(userID, provider, reason)
	}
	return refreshOutcome{reason: reason}
}

func (c *Coordinator) terminal(userID string, provider models.Provider, reason models.RefreshReason) {
	if c.notifier != nil {
		c.notifier.RefreshFailed(userID, string(provider), string(reason))
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// retryBackoff grows the base exponentially with the attempt and applies
// jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
