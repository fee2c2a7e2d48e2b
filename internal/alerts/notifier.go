// Package alerts delivers operator notifications for credential lifecycle
// events that need human attention: terminal refresh failures, account
// mismatches, sweep errors. Alerts are deduplicated within a window and rate
// limited.
package alerts

import (
	"fmt"
	"time"

	"github.com/tokenvault/tokenvault/internal/logging"
)

// Sender delivers one alert message to the operator channel.
type Sender interface {
	Send(text string) error
}

// MetricsRecorder counts sent alerts. A nil recorder disables counting.
type MetricsRecorder interface {
	RecordAlertSent(kind string)
}

// Notifier deduplicates, throttles and delivers alerts.
type Notifier struct {
	sender   Sender
	logger   *logging.Logger
	dedup    *DedupStore
	throttle *Throttler
	metrics  MetricsRecorder
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = l }
}

// WithDedupWindow sets how long an identical alert is suppressed.
func WithDedupWindow(window time.Duration) NotifierOption {
	return func(n *Notifier) { n.dedup = NewDedupStore(window) }
}

// WithRateLimit sets the outgoing alert rate ceiling.
func WithRateLimit(perMinute int) NotifierOption {
	return func(n *Notifier) { n.throttle = NewThrottler(perMinute, perMinute) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) NotifierOption {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier creates a notifier over the given sender. A nil sender yields
// a notifier that only logs.
func NewNotifier(sender Sender, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		sender:   sender,
		logger:   logging.NewLogger(),
		dedup:    NewDedupStore(30 * time.Minute),
		throttle: NewThrottler(30, 30),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers an alert unless it is a recent duplicate or the rate
// ceiling is hit.
func (n *Notifier) Notify(alert Alert) {
	key := alert.AlertKey()
	if n.dedup.IsDuplicate(key) {
		n.logger.Debug("alert suppressed as duplicate", "key", key)
		return
	}
	if !n.throttle.Allow() {
		n.logger.Warn("alert dropped by rate limit", "key", key)
		return
	}

	n.dedup.Record(key)
	if n.sender != nil {
		if err := n.sender.Send(n.format(alert)); err != nil {
			n.logger.Error("failed to deliver alert", "key", key, "error", err.Error())
			return
		}
	}
	if n.metrics != nil {
		n.metrics.RecordAlertSent(string(alert.Type))
	}
	n.logger.Info("alert delivered",
		"type", string(alert.Type), "severity", string(alert.Severity),
		"user_id", alert.UserID, "provider", alert.Provider)
}

func (n *Notifier) format(alert Alert) string {
	icon := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityCritical:
		icon = "🚨"
	}
	return fmt.Sprintf("%s [%s] %s\nuser: %s provider: %s\n%s",
		icon, alert.Severity, alert.Type, alert.UserID, alert.Provider, alert.Message)
}

// RefreshFailed reports a terminal refresh failure. Satisfies the refresh
// coordinator's notifier contract.
func (n *Notifier) RefreshFailed(userID string, provider string, reason string) {
	n.Notify(Alert{
		UserID:    userID,
		Provider:  provider,
		Type:      AlertTypeRefreshFailed,
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("token refresh failed terminally: %s; the user must reconnect", reason),
		Timestamp: time.Now(),
	})
}

// AccountMismatch reports a capability enable rejected because another
// upstream account of the same provider already holds it.
func (n *Notifier) AccountMismatch(userID, provider, capability string) {
	n.Notify(Alert{
		UserID:    userID,
		Provider:  provider,
		Type:      AlertTypeAccountMismatch,
		Severity:  SeverityCritical,
		Message:   fmt.Sprintf("capability %s already enabled on a different %s account", capability, provider),
		Timestamp: time.Now(),
	})
}

// SweepFailed reports a retention sweep error.
func (n *Notifier) SweepFailed(err error) {
	n.Notify(Alert{
		Type:      AlertTypeSweepFailed,
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("retention sweep failed: %v", err),
		Timestamp: time.Now(),
	})
}
