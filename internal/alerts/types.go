package alerts

import (
	"time"
)

// Severity represents alert severity level
type Severity string

const (
	// SeverityInfo is for informational alerts
	SeverityInfo Severity = "info"
	// SeverityWarning is for warning alerts
	SeverityWarning Severity = "warning"
	// SeverityCritical is for critical alerts
	SeverityCritical Severity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeRefreshFailed is raised when a token refresh fails terminally
	AlertTypeRefreshFailed AlertType = "refresh_failed"
	// AlertTypeAccountMismatch is raised when the account-mismatch guard fires
	AlertTypeAccountMismatch AlertType = "account_mismatch"
	// AlertTypeSweepFailed is raised when the retention sweep errors
	AlertTypeSweepFailed AlertType = "sweep_failed"
)

// Alert represents an alert to be sent
type Alert struct {
	UserID    string
	Provider  string
	Type      AlertType
	Severity  Severity
	Message   string
	Timestamp time.Time
}

// AlertKey creates a unique key for deduplication
func (a *Alert) AlertKey() string {
	return a.UserID + ":" + a.Provider + ":" + string(a.Type)
}

// AlertRecord represents a sent alert record for deduplication
type AlertRecord struct {
	AlertKey string
	SentAt   time.Time
	Count    int
}
