package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Authentication events
	AuthSuccess AuditEventType = "AUTH_SUCCESS"
	AuthFailure AuditEventType = "AUTH_FAILURE"

	// Credential lifecycle events
	TokenUpsert     AuditEventType = "TOKEN_UPSERT"
	TokenRefresh    AuditEventType = "TOKEN_REFRESH"
	TokenDisconnect AuditEventType = "TOKEN_DISCONNECT"

	// Service state events
	ServiceStatusChange AuditEventType = "SERVICE_STATUS_CHANGE"
	AccountMismatch     AuditEventType = "ACCOUNT_MISMATCH"

	// Configuration events
	ConfigChange AuditEventType = "CONFIG_CHANGE"

	// API access events
	APIAccess AuditEventType = "API_ACCESS"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent represents a security/operational audit event.
// Details never carry token material, only identity tuple fields.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	UserID       string                 `json:"user_id,omitempty"`
	Provider     string                 `json:"provider,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Action       string                 `json:"action"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Action:    action,
		Status:    status,
		Severity:  SeverityInfo,
	}
}

// WithUserID sets the user ID for the audit event
func (e *AuditEvent) WithUserID(userID string) *AuditEvent {
	e.UserID = userID
	return e
}

// WithProvider sets the provider for the audit event
func (e *AuditEvent) WithProvider(provider string) *AuditEvent {
	e.Provider = provider
	return e
}

// WithIPAddress sets the IP address for the audit event
func (e *AuditEvent) WithIPAddress(ipAddress string) *AuditEvent {
	e.IPAddress = ipAddress
	return e
}

// WithSeverity sets the severity for the audit event
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDetails sets the details map for the audit event
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError sets the error message for the audit event
func (e *AuditEvent) WithError(errorMessage string) *AuditEvent {
	e.ErrorMessage = errorMessage
	e.Status = StatusFailure
	if e.Severity == SeverityInfo {
		e.Severity = SeverityError
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// Emit writes the audit event through the given logger at a level matching
// its severity.
func (e *AuditEvent) Emit(logger *Logger) {
	fields := []interface{}{
		"audit_id", e.ID,
		"event_type", string(e.EventType),
		"status", string(e.Status),
	}
	if e.UserID != "" {
		fields = append(fields, "user_id", e.UserID)
	}
	if e.Provider != "" {
		fields = append(fields, "provider", e.Provider)
	}
	if e.IPAddress != "" {
		fields = append(fields, "ip_address", e.IPAddress)
	}
	if e.ErrorMessage != "" {
		fields = append(fields, "error", e.ErrorMessage)
	}
	if len(e.Details) > 0 {
		fields = append(fields, "details", e.Details)
	}

	switch e.Severity {
	case SeverityError, SeverityCritical:
		logger.Error(e.Action, fields...)
	case SeverityWarning:
		logger.Warn(e.Action, fields...)
	default:
		logger.Info(e.Action, fields...)
	}
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}
