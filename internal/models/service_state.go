package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Capability names a user-facing feature backed by a connected account.
// The set is closed: unknown capability names are rejected on read and write.
type Capability string

const (
	CapabilityMailRead      Capability = "mail_read"
	CapabilityMailSend      Capability = "mail_send"
	CapabilityCalendarRead  Capability = "calendar_read"
	CapabilityCalendarWrite Capability = "calendar_write"
	CapabilityContactsRead  Capability = "contacts_read"
	CapabilityLibraryRead   Capability = "library_read"
	CapabilityPlayback      Capability = "playback"
)

// Valid reports whether the capability is a known value.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityMailRead, CapabilityMailSend, CapabilityCalendarRead,
		CapabilityCalendarWrite, CapabilityContactsRead, CapabilityLibraryRead,
		CapabilityPlayback:
		return true
	}
	return false
}

// ServiceStatusValue is the state of one capability on one identity.
type ServiceStatusValue string

const (
	ServiceEnabled  ServiceStatusValue = "enabled"
	ServiceDisabled ServiceStatusValue = "disabled"
	ServiceError    ServiceStatusValue = "error"
)

// Valid reports whether the status is a known value.
func (v ServiceStatusValue) Valid() bool {
	switch v {
	case ServiceEnabled, ServiceDisabled, ServiceError:
		return true
	}
	return false
}

// ServiceStatus records the state of one capability.
type ServiceStatus struct {
	Status        ServiceStatusValue `json:"status"`
	LastChangedAt int64              `json:"last_changed_at"`
	LastError     string             `json:"last_error,omitempty"`
}

// ServiceState maps capability names to their status for one identity.
type ServiceState map[Capability]ServiceStatus

// Validate rejects unknown capability names and status values.
func (s ServiceState) Validate() error {
	for cap, status := range s {
		if !cap.Valid() {
			return fmt.Errorf("unknown capability %q", cap)
		}
		if !status.Status.Valid() {
			return fmt.Errorf("unknown status %q for capability %q", status.Status, cap)
		}
	}
	return nil
}

// Set updates one capability's status, stamping the change time.
func (s ServiceState) Set(cap Capability, status ServiceStatusValue, lastError string) {
	s[cap] = ServiceStatus{
		Status:        status,
		LastChangedAt: time.Now().Unix(),
		LastError:     lastError,
	}
}

// Enabled reports whether the given capability is currently enabled.
func (s ServiceState) Enabled(cap Capability) bool {
	status, ok := s[cap]
	return ok && status.Status == ServiceEnabled
}

// Clone returns a deep copy.
func (s ServiceState) Clone() ServiceState {
	if s == nil {
		return nil
	}
	out := make(ServiceState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MarshalState serializes the state for persistence after validation.
func (s ServiceState) MarshalState() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if len(s) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalState parses persisted state, rejecting unknown capabilities and
// statuses rather than carrying them forward.
func UnmarshalState(raw string) (ServiceState, error) {
	if raw == "" {
		return ServiceState{}, nil
	}
	var state ServiceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to parse service state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}
