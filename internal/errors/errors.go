package errors

import (
	"fmt"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Codec errors

// ErrNoRootSecret is returned when the secret codec is used without a
// configured root secret.
type ErrNoRootSecret struct{}

func (e *ErrNoRootSecret) Error() string {
	return "secret codec: no root secret configured"
}

type ErrEncryptFailed struct {
	Err error
}

func (e *ErrEncryptFailed) Error() string {
	return fmt.Sprintf("secret codec: encrypt failed: %v", e.Err)
}

func (e *ErrEncryptFailed) Unwrap() error {
	return e.Err
}

type ErrDecryptFailed struct {
	Err error
}

func (e *ErrDecryptFailed) Error() string {
	return fmt.Sprintf("secret codec: decrypt failed: %v", e.Err)
}

func (e *ErrDecryptFailed) Unwrap() error {
	return e.Err
}

// Record errors

// ErrRecordValidation signals a token record that violates the identity
// contract before any write is attempted.
type ErrRecordValidation struct {
	Field  string
	Reason string
}

func (e *ErrRecordValidation) Error() string {
	return fmt.Sprintf("token record validation failed for %s: %s", e.Field, e.Reason)
}

// ErrAccountMismatch signals that a capability is already enabled on a
// different upstream account of the same provider for the same user. It is a
// security-relevant condition, distinct from plain validation failures.
type ErrAccountMismatch struct {
	UserID         string
	Provider       string
	Capability     string
	EnabledSubject string
}

func (e *ErrAccountMismatch) Error() string {
	return fmt.Sprintf("account mismatch: capability %q for user %s provider %s is already enabled on subject %s",
		e.Capability, e.UserID, e.Provider, e.EnabledSubject)
}

// Provider errors

// ErrAuth is a terminal refresh/exchange failure: the grant or refresh token
// itself was rejected by the provider. Never retried.
type ErrAuth struct {
	Provider string
	Code     string
	Err      error
}

func (e *ErrAuth) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s rejected credentials: %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("provider %s rejected credentials: %v", e.Provider, e.Err)
}

func (e *ErrAuth) Unwrap() error {
	return e.Err
}

// ErrRateLimited is a retryable provider failure carrying the advertised
// retry-after interval, if any.
type ErrRateLimited struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// ErrTransient is a retryable provider failure (timeout, 5xx, connection
// reset).
type ErrTransient struct {
	Provider string
	Err      error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Err)
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}
