package errors

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"
)

func TestErrConfigNotFound(t *testing.T) {
	err := &ErrConfigNotFound{Path: "/etc/tokenvault/config.yaml"}
	if !strings.Contains(err.Error(), "/etc/tokenvault/config.yaml") {
		t.Errorf("Expected path in error message, got: %s", err.Error())
	}
}

func TestErrDatabaseQueryUnwrap(t *testing.T) {
	inner := stderrors.New("disk I/O error")
	err := &ErrDatabaseQuery{Operation: "upsert token", Err: inner}

	if !strings.Contains(err.Error(), "upsert token") {
		t.Errorf("Expected operation in error message, got: %s", err.Error())
	}
	if !stderrors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
}

func TestErrNoRootSecret(t *testing.T) {
	err := &ErrNoRootSecret{}
	if !strings.Contains(err.Error(), "root secret") {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

func TestErrAccountMismatch(t *testing.T) {
	err := &ErrAccountMismatch{
		UserID:         "u1",
		Provider:       "google",
		Capability:     "mail_read",
		EnabledSubject: "sub-a",
	}

	msg := err.Error()
	for _, want := range []string{"u1", "google", "mail_read", "sub-a"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in error message, got: %s", want, msg)
		}
	}

	var target *ErrAccountMismatch
	if !stderrors.As(error(err), &target) {
		t.Error("Expected errors.As to match *ErrAccountMismatch")
	}
}

func TestErrRecordValidation(t *testing.T) {
	err := &ErrRecordValidation{Field: "provider_issuer", Reason: "must not be empty"}
	if !strings.Contains(err.Error(), "provider_issuer") {
		t.Errorf("Expected field in error message, got: %s", err.Error())
	}
}

func TestProviderErrorClasses(t *testing.T) {
	auth := &ErrAuth{Provider: "spotify", Code: "invalid_grant"}
	if !strings.Contains(auth.Error(), "invalid_grant") {
		t.Errorf("Expected code in message, got: %s", auth.Error())
	}

	rl := &ErrRateLimited{Provider: "google", RetryAfter: 30 * time.Second}
	if !strings.Contains(rl.Error(), "30s") {
		t.Errorf("Expected retry-after in message, got: %s", rl.Error())
	}

	inner := stderrors.New("connection reset")
	tr := &ErrTransient{Provider: "microsoft", Err: inner}
	if !stderrors.Is(tr, inner) {
		t.Error("Expected errors.Is to find the wrapped transient cause")
	}
}

func TestErrDecryptFailedUnwrap(t *testing.T) {
	inner := stderrors.New("cipher: message authentication failed")
	err := &ErrDecryptFailed{Err: inner}
	if !stderrors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
}
