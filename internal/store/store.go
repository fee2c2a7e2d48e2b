package store

import (
	"context"
	"time"

	"github.com/tokenvault/tokenvault/internal/models"
)

// StatusUpdate carries the optional parameters of UpdateServiceStatus.
type StatusUpdate struct {
	// ProviderSubject narrows the identity when the user holds several
	// accounts of the same provider.
	ProviderSubject string
	// ProviderIssuer narrows the identity further when given.
	ProviderIssuer string
	// LastErrorCode is recorded on the capability when status is error.
	LastErrorCode string
}

// StoreStats contains statistics about the store
type StoreStats struct {
	ValidCount   int
	InvalidCount int
	UserCount    int
}

// Store defines the interface for token record storage.
//
// All failure paths resolve to boolean results; no operation panics or leaks
// storage errors across the boundary. UpdateServiceStatus additionally
// returns a typed error for the account-mismatch condition only.
type Store interface {
	// Upsert inserts a new generation for the record's identity tuple,
	// unioning scopes with and invalidating the prior generation in one
	// transaction. Returns false when the identity contract is violated or
	// the write ultimately fails.
	Upsert(ctx context.Context, rec *models.TokenRecord) bool

	// Get returns the most recently created valid generation for
	// (userID, provider), narrowed by subject when non-empty, with secrets
	// decrypted.
	Get(ctx context.Context, userID string, provider models.Provider, subject string) (*models.TokenRecord, bool)

	// GetAll returns all valid generations across providers for a user.
	GetAll(ctx context.Context, userID string) []*models.TokenRecord

	// MarkInvalid invalidates all currently-valid generations for the
	// (user, provider) pair. Used for disconnect.
	MarkInvalid(ctx context.Context, userID string, provider models.Provider) bool

	// UpdateServiceStatus mutates the serviceState map of the current valid
	// generation. Enabling a capability already enabled on a different
	// subject of the same provider fails with *errors.ErrAccountMismatch.
	UpdateServiceStatus(ctx context.Context, userID string, provider models.Provider, capability models.Capability, status models.ServiceStatusValue, upd StatusUpdate) (bool, error)

	// GetCanonicalRow returns the single valid row for a fully-specified
	// identity tuple, logging when duplicate valid rows are detected.
	GetCanonicalRow(ctx context.Context, tuple models.IdentityTuple) (*models.TokenRecord, bool)

	// DeleteInvalidBefore physically deletes invalid generations whose
	// updated_at is older than the cutoff, in batches. Returns rows deleted.
	DeleteInvalidBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// Management
	Clear()
	Stats() StoreStats
	Close() error
}
