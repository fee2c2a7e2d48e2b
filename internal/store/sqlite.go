package store

import (
	"context"
	"database/sql"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
	_ "modernc.org/sqlite"
)

// MetricsRecorder receives store-level operational metrics. All methods must
// be safe for concurrent use. A nil recorder disables recording.
type MetricsRecorder interface {
	RecordUpsert(outcome string)
	RecordContentionRetry()
	RecordDecryptFallback()
}

// SQLiteStore is the durable token record store, backed by SQLite with WAL
// mode. Writers for the same identity tuple are serialized by an exclusive
// (BEGIN IMMEDIATE) transaction; contention is retried with jittered
// exponential backoff.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
	codec  *crypto.Codec
	mode   config.CryptoMode

	retries int
	backoff time.Duration

	subjectRequired func(models.Provider) bool
	metrics         MetricsRecorder
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithCryptoMode sets the secret storage migration state.
func WithCryptoMode(mode config.CryptoMode) Option {
	return func(s *SQLiteStore) { s.mode = mode }
}

// WithContentionPolicy sets the write-contention retry ceiling and base
// backoff.
func WithContentionPolicy(retries int, backoff time.Duration) Option {
	return func(s *SQLiteStore) {
		if retries > 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithSubjectRule overrides the per-provider subject-required rule, normally
// sourced from configuration.
func WithSubjectRule(fn func(models.Provider) bool) Option {
	return func(s *SQLiteStore) {
		if fn != nil {
			s.subjectRequired = fn
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// NewSQLiteStore opens (creating if needed) the token database at dbPath.
// The codec is required; whether it is actually used depends on the crypto
// mode.
func NewSQLiteStore(dbPath string, codec *crypto.Codec, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		db:              db,
		logger:          logging.NewLogger(),
		codec:           codec,
		mode:            config.CryptoModeEncrypting,
		retries:         4,
		backoff:         25 * time.Millisecond,
		subjectRequired: func(p models.Provider) bool { return p.SubjectRequired() },
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS token_records (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					provider_issuer TEXT NOT NULL,
					provider_subject TEXT NOT NULL DEFAULT '',
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					scope TEXT NOT NULL DEFAULT '',
					scope_union_since INTEGER NOT NULL DEFAULT 0,
					scope_last_added_from TEXT NOT NULL DEFAULT '',
					expires_at INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					is_valid INTEGER NOT NULL DEFAULT 0,
					replaced_by_id TEXT NOT NULL DEFAULT '',
					service_state TEXT NOT NULL DEFAULT '{}'
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_token_records_valid_identity
					ON token_records(user_id, provider, provider_issuer, provider_subject)
					WHERE is_valid = 1;
				CREATE INDEX IF NOT EXISTS idx_token_records_user ON token_records(user_id);
				CREATE INDEX IF NOT EXISTS idx_token_records_user_provider ON token_records(user_id, provider);
				CREATE INDEX IF NOT EXISTS idx_token_records_invalid_age ON token_records(is_valid, updated_at);
			`,
		},
		{
			// Encrypted secret columns. The plaintext columns from v1 stay
			// as the legacy fallback during the encryption migration window.
			version: 2,
			up: `
				ALTER TABLE token_records ADD COLUMN access_token_enc BLOB;
				ALTER TABLE token_records ADD COLUMN refresh_token_enc BLOB;
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

const recordColumns = `id, user_id, provider, provider_issuer, provider_subject,
	access_token, refresh_token, access_token_enc, refresh_token_enc,
	scope, scope_union_since, scope_last_added_from,
	expires_at, created_at, updated_at, is_valid, replaced_by_id, service_state`

// Upsert inserts a new generation for the record's identity tuple. See the
// Store interface for the contract.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *models.TokenRecord) bool {
	if !s.validateIdentity(rec) {
		if s.metrics != nil {
			s.metrics.RecordUpsert("rejected")
		}
		return false
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Scope = models.NormalizeScope(rec.Scope)

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.RecordContentionRetry()
			}
			select {
			case <-time.After(jitteredBackoff(s.backoff, attempt)):
			case <-ctx.Done():
				s.logger.Warn("upsert cancelled during contention backoff",
					"user_id", rec.UserID, "provider", string(rec.Provider))
				if s.metrics != nil {
					s.metrics.RecordUpsert("failure")
				}
				return false
			}
		}

		ok, retryable := s.tryUpsert(ctx, rec)
		if ok {
			if s.metrics != nil {
				s.metrics.RecordUpsert("success")
			}
			return true
		}
		if !retryable {
			break
		}
	}

	if s.metrics != nil {
		s.metrics.RecordUpsert("failure")
	}
	return false
}

func (s *SQLiteStore) validateIdentity(rec *models.TokenRecord) bool {
	if rec == nil {
		return false
	}
	if rec.UserID == "" || rec.Provider == "" {
		s.logger.Warn("upsert rejected: missing user or provider")
		return false
	}
	if rec.ProviderIssuer == "" {
		s.logger.Warn("upsert rejected: empty provider issuer",
			"user_id", rec.UserID, "provider", string(rec.Provider))
		return false
	}
	if s.subjectRequired(rec.Provider) && rec.ProviderSubject == "" {
		s.logger.Warn("upsert rejected: provider requires subject",
			"user_id", rec.UserID, "provider", string(rec.Provider))
		return false
	}
	if err := rec.ServiceState.Validate(); err != nil {
		s.logger.Warn("upsert rejected: invalid service state",
			"user_id", rec.UserID, "provider", string(rec.Provider), "error", err.Error())
		return false
	}
	return true
}

// tryUpsert performs one transactional attempt. The second return value
// reports whether the failure was write contention worth retrying.
func (s *SQLiteStore) tryUpsert(ctx context.Context, rec *models.TokenRecord) (bool, bool) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.logger.Error("upsert failed to acquire connection", "error", err.Error())
		return false, isContention(err)
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front so the read-prior /
	// write-new sequence cannot lose updates to a concurrent writer.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, isContention(err)
	}

	// The transaction must settle even when the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(settleCtx, "ROLLBACK")
		}
	}()

	now := time.Now().Unix()

	var (
		priorID         string
		priorScope      string
		priorUnionSince int64
		priorAddedFrom  string
		priorState      string
		hasPrior        bool
	)
	row := conn.QueryRowContext(ctx, `
		SELECT id, scope, scope_union_since, scope_last_added_from, service_state
		FROM token_records
		WHERE user_id = ? AND provider = ? AND provider_issuer = ? AND provider_subject = ? AND is_valid = 1
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, rec.UserID, string(rec.Provider), rec.ProviderIssuer, rec.ProviderSubject)
	switch err := row.Scan(&priorID, &priorScope, &priorUnionSince, &priorAddedFrom, &priorState); err {
	case nil:
		hasPrior = true
	case sql.ErrNoRows:
	default:
		s.logger.Error("upsert failed to read prior generation", "error", err.Error())
		return false, isContention(err)
	}

	scope := rec.Scope
	unionSince := rec.ScopeUnionSince
	addedFrom := rec.ScopeLastAddedFrom
	state := rec.ServiceState

	if hasPrior {
		union, added := models.UnionScopes(priorScope, rec.Scope)
		scope = union
		unionSince = priorUnionSince
		if added {
			addedFrom = rec.ID
		} else {
			addedFrom = priorAddedFrom
		}
		// Capability state survives generation replacement unless the
		// candidate brings its own.
		if len(state) == 0 {
			if priorParsed, err := models.UnmarshalState(priorState); err == nil {
				state = priorParsed
			}
		}
	} else {
		if unionSince == 0 {
			unionSince = now
		}
		if addedFrom == "" && scope != "" {
			addedFrom = rec.ID
		}
	}

	stateJSON, err := state.MarshalState()
	if err != nil {
		s.logger.Error("upsert failed to serialize service state", "error", err.Error())
		return false, false
	}

	accessPlain, accessEnc, err := s.sealSecret(rec.AccessToken)
	if err != nil {
		s.logger.Error("upsert failed to encrypt access token",
			"user_id", rec.UserID, "provider", string(rec.Provider), "error", err.Error())
		return false, false
	}
	refreshPlain, refreshEnc, err := s.sealSecret(rec.RefreshToken)
	if err != nil {
		s.logger.Error("upsert failed to encrypt refresh token",
			"user_id", rec.UserID, "provider", string(rec.Provider), "error", err.Error())
		return false, false
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}

	// The prior generation must lose is_valid before the new one gains it,
	// or the partial unique index on the identity tuple rejects the insert.
	if hasPrior {
		_, err = conn.ExecContext(ctx, `
			UPDATE token_records SET is_valid = 0, replaced_by_id = ?, updated_at = ? WHERE id = ?
		`, rec.ID, now, priorID)
		if err != nil {
			s.logger.Error("upsert failed to invalidate prior generation", "error", err.Error())
			return false, isContention(err)
		}
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO token_records (
			id, user_id, provider, provider_issuer, provider_subject,
			access_token, refresh_token, access_token_enc, refresh_token_enc,
			scope, scope_union_since, scope_last_added_from,
			expires_at, created_at, updated_at, is_valid, replaced_by_id, service_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '', ?)
	`, rec.ID, rec.UserID, string(rec.Provider), rec.ProviderIssuer, rec.ProviderSubject,
		accessPlain, refreshPlain, accessEnc, refreshEnc,
		scope, unionSince, addedFrom,
		rec.ExpiresAt, rec.CreatedAt, now, stateJSON)
	if err != nil {
		s.logger.Error("upsert failed to insert generation", "error", err.Error())
		return false, isContention(err)
	}

	if _, err := conn.ExecContext(settleCtx, "COMMIT"); err != nil {
		s.logger.Error("upsert failed to commit", "error", err.Error())
		return false, isContention(err)
	}
	committed = true

	rec.Scope = scope
	rec.ScopeUnionSince = unionSince
	rec.ScopeLastAddedFrom = addedFrom
	rec.ServiceState = state
	rec.UpdatedAt = now
	rec.IsValid = true
	return true, false
}

// sealSecret prepares a secret for storage according to the crypto mode.
func (s *SQLiteStore) sealSecret(plaintext string) (string, []byte, error) {
	if plaintext == "" {
		return "", nil, nil
	}
	if s.mode == config.CryptoModeUnencrypted {
		return plaintext, nil, nil
	}
	enc, err := s.codec.Encrypt(plaintext)
	if err != nil {
		return "", nil, err
	}
	return "", enc, nil
}

// errSecretUnavailable marks a row whose stored secret cannot be recovered
// under the current crypto mode. Readers treat such rows as absent.
var errSecretUnavailable = &errors.ErrDecryptFailed{}

// openSecret recovers a secret from its stored representation. During the
// encryption migration window a decrypt failure falls back to the legacy
// plaintext column; the failure is logged and never propagated. In
// encrypted-only mode a secret that only exists in plaintext is refused.
func (s *SQLiteStore) openSecret(enc []byte, plain string, field string) (string, bool) {
	if len(enc) == 0 {
		if s.mode == config.CryptoModeEncryptedOnly && plain != "" {
			s.logger.Error("plaintext row refused in encrypted-only mode", "field", field)
			return "", false
		}
		return plain, true
	}
	dec, err := s.codec.Decrypt(enc)
	if err == nil {
		return dec, true
	}
	if s.mode == config.CryptoModeEncrypting && plain != "" {
		s.logger.Warn("decrypt failed, falling back to legacy plaintext column", "field", field)
		if s.metrics != nil {
			s.metrics.RecordDecryptFallback()
		}
		return plain, true
	}
	s.logger.Error("decrypt failed with no usable fallback", "field", field, "error", err.Error())
	return "", false
}

func (s *SQLiteStore) scanRecord(scanner interface{ Scan(...any) error }) (*models.TokenRecord, error) {
	var (
		rec          models.TokenRecord
		provider     string
		accessPlain  string
		refreshPlain string
		accessEnc    []byte
		refreshEnc   []byte
		isValid      int
		stateJSON    string
	)
	err := scanner.Scan(&rec.ID, &rec.UserID, &provider, &rec.ProviderIssuer, &rec.ProviderSubject,
		&accessPlain, &refreshPlain, &accessEnc, &refreshEnc,
		&rec.Scope, &rec.ScopeUnionSince, &rec.ScopeLastAddedFrom,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt, &isValid, &rec.ReplacedByID, &stateJSON)
	if err != nil {
		return nil, err
	}

	rec.Provider = models.Provider(provider)
	rec.IsValid = isValid == 1
	var ok bool
	if rec.AccessToken, ok = s.openSecret(accessEnc, accessPlain, "access_token"); !ok {
		return nil, errSecretUnavailable
	}
	if rec.RefreshToken, ok = s.openSecret(refreshEnc, refreshPlain, "refresh_token"); !ok {
		return nil, errSecretUnavailable
	}

	state, err := models.UnmarshalState(stateJSON)
	if err != nil {
		s.logger.Warn("failed to parse service state", "record_id", rec.ID, "error", err.Error())
		state = models.ServiceState{}
	}
	rec.ServiceState = state
	return &rec, nil
}

// Get returns the most recently created valid generation for the identity,
// narrowed by subject when non-empty, with secrets decrypted.
func (s *SQLiteStore) Get(ctx context.Context, userID string, provider models.Provider, subject string) (*models.TokenRecord, bool) {
	query := `SELECT ` + recordColumns + `
		FROM token_records
		WHERE user_id = ? AND provider = ? AND is_valid = 1`
	args := []any{userID, string(provider)}
	if subject != "" {
		query += ` AND provider_subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows || err == errSecretUnavailable {
		return nil, false
	}
	if err != nil {
		s.logger.Error("get failed", "user_id", userID, "provider", string(provider), "error", err.Error())
		return nil, false
	}
	return rec, true
}

// GetAll returns all valid generations across providers for a user.
func (s *SQLiteStore) GetAll(ctx context.Context, userID string) []*models.TokenRecord {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM token_records
		WHERE user_id = ? AND is_valid = 1
		ORDER BY provider, provider_subject, created_at DESC
	`, userID)
	if err != nil {
		s.logger.Error("get all failed", "user_id", userID, "error", err.Error())
		return []*models.TokenRecord{}
	}
	defer rows.Close()

	var records []*models.TokenRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err == errSecretUnavailable {
			continue
		}
		if err != nil {
			s.logger.Warn("get all failed to scan row", "error", err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records
}

// MarkInvalid invalidates all currently-valid generations for the
// (user, provider) pair. Disconnect, not supersession: no lineage link is
// written.
func (s *SQLiteStore) MarkInvalid(ctx context.Context, userID string, provider models.Provider) bool {
	result, err := s.db.ExecContext(ctx, `
		UPDATE token_records SET is_valid = 0, updated_at = ?
		WHERE user_id = ? AND provider = ? AND is_valid = 1
	`, time.Now().Unix(), userID, string(provider))
	if err != nil {
		s.logger.Error("mark invalid failed", "user_id", userID, "provider", string(provider), "error", err.Error())
		return false
	}
	rows, _ := result.RowsAffected()
	return rows > 0
}

// UpdateServiceStatus mutates the serviceState map of the current valid
// generation transactionally. Enabling a capability already enabled on a
// different subject of the same provider fails with *errors.ErrAccountMismatch.
func (s *SQLiteStore) UpdateServiceStatus(ctx context.Context, userID string, provider models.Provider, capability models.Capability, status models.ServiceStatusValue, upd StatusUpdate) (bool, error) {
	if !capability.Valid() {
		s.logger.Warn("service status rejected: unknown capability", "capability", string(capability))
		return false, nil
	}
	if !status.Valid() {
		s.logger.Warn("service status rejected: unknown status", "status", string(status))
		return false, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.logger.Error("service status failed to acquire connection", "error", err.Error())
		return false, nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		s.logger.Error("service status failed to begin transaction", "error", err.Error())
		return false, nil
	}
	settleCtx := context.WithoutCancel(ctx)
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(settleCtx, "ROLLBACK")
		}
	}()

	query := `SELECT id, provider_subject, service_state FROM token_records
		WHERE user_id = ? AND provider = ? AND is_valid = 1`
	args := []any{userID, string(provider)}
	if upd.ProviderSubject != "" {
		query += ` AND provider_subject = ?`
		args = append(args, upd.ProviderSubject)
	}
	if upd.ProviderIssuer != "" {
		query += ` AND provider_issuer = ?`
		args = append(args, upd.ProviderIssuer)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	var (
		recordID  string
		subject   string
		stateJSON string
	)
	err = conn.QueryRowContext(ctx, query, args...).Scan(&recordID, &subject, &stateJSON)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		s.logger.Error("service status failed to read record", "error", err.Error())
		return false, nil
	}

	// Account-mismatch guard: the same capability must not be enabled on two
	// different upstream accounts of one provider for one user.
	if status == models.ServiceEnabled {
		mismatchSubject, found, err := s.findEnabledElsewhere(ctx, conn, userID, provider, subject, capability)
		if err != nil {
			s.logger.Error("service status failed mismatch check", "error", err.Error())
			return false, nil
		}
		if found {
			return false, &errors.ErrAccountMismatch{
				UserID:         userID,
				Provider:       string(provider),
				Capability:     string(capability),
				EnabledSubject: mismatchSubject,
			}
		}
	}

	state, err := models.UnmarshalState(stateJSON)
	if err != nil {
		s.logger.Warn("service status found unparsable state, resetting", "record_id", recordID, "error", err.Error())
		state = models.ServiceState{}
	}
	state.Set(capability, status, upd.LastErrorCode)

	newJSON, err := state.MarshalState()
	if err != nil {
		s.logger.Error("service status failed to serialize state", "error", err.Error())
		return false, nil
	}

	if _, err := conn.ExecContext(ctx, `
		UPDATE token_records SET service_state = ?, updated_at = ? WHERE id = ?
	`, newJSON, time.Now().Unix(), recordID); err != nil {
		s.logger.Error("service status failed to write state", "error", err.Error())
		return false, nil
	}

	if _, err := conn.ExecContext(settleCtx, "COMMIT"); err != nil {
		s.logger.Error("service status failed to commit", "error", err.Error())
		return false, nil
	}
	committed = true
	return true, nil
}

// findEnabledElsewhere looks for another valid record of the same user and
// provider, on a different subject, that already has the capability enabled.
func (s *SQLiteStore) findEnabledElsewhere(ctx context.Context, conn *sql.Conn, userID string, provider models.Provider, subject string, capability models.Capability) (string, bool, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT provider_subject, service_state FROM token_records
		WHERE user_id = ? AND provider = ? AND is_valid = 1 AND provider_subject != ?
	`, userID, string(provider), subject)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	for rows.Next() {
		var otherSubject, stateJSON string
		if err := rows.Scan(&otherSubject, &stateJSON); err != nil {
			return "", false, err
		}
		state, err := models.UnmarshalState(stateJSON)
		if err != nil {
			continue
		}
		if state.Enabled(capability) {
			return otherSubject, true, nil
		}
	}
	return "", false, rows.Err()
}

// GetCanonicalRow returns the single valid row for a fully-specified
// identity tuple. Duplicate valid rows indicate a uniqueness bug and are
// logged.
func (s *SQLiteStore) GetCanonicalRow(ctx context.Context, tuple models.IdentityTuple) (*models.TokenRecord, bool) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM token_records
		WHERE user_id = ? AND provider = ? AND provider_issuer = ? AND provider_subject = ? AND is_valid = 1
		ORDER BY created_at DESC, rowid DESC
	`, tuple.UserID, string(tuple.Provider), tuple.ProviderIssuer, tuple.ProviderSubject)
	if err != nil {
		s.logger.Error("canonical row query failed", "error", err.Error())
		return nil, false
	}
	defer rows.Close()

	var records []*models.TokenRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err == errSecretUnavailable {
			continue
		}
		if err != nil {
			s.logger.Warn("canonical row failed to scan", "error", err.Error())
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, false
	}
	if len(records) > 1 {
		s.logger.Error("duplicate valid rows for identity tuple",
			"user_id", tuple.UserID, "provider", string(tuple.Provider),
			"subject", tuple.ProviderSubject, "count", len(records))
	}
	return records[0], true
}

// DeleteInvalidBefore physically deletes invalid generations older than the
// cutoff, in batches. Valid rows are never deleted here.
func (s *SQLiteStore) DeleteInvalidBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM token_records WHERE rowid IN (
				SELECT rowid FROM token_records
				WHERE is_valid = 0 AND updated_at < ?
				LIMIT ?
			)
		`, cutoff.Unix(), batchSize)
		if err != nil {
			return total, &errors.ErrDatabaseQuery{Operation: "delete invalid generations", Err: err}
		}
		deleted, _ := result.RowsAffected()
		total += deleted
		if deleted < int64(batchSize) {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// Vacuum reclaims free pages. Used by the retention sweep on its own
// schedule.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "vacuum", Err: err}
	}
	return nil
}

// Analyze refreshes query planner statistics.
func (s *SQLiteStore) Analyze(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "analyze", Err: err}
	}
	return nil
}

// Ping reports whether the underlying database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Clear removes all data from the store
func (s *SQLiteStore) Clear() {
	if _, err := s.db.Exec("DELETE FROM token_records"); err != nil {
		s.logger.Error("failed to clear token records", "error", err.Error())
	}
}

// Stats returns statistics about the store
func (s *SQLiteStore) Stats() StoreStats {
	var stats StoreStats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM token_records WHERE is_valid = 1").Scan(&stats.ValidCount); err != nil {
		s.logger.Error("failed to count valid records", "error", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM token_records WHERE is_valid = 0").Scan(&stats.InvalidCount); err != nil {
		s.logger.Error("failed to count invalid records", "error", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT user_id) FROM token_records").Scan(&stats.UserCount); err != nil {
		s.logger.Error("failed to count users", "error", err.Error())
	}
	return stats
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isContention reports whether the error is SQLite write contention worth
// retrying.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// jitteredBackoff grows the base exponentially with the attempt and applies
// +/-50% jitter so retrying writers do not reconverge.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	half := int64(d) / 2
	if half <= 0 {
		return d
	}
	return time.Duration(int64(d)/2 + rand.Int63n(int64(d)))
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
