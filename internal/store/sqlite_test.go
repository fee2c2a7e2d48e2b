package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	codec, err := crypto.NewCodec("test-root-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	s, err := NewSQLiteStore(dbPath, codec, opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(userID string) *models.TokenRecord {
	return &models.TokenRecord{
		UserID:          userID,
		Provider:        models.ProviderGoogle,
		ProviderIssuer:  "https://accounts.google.com",
		ProviderSubject: "sub-1",
		AccessToken:     "access-abc",
		RefreshToken:    "refresh-xyz",
		Scope:           "email profile",
		ExpiresAt:       time.Now().Add(time.Hour).Unix(),
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	if !s.Upsert(ctx, rec) {
		t.Fatal("upsert failed")
	}
	if rec.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "")
	if !ok {
		t.Fatal("expected record")
	}
	if got.AccessToken != "access-abc" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if got.RefreshToken != "refresh-xyz" {
		t.Errorf("refresh token = %q", got.RefreshToken)
	}
	if got.Scope != "email profile" {
		t.Errorf("scope = %q", got.Scope)
	}
	if !got.IsValid {
		t.Error("expected valid record")
	}
	if got.ScopeUnionSince == 0 {
		t.Error("expected scope union since to be stamped")
	}
}

func TestUpsertRejectsMissingIssuer(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("u1")
	rec.ProviderIssuer = ""
	if s.Upsert(context.Background(), rec) {
		t.Fatal("expected rejection")
	}
}

func TestUpsertRejectsMissingSubject(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("u1")
	rec.ProviderSubject = ""
	if s.Upsert(context.Background(), rec) {
		t.Fatal("expected rejection for subject-required provider")
	}

	// Providers without the subject rule accept an empty subject.
	rec2 := testRecord("u1")
	rec2.Provider = models.ProviderSpotify
	rec2.ProviderSubject = ""
	if !s.Upsert(context.Background(), rec2) {
		t.Fatal("expected acceptance for subject-optional provider")
	}
}

func TestUpsertReplacesGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testRecord("u1")
	if !s.Upsert(ctx, first) {
		t.Fatal("first upsert failed")
	}
	second := testRecord("u1")
	second.AccessToken = "access-new"
	second.Scope = "email"
	if !s.Upsert(ctx, second) {
		t.Fatal("second upsert failed")
	}

	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "sub-1")
	if !ok {
		t.Fatal("expected record")
	}
	if got.ID != second.ID {
		t.Errorf("expected newest generation, got %s", got.ID)
	}
	if got.AccessToken != "access-new" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	// Scope union keeps scopes from the replaced generation.
	if got.Scope != "email profile" {
		t.Errorf("scope = %q, want union", got.Scope)
	}

	// The prior row is invalidated with a lineage pointer, not deleted.
	var isValid int
	var replacedBy string
	err := s.db.QueryRow("SELECT is_valid, replaced_by_id FROM token_records WHERE id = ?", first.ID).
		Scan(&isValid, &replacedBy)
	if err != nil {
		t.Fatalf("query prior row: %v", err)
	}
	if isValid != 0 {
		t.Error("prior generation still valid")
	}
	if replacedBy != second.ID {
		t.Errorf("replaced_by_id = %q, want %q", replacedBy, second.ID)
	}
}

func TestUpsertScopeUnionTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testRecord("u1")
	first.Scope = "email"
	s.Upsert(ctx, first)
	since := first.ScopeUnionSince

	// No new scope: scopeLastAddedFrom carries forward.
	second := testRecord("u1")
	second.Scope = "email"
	s.Upsert(ctx, second)
	if second.ScopeLastAddedFrom != first.ID {
		t.Errorf("added-from = %q, want %q", second.ScopeLastAddedFrom, first.ID)
	}
	if second.ScopeUnionSince != since {
		t.Errorf("union-since changed: %d != %d", second.ScopeUnionSince, since)
	}

	// New scope: scopeLastAddedFrom points at the generation that added it.
	third := testRecord("u1")
	third.Scope = "email calendar"
	s.Upsert(ctx, third)
	if third.ScopeLastAddedFrom != third.ID {
		t.Errorf("added-from = %q, want %q", third.ScopeLastAddedFrom, third.ID)
	}
	if third.Scope != "calendar email" {
		t.Errorf("scope = %q", third.Scope)
	}
}

func TestUpsertCarriesServiceState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testRecord("u1")
	s.Upsert(ctx, first)
	ok, err := s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceEnabled, StatusUpdate{})
	if err != nil || !ok {
		t.Fatalf("enable capability: ok=%v err=%v", ok, err)
	}

	second := testRecord("u1")
	s.Upsert(ctx, second)

	got, _ := s.Get(ctx, "u1", models.ProviderGoogle, "sub-1")
	if !got.ServiceState.Enabled(models.CapabilityMailRead) {
		t.Error("service state lost across generation replacement")
	}
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)

	var plain string
	var enc []byte
	err := s.db.QueryRow("SELECT access_token, access_token_enc FROM token_records WHERE id = ?", rec.ID).
		Scan(&plain, &enc)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if plain != "" {
		t.Error("plaintext column populated in encrypting mode")
	}
	if len(enc) == 0 {
		t.Fatal("encrypted column empty")
	}
	if strings.Contains(string(enc), "access-abc") {
		t.Error("ciphertext contains the secret")
	}
}

func TestUnencryptedMode(t *testing.T) {
	s := newTestStore(t, WithCryptoMode(config.CryptoModeUnencrypted))
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)

	var plain string
	var enc []byte
	if err := s.db.QueryRow("SELECT access_token, access_token_enc FROM token_records WHERE id = ?", rec.ID).Scan(&plain, &enc); err != nil {
		t.Fatalf("query: %v", err)
	}
	if plain != "access-abc" {
		t.Errorf("plaintext column = %q", plain)
	}
	if len(enc) != 0 {
		t.Error("encrypted column populated in unencrypted mode")
	}

	got, _ := s.Get(ctx, "u1", models.ProviderGoogle, "")
	if got.AccessToken != "access-abc" {
		t.Errorf("read back = %q", got.AccessToken)
	}
}

func TestLegacyPlaintextFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A row written before the encryption migration has only the plaintext
	// columns. Reads must still serve it.
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO token_records (id, user_id, provider, provider_issuer, provider_subject,
			access_token, refresh_token, scope, created_at, updated_at, is_valid)
		VALUES ('legacy-1', 'u1', 'google', 'https://accounts.google.com', 'sub-1',
			'legacy-access', 'legacy-refresh', 'email', ?, ?, 1)
	`, now, now)
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "")
	if !ok {
		t.Fatal("expected legacy record")
	}
	if got.AccessToken != "legacy-access" || got.RefreshToken != "legacy-refresh" {
		t.Errorf("legacy secrets = %q / %q", got.AccessToken, got.RefreshToken)
	}
}

func TestDecryptFailureFallsBackDuringMigration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO token_records (id, user_id, provider, provider_issuer, provider_subject,
			access_token, access_token_enc, scope, created_at, updated_at, is_valid)
		VALUES ('mixed-1', 'u1', 'google', 'https://accounts.google.com', 'sub-1',
			'plain-access', X'DEADBEEF', '', ?, ?, 1)
	`, now, now)
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}

	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "")
	if !ok {
		t.Fatal("expected record")
	}
	if got.AccessToken != "plain-access" {
		t.Errorf("expected plaintext fallback, got %q", got.AccessToken)
	}
}

func TestDecryptFailureEncryptedOnly(t *testing.T) {
	s := newTestStore(t, WithCryptoMode(config.CryptoModeEncryptedOnly))
	ctx := context.Background()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO token_records (id, user_id, provider, provider_issuer, provider_subject,
			access_token, access_token_enc, scope, created_at, updated_at, is_valid)
		VALUES ('mixed-2', 'u1', 'google', 'https://accounts.google.com', 'sub-1',
			'plain-access', X'DEADBEEF', '', ?, ?, 1)
	`, now, now)
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}

	// Without a usable ciphertext the row is treated as absent, never served
	// with partial secrets.
	if _, ok := s.Get(ctx, "u1", models.ProviderGoogle, ""); ok {
		t.Fatal("expected unreadable row to be absent")
	}
}

func TestPlaintextRowRefusedEncryptedOnly(t *testing.T) {
	s := newTestStore(t, WithCryptoMode(config.CryptoModeEncryptedOnly))
	ctx := context.Background()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO token_records (id, user_id, provider, provider_issuer, provider_subject,
			access_token, refresh_token, scope, created_at, updated_at, is_valid)
		VALUES ('legacy-2', 'u1', 'google', 'https://accounts.google.com', 'sub-1',
			'legacy-access', 'legacy-refresh', 'email', ?, ?, 1)
	`, now, now)
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	if _, ok := s.Get(ctx, "u1", models.ProviderGoogle, ""); ok {
		t.Fatal("expected plaintext-only row to be absent in encrypted-only mode")
	}
	if records := s.GetAll(ctx, "u1"); len(records) != 0 {
		t.Fatalf("get all returned %d records, want 0", len(records))
	}
}

func TestGetNarrowsBySubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testRecord("u1")
	s.Upsert(ctx, a)
	b := testRecord("u1")
	b.ProviderSubject = "sub-2"
	b.AccessToken = "access-second"
	s.Upsert(ctx, b)

	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "sub-2")
	if !ok {
		t.Fatal("expected record")
	}
	if got.AccessToken != "access-second" {
		t.Errorf("access token = %q", got.AccessToken)
	}
}

func TestGetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := testRecord("u1")
	s.Upsert(ctx, g)
	sp := testRecord("u1")
	sp.Provider = models.ProviderSpotify
	sp.ProviderIssuer = "https://accounts.spotify.com"
	s.Upsert(ctx, sp)
	other := testRecord("u2")
	s.Upsert(ctx, other)

	records := s.GetAll(ctx, "u1")
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, r := range records {
		if r.UserID != "u1" {
			t.Errorf("leaked record for %s", r.UserID)
		}
	}
}

func TestMarkInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)

	if !s.MarkInvalid(ctx, "u1", models.ProviderGoogle) {
		t.Fatal("mark invalid reported no change")
	}
	if _, ok := s.Get(ctx, "u1", models.ProviderGoogle, ""); ok {
		t.Fatal("record still served after disconnect")
	}
	// Idempotent: second call finds nothing to change.
	if s.MarkInvalid(ctx, "u1", models.ProviderGoogle) {
		t.Fatal("expected no-op on second disconnect")
	}

	// Disconnect writes no lineage pointer.
	var replacedBy string
	if err := s.db.QueryRow("SELECT replaced_by_id FROM token_records WHERE id = ?", rec.ID).Scan(&replacedBy); err != nil {
		t.Fatalf("query: %v", err)
	}
	if replacedBy != "" {
		t.Errorf("replaced_by_id = %q, want empty", replacedBy)
	}
}

func TestUpdateServiceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)

	ok, err := s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceEnabled, StatusUpdate{})
	if err != nil || !ok {
		t.Fatalf("enable: ok=%v err=%v", ok, err)
	}

	got, _ := s.Get(ctx, "u1", models.ProviderGoogle, "")
	status, present := got.ServiceState[models.CapabilityMailRead]
	if !present || status.Status != models.ServiceEnabled {
		t.Fatalf("state = %+v", got.ServiceState)
	}
	if status.LastChangedAt == 0 {
		t.Error("expected change timestamp")
	}

	ok, err = s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceError, StatusUpdate{LastErrorCode: "quota_exceeded"})
	if err != nil || !ok {
		t.Fatalf("error transition: ok=%v err=%v", ok, err)
	}
	got, _ = s.Get(ctx, "u1", models.ProviderGoogle, "")
	if got.ServiceState[models.CapabilityMailRead].LastError != "quota_exceeded" {
		t.Errorf("last error = %q", got.ServiceState[models.CapabilityMailRead].LastError)
	}
}

func TestUpdateServiceStatusUnknownCapability(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("u1")
	s.Upsert(context.Background(), rec)

	ok, err := s.UpdateServiceStatus(context.Background(), "u1", models.ProviderGoogle, models.Capability("bogus"), models.ServiceEnabled, StatusUpdate{})
	if ok || err != nil {
		t.Fatalf("expected silent rejection, got ok=%v err=%v", ok, err)
	}
}

func TestUpdateServiceStatusNoRecord(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.UpdateServiceStatus(context.Background(), "nobody", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceEnabled, StatusUpdate{})
	if ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestAccountMismatchGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testRecord("u1")
	s.Upsert(ctx, a)
	b := testRecord("u1")
	b.ProviderSubject = "sub-2"
	s.Upsert(ctx, b)

	ok, err := s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceEnabled, StatusUpdate{ProviderSubject: "sub-1"})
	if err != nil || !ok {
		t.Fatalf("first enable: ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceEnabled, StatusUpdate{ProviderSubject: "sub-2"})
	if ok {
		t.Fatal("enable on second subject should fail")
	}
	mismatch, isMismatch := err.(*errors.ErrAccountMismatch)
	if !isMismatch {
		t.Fatalf("expected ErrAccountMismatch, got %v", err)
	}
	if mismatch.EnabledSubject != "sub-1" {
		t.Errorf("enabled subject = %q", mismatch.EnabledSubject)
	}

	// Other capabilities and disable transitions are unaffected.
	ok, err = s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityCalendarRead, models.ServiceEnabled, StatusUpdate{ProviderSubject: "sub-2"})
	if err != nil || !ok {
		t.Fatalf("other capability: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateServiceStatus(ctx, "u1", models.ProviderGoogle, models.CapabilityMailRead, models.ServiceDisabled, StatusUpdate{ProviderSubject: "sub-2"})
	if err != nil || !ok {
		t.Fatalf("disable: ok=%v err=%v", ok, err)
	}
}

func TestGetCanonicalRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)

	got, ok := s.GetCanonicalRow(ctx, rec.Identity())
	if !ok {
		t.Fatal("expected canonical row")
	}
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}

	_, ok = s.GetCanonicalRow(ctx, models.IdentityTuple{
		UserID: "u1", Provider: models.ProviderGoogle,
		ProviderIssuer: "https://accounts.google.com", ProviderSubject: "other",
	})
	if ok {
		t.Fatal("expected miss for unknown tuple")
	}
}

func TestDeleteInvalidBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1")
	s.Upsert(ctx, rec)
	replacement := testRecord("u1")
	s.Upsert(ctx, replacement)

	// Old invalid row ages out; the valid row survives any cutoff.
	if _, err := s.db.Exec("UPDATE token_records SET updated_at = 100 WHERE is_valid = 0"); err != nil {
		t.Fatalf("age rows: %v", err)
	}

	deleted, err := s.DeleteInvalidBefore(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
	if _, ok := s.Get(ctx, "u1", models.ProviderGoogle, ""); !ok {
		t.Fatal("valid row deleted by sweep")
	}

	deleted, err = s.DeleteInvalidBefore(ctx, time.Now(), 10)
	if err != nil || deleted != 0 {
		t.Fatalf("second sweep: deleted=%d err=%v", deleted, err)
	}
}

func TestStatsAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, testRecord("u1"))
	s.Upsert(ctx, testRecord("u1")) // replaces, leaving one invalid
	s.Upsert(ctx, testRecord("u2"))

	stats := s.Stats()
	if stats.ValidCount != 2 {
		t.Errorf("valid = %d", stats.ValidCount)
	}
	if stats.InvalidCount != 1 {
		t.Errorf("invalid = %d", stats.InvalidCount)
	}
	if stats.UserCount != 2 {
		t.Errorf("users = %d", stats.UserCount)
	}

	s.Clear()
	stats = s.Stats()
	if stats.ValidCount != 0 || stats.InvalidCount != 0 {
		t.Errorf("clear left %+v", stats)
	}
}

func TestConcurrentUpsertsSingleValidRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord("u1")
			rec.Scope = fmt.Sprintf("scope-%d", i)
			if !s.Upsert(ctx, rec) {
				t.Errorf("writer %d failed", i)
			}
		}(i)
	}
	wg.Wait()

	var valid int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM token_records WHERE is_valid = 1").Scan(&valid); err != nil {
		t.Fatalf("count: %v", err)
	}
	if valid != 1 {
		t.Fatalf("valid rows = %d, want exactly 1", valid)
	}

	// Serialized writers each fold in the prior union, so every scope lands
	// in the surviving generation.
	got, ok := s.Get(ctx, "u1", models.ProviderGoogle, "")
	if !ok {
		t.Fatal("expected record")
	}
	scopes := models.SplitScopes(got.Scope)
	for i := 0; i < writers; i++ {
		if _, present := scopes[fmt.Sprintf("scope-%d", i)]; !present {
			t.Errorf("scope-%d missing from union %q", i, got.Scope)
		}
	}
}

func TestConcurrentRescopesOfExistingRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := testRecord("u1")
	seed.Provider = models.ProviderSpotify
	seed.ProviderIssuer = "iss-x"
	seed.ProviderSubject = "sub-a"
	seed.Scope = "gmail"
	if !s.Upsert(ctx, seed) {
		t.Fatal("seed upsert failed")
	}

	var wg sync.WaitGroup
	for _, scope := range []string{"calendar", "drive", "gmail"} {
		wg.Add(1)
		go func(scope string) {
			defer wg.Done()
			rec := testRecord("u1")
			rec.Provider = models.ProviderSpotify
			rec.ProviderIssuer = "iss-x"
			rec.ProviderSubject = "sub-a"
			rec.Scope = scope
			if !s.Upsert(ctx, rec) {
				t.Errorf("rescope %q failed", scope)
			}
		}(scope)
	}
	wg.Wait()

	got, ok := s.Get(ctx, "u1", models.ProviderSpotify, "sub-a")
	if !ok {
		t.Fatal("expected record")
	}
	if got.Scope != "calendar drive gmail" {
		t.Errorf("scope = %q, want full union", got.Scope)
	}
	var valid int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM token_records WHERE is_valid = 1").Scan(&valid); err != nil {
		t.Fatalf("count: %v", err)
	}
	if valid != 1 {
		t.Fatalf("valid rows = %d, want exactly 1", valid)
	}
}

func TestUpsertRejectedRecordedAsMetric(t *testing.T) {
	m := &countingMetrics{}
	s := newTestStore(t, WithMetrics(m))

	rec := testRecord("u1")
	rec.ProviderIssuer = ""
	s.Upsert(context.Background(), rec)
	if m.upserts["rejected"] != 1 {
		t.Errorf("rejected count = %d", m.upserts["rejected"])
	}

	s.Upsert(context.Background(), testRecord("u1"))
	if m.upserts["success"] != 1 {
		t.Errorf("success count = %d", m.upserts["success"])
	}
}

type countingMetrics struct {
	mu        sync.Mutex
	upserts   map[string]int
	retries   int
	fallbacks int
}

func (c *countingMetrics) RecordUpsert(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upserts == nil {
		c.upserts = make(map[string]int)
	}
	c.upserts[outcome]++
}

func (c *countingMetrics) RecordContentionRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

func (c *countingMetrics) RecordDecryptFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks++
}

func TestMigrationsIdempotent(t *testing.T) {
	codec, _ := crypto.NewCodec("test-root-secret")
	dbPath := filepath.Join(t.TempDir(), "tokens.db")

	s1, err := NewSQLiteStore(dbPath, codec)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Upsert(context.Background(), testRecord("u1"))
	s1.Close()

	s2, err := NewSQLiteStore(dbPath, codec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.Get(context.Background(), "u1", models.ProviderGoogle, ""); !ok {
		t.Fatal("record lost across reopen")
	}

	var version int
	if err := s2.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d", version)
	}
}

func TestIsContention(t *testing.T) {
	if !isContention(fmt.Errorf("SQLITE_BUSY: database is locked")) {
		t.Error("busy not classified")
	}
	if isContention(sql.ErrNoRows) {
		t.Error("no-rows misclassified")
	}
	if isContention(nil) {
		t.Error("nil misclassified")
	}
}
