package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
)

// MemoryStore is an in-memory Store used by tests and by deployments that
// accept losing records on restart. Secrets are held as-is; no codec is
// involved.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.TokenRecord // keyed by record id, all generations

	subjectRequired func(models.Provider) bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:         make(map[string]*models.TokenRecord),
		subjectRequired: func(p models.Provider) bool { return p.SubjectRequired() },
	}
}

// SetSubjectRule overrides the per-provider subject-required rule.
func (m *MemoryStore) SetSubjectRule(fn func(models.Provider) bool) {
	if fn != nil {
		m.subjectRequired = fn
	}
}

func (m *MemoryStore) Upsert(_ context.Context, rec *models.TokenRecord) bool {
	if rec == nil || rec.UserID == "" || rec.Provider == "" || rec.ProviderIssuer == "" {
		return false
	}
	if m.subjectRequired(rec.Provider) && rec.ProviderSubject == "" {
		return false
	}
	if err := rec.ServiceState.Validate(); err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Scope = models.NormalizeScope(rec.Scope)
	now := time.Now().Unix()

	prior := m.findValidLocked(rec.Identity())
	if prior != nil {
		union, added := models.UnionScopes(prior.Scope, rec.Scope)
		rec.Scope = union
		rec.ScopeUnionSince = prior.ScopeUnionSince
		if added {
			rec.ScopeLastAddedFrom = rec.ID
		} else {
			rec.ScopeLastAddedFrom = prior.ScopeLastAddedFrom
		}
		if len(rec.ServiceState) == 0 {
			rec.ServiceState = prior.ServiceState.Clone()
		}
		prior.IsValid = false
		prior.ReplacedByID = rec.ID
		prior.UpdatedAt = now
	} else {
		if rec.ScopeUnionSince == 0 {
			rec.ScopeUnionSince = now
		}
		if rec.ScopeLastAddedFrom == "" && rec.Scope != "" {
			rec.ScopeLastAddedFrom = rec.ID
		}
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.IsValid = true

	stored := *rec
	stored.ServiceState = rec.ServiceState.Clone()
	m.records[stored.ID] = &stored
	return true
}

func (m *MemoryStore) findValidLocked(tuple models.IdentityTuple) *models.TokenRecord {
	var best *models.TokenRecord
	for _, r := range m.records {
		if !r.IsValid || r.Identity() != tuple {
			continue
		}
		if best == nil || r.CreatedAt > best.CreatedAt {
			best = r
		}
	}
	return best
}

func (m *MemoryStore) Get(_ context.Context, userID string, provider models.Provider, subject string) (*models.TokenRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.TokenRecord
	for _, r := range m.records {
		if !r.IsValid || r.UserID != userID || r.Provider != provider {
			continue
		}
		if subject != "" && r.ProviderSubject != subject {
			continue
		}
		if best == nil || r.CreatedAt > best.CreatedAt {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return copyRecord(best), true
}

func (m *MemoryStore) GetAll(_ context.Context, userID string) []*models.TokenRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.TokenRecord
	for _, r := range m.records {
		if r.IsValid && r.UserID == userID {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ProviderSubject < out[j].ProviderSubject
	})
	return out
}

func (m *MemoryStore) MarkInvalid(_ context.Context, userID string, provider models.Provider) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	changed := false
	for _, r := range m.records {
		if r.IsValid && r.UserID == userID && r.Provider == provider {
			r.IsValid = false
			r.UpdatedAt = now
			changed = true
		}
	}
	return changed
}

func (m *MemoryStore) UpdateServiceStatus(_ context.Context, userID string, provider models.Provider, capability models.Capability, status models.ServiceStatusValue, upd StatusUpdate) (bool, error) {
	if !capability.Valid() || !status.Valid() {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var target *models.TokenRecord
	for _, r := range m.records {
		if !r.IsValid || r.UserID != userID || r.Provider != provider {
			continue
		}
		if upd.ProviderSubject != "" && r.ProviderSubject != upd.ProviderSubject {
			continue
		}
		if upd.ProviderIssuer != "" && r.ProviderIssuer != upd.ProviderIssuer {
			continue
		}
		if target == nil || r.CreatedAt > target.CreatedAt {
			target = r
		}
	}
	if target == nil {
		return false, nil
	}

	if status == models.ServiceEnabled {
		for _, r := range m.records {
			if !r.IsValid || r.UserID != userID || r.Provider != provider || r.ProviderSubject == target.ProviderSubject {
				continue
			}
			if r.ServiceState.Enabled(capability) {
				return false, &errors.ErrAccountMismatch{
					UserID:         userID,
					Provider:       string(provider),
					Capability:     string(capability),
					EnabledSubject: r.ProviderSubject,
				}
			}
		}
	}

	if target.ServiceState == nil {
		target.ServiceState = models.ServiceState{}
	}
	target.ServiceState.Set(capability, status, upd.LastErrorCode)
	target.UpdatedAt = time.Now().Unix()
	return true, nil
}

func (m *MemoryStore) GetCanonicalRow(_ context.Context, tuple models.IdentityTuple) (*models.TokenRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec := m.findValidLocked(tuple)
	if rec == nil {
		return nil, false
	}
	return copyRecord(rec), true
}

func (m *MemoryStore) DeleteInvalidBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	edge := cutoff.Unix()
	for id, r := range m.records {
		if !r.IsValid && r.UpdatedAt < edge {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Clear removes all data from the store
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*models.TokenRecord)
}

// Stats returns statistics about the store
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats StoreStats
	users := make(map[string]struct{})
	for _, r := range m.records {
		if r.IsValid {
			stats.ValidCount++
		} else {
			stats.InvalidCount++
		}
		users[r.UserID] = struct{}{}
	}
	stats.UserCount = len(users)
	return stats
}

func (m *MemoryStore) Close() error {
	return nil
}

func copyRecord(r *models.TokenRecord) *models.TokenRecord {
	out := *r
	out.ServiceState = r.ServiceState.Clone()
	return &out
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
