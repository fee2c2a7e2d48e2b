package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TokenRecord is one generation of a stored credential. A new generation is
// created on every refresh or rescoping; superseded generations stay in
// storage, invalid, linked forward via ReplacedByID.
type TokenRecord struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	Provider        Provider `json:"provider"`
	ProviderSubject string   `json:"provider_subject,omitempty"`
	ProviderIssuer  string   `json:"provider_issuer"`

	// Secret material. Stored encrypted at rest, decrypted only transiently.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	// Scope is the canonical normalized form: lower-cased, deduplicated,
	// sorted, space-joined. Scopes accumulate across generations.
	Scope              string `json:"scope"`
	ScopeUnionSince    int64  `json:"scope_union_since,omitempty"`
	ScopeLastAddedFrom string `json:"scope_last_added_from,omitempty"`

	ExpiresAt int64 `json:"expires_at"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	IsValid      bool   `json:"is_valid"`
	ReplacedByID string `json:"replaced_by_id,omitempty"`

	ServiceState ServiceState `json:"service_state,omitempty"`
}

// IdentityTuple is the unit of uniqueness for one connected account.
type IdentityTuple struct {
	UserID          string
	Provider        Provider
	ProviderIssuer  string
	ProviderSubject string
}

// Identity returns the record's identity tuple.
func (r *TokenRecord) Identity() IdentityTuple {
	return IdentityTuple{
		UserID:          r.UserID,
		Provider:        r.Provider,
		ProviderIssuer:  r.ProviderIssuer,
		ProviderSubject: r.ProviderSubject,
	}
}

// Validate checks the identity contract for the record. ProviderIssuer is
// always required; ProviderSubject is required when the provider needs
// subject-level disambiguation.
func (r *TokenRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record ID is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if r.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if r.ProviderIssuer == "" {
		return fmt.Errorf("provider issuer is required")
	}
	if r.Provider.SubjectRequired() && r.ProviderSubject == "" {
		return fmt.Errorf("provider subject is required for provider %s", r.Provider)
	}
	if err := r.ServiceState.Validate(); err != nil {
		return fmt.Errorf("service state: %w", err)
	}
	return nil
}

// ExpiresWithin reports whether the record expires within the given lead
// time from now. Records without an expiry never report true.
func (r *TokenRecord) ExpiresWithin(lead time.Duration) bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(lead).Unix() >= r.ExpiresAt
}

// NormalizeScope canonicalizes a raw scope string: lower-case, split on
// whitespace, dedupe, sort, space-join.
func NormalizeScope(raw string) string {
	return JoinScopes(SplitScopes(raw))
}

// SplitScopes parses a scope string into a normalized set.
func SplitScopes(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings.Fields(strings.ToLower(raw)) {
		set[s] = struct{}{}
	}
	return set
}

// JoinScopes renders a scope set in canonical form.
func JoinScopes(set map[string]struct{}) string {
	scopes := make([]string, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return strings.Join(scopes, " ")
}

// UnionScopes unions two canonical scope strings. The second return value
// reports whether next contributed a scope absent from prior.
func UnionScopes(prior, next string) (string, bool) {
	priorSet := SplitScopes(prior)
	union := SplitScopes(prior)

	added := false
	for s := range SplitScopes(next) {
		if _, ok := priorSet[s]; !ok {
			added = true
		}
		union[s] = struct{}{}
	}
	return JoinScopes(union), added
}
