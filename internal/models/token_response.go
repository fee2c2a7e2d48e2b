package models

// TokenResponse is the provider OAuth client's result for an exchange or
// refresh call.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshReason explains why GetValidToken returned no record.
type RefreshReason string

const (
	// ReasonNone means a record was returned.
	ReasonNone RefreshReason = ""
	// ReasonNoTokens means no valid generation exists for the identity.
	ReasonNoTokens RefreshReason = "no_tokens"
	// ReasonExpiredNoRefresh means the record is expired and carries no
	// refresh token. Terminal.
	ReasonExpiredNoRefresh RefreshReason = "expired_no_refresh"
	// ReasonInvalidRefresh means the provider rejected the refresh token
	// itself. Terminal, never retried.
	ReasonInvalidRefresh RefreshReason = "invalid_refresh"
	// ReasonProviderUnavailable means retryable provider failures exhausted
	// the retry ceiling.
	ReasonProviderUnavailable RefreshReason = "provider_unavailable"
	// ReasonUnknownError means an unclassified failure survived its single
	// retry.
	ReasonUnknownError RefreshReason = "unknown_error"
)

// Terminal reports whether the reason is a terminal failure that further
// retries cannot fix.
func (r RefreshReason) Terminal() bool {
	return r == ReasonExpiredNoRefresh || r == ReasonInvalidRefresh
}
