// Package mocks provides a mock OAuth provider token endpoint for tests.
package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// TokenGrant is one response the mock provider hands out.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// MockProvider simulates an OAuth provider token endpoint. It records every
// grant request and can be switched into failure modes at runtime.
type MockProvider struct {
	mu sync.Mutex

	server *httptest.Server

	// Grants keyed by authorization code.
	codes map[string]TokenGrant
	// Grants keyed by refresh token.
	refreshTokens map[string]TokenGrant

	exchangeCalls int
	refreshCalls  int

	// failStatus, when non-zero, makes every call answer with that status.
	failStatus int
	// failBody is returned alongside failStatus.
	failBody string
	// retryAfter, when non-empty, is sent as the Retry-After header.
	retryAfter string
}

// NewMockProvider starts the mock token endpoint.
func NewMockProvider() *MockProvider {
	p := &MockProvider{
		codes:         make(map[string]TokenGrant),
		refreshTokens: make(map[string]TokenGrant),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handleToken))
	return p
}

// URL returns the token endpoint URL.
func (p *MockProvider) URL() string {
	return p.server.URL
}

// Close shuts the endpoint down.
func (p *MockProvider) Close() {
	p.server.Close()
}

// GrantCode registers an authorization code and the grant it redeems for.
func (p *MockProvider) GrantCode(code string, grant TokenGrant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = grant
}

// GrantRefresh registers a refresh token and the grant it redeems for.
func (p *MockProvider) GrantRefresh(refreshToken string, grant TokenGrant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[refreshToken] = grant
}

// Fail makes every subsequent call answer with the given status and body.
// A zero status restores normal behavior.
func (p *MockProvider) Fail(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStatus = status
	p.failBody = body
}

// SetRetryAfter sets the Retry-After header sent with failure responses.
func (p *MockProvider) SetRetryAfter(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryAfter = value
}

// ExchangeCalls returns how many authorization-code grants were attempted.
func (p *MockProvider) ExchangeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls
}

// RefreshCalls returns how many refresh-token grants were attempted.
func (p *MockProvider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

func (p *MockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		p.exchangeCalls++
	case "refresh_token":
		p.refreshCalls++
	}

	if p.failStatus != 0 {
		if p.retryAfter != "" {
			w.Header().Set("Retry-After", p.retryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.failStatus)
		_, _ = w.Write([]byte(p.failBody))
		return
	}

	var grant TokenGrant
	var ok bool
	switch grantType {
	case "authorization_code":
		grant, ok = p.codes[r.PostFormValue("code")]
	case "refresh_token":
		grant, ok = p.refreshTokens[r.PostFormValue("refresh_token")]
	}
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(grant)
}
