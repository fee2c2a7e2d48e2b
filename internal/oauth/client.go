// Package oauth talks to upstream OAuth token endpoints: authorization-code
// exchange and refresh-token grants. Failures are classified into typed
// errors so callers can tell terminal credential problems from transient
// provider trouble.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/pkg/headers"
)

// defaultRetryAfter is used when a 429 carries no usable Retry-After header.
const defaultRetryAfter = 30 * time.Second

// Client performs token-endpoint calls for the configured providers.
type Client struct {
	client    *http.Client
	logger    *logging.Logger
	providers map[string]config.ProviderConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a token-endpoint client for the given provider
// configurations, keyed by provider name.
func NewClient(providers map[string]config.ProviderConfig, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:    logging.NewLogger(),
		providers: providers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type tokenEndpointError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode redeems an authorization code at the provider's token
// endpoint.
func (c *Client) ExchangeCode(ctx context.Context, provider models.Provider, code, redirectURI string) (*models.TokenResponse, error) {
	pc, ok := c.providers[string(provider)]
	if !ok {
		return nil, fmt.Errorf("provider not configured: %s", provider)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", pc.ClientID)
	if pc.ClientSecret != "" {
		form.Set("client_secret", pc.ClientSecret)
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	return c.tokenCall(ctx, provider, pc.TokenURL, form)
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*models.TokenResponse, error) {
	pc, ok := c.providers[string(provider)]
	if !ok {
		return nil, fmt.Errorf("provider not configured: %s", provider)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", pc.ClientID)
	if pc.ClientSecret != "" {
		form.Set("client_secret", pc.ClientSecret)
	}

	return c.tokenCall(ctx, provider, pc.TokenURL, form)
}

func (c *Client) tokenCall(ctx context.Context, provider models.Provider, tokenURL string, form url.Values) (*models.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failure: the provider may be fine, we just could not
		// reach it.
		return nil, &errors.ErrTransient{Provider: string(provider), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &errors.ErrTransient{Provider: string(provider), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed tokenEndpointResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &errors.ErrTransient{Provider: string(provider), Err: fmt.Errorf("malformed token response: %w", err)}
		}
		if parsed.AccessToken == "" {
			return nil, &errors.ErrTransient{Provider: string(provider), Err: fmt.Errorf("token response missing access_token")}
		}
		return &models.TokenResponse{
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			Scope:        parsed.Scope,
			ExpiresIn:    parsed.ExpiresIn,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("token endpoint rate limited",
			"provider", string(provider),
			"remaining", headers.RateLimitRemaining(resp.Header))
		return nil, &errors.ErrRateLimited{
			Provider:   string(provider),
			RetryAfter: headers.RetryAfter(resp.Header, defaultRetryAfter),
		}

	case resp.StatusCode >= 500:
		c.logger.Warn("token endpoint server error",
			"provider", string(provider), "status", resp.StatusCode)
		return nil, &errors.ErrTransient{Provider: string(provider), Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}

	default:
		// 4xx: the grant itself was rejected. invalid_grant means the
		// refresh token or code is dead and retrying cannot help.
		code := "invalid_request"
		var parsed tokenEndpointError
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
			code = parsed.Error
		} else if resp.StatusCode == http.StatusUnauthorized {
			code = "unauthorized"
		}
		return nil, &errors.ErrAuth{
			Provider: string(provider),
			Code:     code,
			Err:      fmt.Errorf("token endpoint status %d", resp.StatusCode),
		}
	}
}

