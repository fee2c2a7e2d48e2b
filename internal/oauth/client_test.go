package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	providers := map[string]config.ProviderConfig{
		"google": {
			TokenURL:     srv.URL + "/token",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Issuer:       "https://accounts.google.com",
		},
	}
	return NewClient(providers, 5*time.Second), srv
}

func TestRefreshSuccess(t *testing.T) {
	var gotGrant, gotToken string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotGrant = r.PostForm.Get("grant_type")
		gotToken = r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","scope":"email profile","expires_in":3600}`))
	})

	resp, err := c.Refresh(context.Background(), models.ProviderGoogle, "old-refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if gotGrant != "refresh_token" || gotToken != "old-refresh" {
		t.Errorf("sent grant=%q token=%q", gotGrant, gotToken)
	}
	if resp.AccessToken != "new-access" || resp.RefreshToken != "new-refresh" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d", resp.ExpiresIn)
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "auth-code" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("redirect_uri") != "https://app.example.com/cb" {
			t.Errorf("redirect_uri = %q", r.PostForm.Get("redirect_uri"))
		}
		w.Write([]byte(`{"access_token":"access","expires_in":1800}`))
	})

	resp, err := c.ExchangeCode(context.Background(), models.ProviderGoogle, "auth-code", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.AccessToken != "access" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "revoked")
	authErr, ok := err.(*errors.ErrAuth)
	if !ok {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if authErr.Code != "invalid_grant" {
		t.Errorf("code = %q", authErr.Code)
	}
}

func TestRefreshUnauthorized(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "bad")
	authErr, ok := err.(*errors.ErrAuth)
	if !ok {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if authErr.Code != "unauthorized" {
		t.Errorf("code = %q", authErr.Code)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	rlErr, ok := err.(*errors.ErrRateLimited)
	if !ok {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if rlErr.RetryAfter != 120*time.Second {
		t.Errorf("retry after = %v", rlErr.RetryAfter)
	}
}

func TestRefreshServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	if _, ok := err.(*errors.ErrTransient); !ok {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestRefreshNetworkError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	if _, ok := err.(*errors.ErrTransient); !ok {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestRefreshMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	if _, ok := err.(*errors.ErrTransient); !ok {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestRefreshMissingAccessToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"scope":"email"}`))
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	if _, ok := err.(*errors.ErrTransient); !ok {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestUnconfiguredProvider(t *testing.T) {
	c := NewClient(map[string]config.ProviderConfig{}, time.Second)
	if _, err := c.Refresh(context.Background(), models.ProviderSpotify, "tok"); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestRefreshRateLimitedHTTPDate(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	rlErr, ok := err.(*errors.ErrRateLimited)
	if !ok {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if rlErr.RetryAfter < 80*time.Second || rlErr.RetryAfter > 91*time.Second {
		t.Errorf("retry after = %v", rlErr.RetryAfter)
	}
}

func TestRefreshRateLimitedNoHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Refresh(context.Background(), models.ProviderGoogle, "tok")
	rlErr, ok := err.(*errors.ErrRateLimited)
	if !ok {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if rlErr.RetryAfter != defaultRetryAfter {
		t.Errorf("retry after = %v, want fallback", rlErr.RetryAfter)
	}
}
