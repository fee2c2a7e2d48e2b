package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tokenvault/tokenvault/internal/api"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/oauth"
	"github.com/tokenvault/tokenvault/internal/refresh"
	"github.com/tokenvault/tokenvault/internal/store"
	"github.com/tokenvault/tokenvault/test/mocks"
)

const testAPIKey = "integration-test-key"

type testServer struct {
	Server   *api.Server
	Store    *store.SQLiteStore
	Provider *mocks.MockProvider
}

// setupTestServer wires a SQLite-backed server against a mock OAuth provider
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := mocks.NewMockProvider()
	t.Cleanup(provider.Close)

	logger := logging.NewLogger(logging.WithOutput(io.Discard))
	codec, err := crypto.NewCodec("integration-root-secret")
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	st, err := store.NewSQLiteStore(dbPath, codec, store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "localhost", HTTPPort: 8080},
		API: config.APIConfig{
			Auth: config.AuthConfig{
				Enabled: true,
				APIKeys: []string{testAPIKey},
			},
		},
		Providers: map[string]config.ProviderConfig{
			"google": {
				TokenURL:        provider.URL(),
				ClientID:        "client-id",
				ClientSecret:    "client-secret",
				Issuer:          "https://accounts.google.com",
				SubjectRequired: true,
			},
		},
	}

	oc := oauth.NewClient(cfg.Providers, 5*time.Second, oauth.WithLogger(logger))
	coordinator := refresh.NewCoordinator(st, oc,
		refresh.WithLogger(logger),
		refresh.WithRetryPolicy(3, time.Millisecond),
	)
	m := metrics.NewMetrics("test_integration")

	server := api.NewServer(cfg, st, coordinator, oc, codec, m, logger)

	return &testServer{Server: server, Store: st, Provider: provider}
}

// do issues an authenticated JSON request against the server router
func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	ts.Server.Router().ServeHTTP(w, req)
	return w
}

func decodeValidToken(t *testing.T, w *httptest.ResponseRecorder) api.ValidTokenResponse {
	t.Helper()
	var resp api.ValidTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}
