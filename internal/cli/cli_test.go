package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "tokenvault", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "TokenVault")
}

func TestVersionCommand(t *testing.T) {
	assert.NotNil(t, versionCmd)
	assert.Equal(t, "version", versionCmd.Use)
}

func TestGetGlobalFlags(t *testing.T) {
	InitCLI()

	flags := GetGlobalFlags()
	assert.NotEmpty(t, flags.Config)
	assert.NotEmpty(t, flags.DBPath)
	assert.False(t, flags.Verbose)
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestCheckResult(t *testing.T) {
	result := CheckResult{
		Name:    "database",
		Status:  "OK",
		Message: "2 valid, 0 invalid records, 1 users",
	}

	assert.Equal(t, "database", result.Name)
	assert.Equal(t, "OK", result.Status)
}

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "never", formatExpiry(0))
	assert.Contains(t, formatExpiry(time.Now().Add(-time.Hour).Unix()), "expired")
	assert.NotContains(t, formatExpiry(time.Now().Add(time.Hour).Unix()), "expired")
}

func TestOpenStoreWithoutConfig(t *testing.T) {
	InitCLI()
	dir := t.TempDir()
	globalFlags.Config = filepath.Join(dir, "missing.yaml")
	globalFlags.DBPath = filepath.Join(dir, "tokens.db")
	t.Setenv("TOKENVAULT_ROOT_SECRET", "test-root-secret")

	st, err := openStore()
	require.NoError(t, err)
	defer st.Close()

	rec := &models.TokenRecord{
		UserID:          "u1",
		Provider:        models.ProviderGoogle,
		ProviderIssuer:  "https://accounts.google.com",
		ProviderSubject: "sub-1",
		AccessToken:     "access-abc",
		Scope:           "email",
	}
	require.True(t, st.Upsert(context.Background(), rec))

	got, ok := st.Get(context.Background(), "u1", models.ProviderGoogle, "")
	require.True(t, ok)
	assert.Equal(t, "access-abc", got.AccessToken)
}

func TestExecuteVersion(t *testing.T) {
	InitCLI()

	err := Execute([]string{"version"})
	assert.NoError(t, err)
}

func TestExecuteUnknownCommand(t *testing.T) {
	InitCLI()

	err := Execute([]string{"no-such-command"})
	assert.Error(t, err)
}

func TestTokensDisconnectNoRecord(t *testing.T) {
	InitCLI()
	dir := t.TempDir()
	globalFlags.Config = filepath.Join(dir, "missing.yaml")
	globalFlags.DBPath = filepath.Join(dir, "tokens.db")
	t.Setenv("TOKENVAULT_ROOT_SECRET", "test-root-secret")

	err := tokensDisconnectCmd.RunE(tokensDisconnectCmd, []string{"u1", "google"})
	assert.Error(t, err)
}

func tlsConfigFor(cert, key string) config.TLSConfig {
	return config.TLSConfig{Enabled: true, CertFile: cert, KeyFile: key, MinVersion: "1.3"}
}

func TestValidateTLSConfigMissingFiles(t *testing.T) {
	err := validateTLSConfig(tlsConfigFor("", ""))
	assert.Error(t, err)

	err = validateTLSConfig(tlsConfigFor("/no/such/cert.pem", "/no/such/key.pem"))
	assert.Error(t, err)
}

func TestValidateTLSConfigValid(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0600))

	err := validateTLSConfig(tlsConfigFor(certFile, keyFile))
	assert.NoError(t, err)
}

func TestCheckCodec(t *testing.T) {
	t.Setenv("TOKENVAULT_ROOT_SECRET", "")
	result := checkCodec(nil)
	assert.Equal(t, "WARN", result.Status)

	t.Setenv("TOKENVAULT_ROOT_SECRET", "test-root-secret")
	result = checkCodec(nil)
	assert.Equal(t, "OK", result.Status)

	codec, err := crypto.NewCodec("test-root-secret")
	require.NoError(t, err)
	assert.True(t, codec.Configured())
}

func TestStoreRoundTripThroughCLIHelpers(t *testing.T) {
	InitCLI()
	dir := t.TempDir()
	globalFlags.Config = filepath.Join(dir, "missing.yaml")
	globalFlags.DBPath = filepath.Join(dir, "tokens.db")
	t.Setenv("TOKENVAULT_ROOT_SECRET", "test-root-secret")

	st, err := openStore()
	require.NoError(t, err)
	rec := &models.TokenRecord{
		UserID:          "u1",
		Provider:        models.ProviderSpotify,
		ProviderIssuer:  "https://accounts.spotify.com",
		AccessToken:     "access-abc",
		RefreshToken:    "refresh-xyz",
		Scope:           "playback",
	}
	require.True(t, st.Upsert(context.Background(), rec))
	require.NoError(t, st.Close())

	// Reopen and read back through a second helper instance
	st2, err := openStore()
	require.NoError(t, err)
	defer st2.Close()

	got, ok := st2.Get(context.Background(), "u1", models.ProviderSpotify, "")
	require.True(t, ok)
	assert.Equal(t, "refresh-xyz", got.RefreshToken)
	assert.IsType(t, &store.SQLiteStore{}, st2)
}
