package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string                    `yaml:"version"`
	Server    ServerConfig              `yaml:"server"`
	API       APIConfig                 `yaml:"api"`
	Store     StoreConfig               `yaml:"store"`
	Crypto    CryptoConfig              `yaml:"crypto"`
	Refresh   RefreshConfig             `yaml:"refresh"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Alerts    AlertsConfig              `yaml:"alerts"`
	Cleanup   CleanupConfig             `yaml:"cleanup"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// AuthConfig contains API authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// StoreConfig contains token store configuration.
type StoreConfig struct {
	// Path is the SQLite database path.
	Path string `yaml:"path"`
	// ContentionRetries is the attempt ceiling for write-contention retries.
	// Default: 4
	ContentionRetries int `yaml:"contention_retries"`
	// ContentionBackoff is the base backoff between contention retries,
	// grown exponentially with jitter. Default: 25ms
	ContentionBackoff time.Duration `yaml:"contention_backoff"`
}

// CryptoMode is the secret storage migration state.
type CryptoMode string

const (
	// CryptoModeUnencrypted writes secrets to the legacy plaintext columns
	// only. Exists for pre-migration deployments.
	CryptoModeUnencrypted CryptoMode = "unencrypted"
	// CryptoModeEncrypting writes encrypted but tolerates plaintext legacy
	// rows on read. The migration window.
	CryptoModeEncrypting CryptoMode = "encrypting"
	// CryptoModeEncryptedOnly refuses the plaintext fallback entirely.
	CryptoModeEncryptedOnly CryptoMode = "encrypted_only"
)

// CryptoConfig contains secret codec configuration.
type CryptoConfig struct {
	// RootSecret is the secret the symmetric key is derived from. Usually
	// injected via ${TOKENVAULT_ROOT_SECRET}.
	RootSecret string `yaml:"root_secret"`
	// Mode is the secret storage migration state. Default: encrypting
	Mode CryptoMode `yaml:"mode"`
}

// RefreshConfig contains refresh coordinator configuration.
type RefreshConfig struct {
	// ExpiryLead is how far before expiry a token is refreshed.
	// Default: 5m
	ExpiryLead time.Duration `yaml:"expiry_lead"`
	// RetryAttempts is the ceiling for retryable provider failures.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBackoff is the base backoff between provider retries, grown
	// exponentially with jitter. Default: 500ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// CallTimeout bounds a single provider call. Default: 15s
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ProviderConfig describes one upstream OAuth provider.
type ProviderConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Issuer       string `yaml:"issuer"`
	// SubjectRequired marks providers where one user may hold several
	// upstream accounts, making the subject claim part of the identity.
	SubjectRequired bool `yaml:"subject_required"`
}

// AlertsConfig contains operational alerting configuration.
type AlertsConfig struct {
	// Enabled enables or disables the alert service.
	Enabled bool `yaml:"enabled"`
	// Telegram delivery settings.
	Telegram TelegramConfig `yaml:"telegram"`
	// Debounce is the minimum time between duplicate alerts.
	// Default: 30m
	Debounce time.Duration `yaml:"debounce"`
	// RateLimitPerMinute limits the number of alerts per minute.
	// Default: 30
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// TelegramConfig contains Telegram delivery configuration.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// CleanupConfig contains retention sweep configuration.
type CleanupConfig struct {
	// Enabled enables or disables the retention sweep.
	Enabled bool `yaml:"enabled"`
	// Interval is the time between sweep runs.
	// Default: 1h
	Interval time.Duration `yaml:"interval"`
	// InvalidRetention is how long invalidated generations are kept before
	// physical deletion. Default: 720h (30 days)
	InvalidRetention time.Duration `yaml:"invalid_retention"`
	// BatchSize is the number of rows deleted per batch.
	// Default: 1000
	BatchSize int `yaml:"batch_size"`
	// VacuumEnabled enables periodic VACUUM operations.
	// Default: true when cleanup is enabled
	VacuumEnabled bool `yaml:"vacuum_enabled"`
	// VacuumInterval is the time between VACUUM operations.
	// Default: 24h
	VacuumInterval time.Duration `yaml:"vacuum_interval"`
	// ShutdownTimeout is the timeout for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Crypto.Validate(); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}

	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" || s.TLS.KeyFile == "" {
			return fmt.Errorf("tls cert_file and key_file are required when tls is enabled")
		}
		switch s.TLS.MinVersion {
		case "", "1.2", "1.3":
		default:
			return fmt.Errorf("tls min_version must be 1.2 or 1.3")
		}
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/v1"
	}
	if a.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit requests_per_minute cannot be negative")
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api_keys configured")
	}
	return nil
}

// Validate validates store configuration.
func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if s.ContentionRetries < 0 {
		return fmt.Errorf("contention_retries cannot be negative")
	}
	if s.ContentionRetries == 0 {
		s.ContentionRetries = 4
	}
	if s.ContentionBackoff <= 0 {
		s.ContentionBackoff = 25 * time.Millisecond
	}
	return nil
}

// Validate validates crypto configuration.
func (c *CryptoConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = CryptoModeEncrypting
	}
	switch c.Mode {
	case CryptoModeUnencrypted, CryptoModeEncrypting, CryptoModeEncryptedOnly:
	default:
		return fmt.Errorf("unknown crypto mode %q", c.Mode)
	}
	if c.Mode != CryptoModeUnencrypted && c.RootSecret == "" {
		return fmt.Errorf("root_secret is required in mode %s", c.Mode)
	}
	return nil
}

// Validate validates refresh configuration.
func (r *RefreshConfig) Validate() error {
	if r.ExpiryLead < 0 || r.RetryAttempts < 0 {
		return fmt.Errorf("expiry_lead and retry_attempts cannot be negative")
	}
	if r.ExpiryLead == 0 {
		r.ExpiryLead = 5 * time.Minute
	}
	if r.RetryAttempts == 0 {
		r.RetryAttempts = 3
	}
	if r.RetryBackoff <= 0 {
		r.RetryBackoff = 500 * time.Millisecond
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = 15 * time.Second
	}
	return nil
}

// Validate validates a provider configuration.
func (p *ProviderConfig) Validate() error {
	if p.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	return nil
}

// Validate validates alerts configuration.
func (a *AlertsConfig) Validate() error {
	if a.Enabled && a.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot_token is required when alerts are enabled")
	}
	if a.Debounce == 0 {
		a.Debounce = 30 * time.Minute
	}
	if a.RateLimitPerMinute <= 0 {
		a.RateLimitPerMinute = 30
	}
	return nil
}

// Validate validates cleanup configuration.
func (c *CleanupConfig) Validate() error {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.InvalidRetention == 0 {
		c.InvalidRetention = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.VacuumInterval == 0 {
		c.VacuumInterval = 24 * time.Hour
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// SubjectRequired reports whether the named provider requires subject-level
// disambiguation, falling back to the built-in defaults when the provider is
// not configured.
func (c *Config) SubjectRequired(provider string) bool {
	if p, ok := c.Providers[provider]; ok {
		return p.SubjectRequired
	}
	return false
}
