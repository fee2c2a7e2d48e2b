package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenvault/tokenvault/internal/alerts"
	"github.com/tokenvault/tokenvault/internal/api"
	"github.com/tokenvault/tokenvault/internal/cleanup"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/oauth"
	"github.com/tokenvault/tokenvault/internal/refresh"
	"github.com/tokenvault/tokenvault/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the TokenVault server",
	Long: `Start the TokenVault server in main mode.

This command starts the HTTP server that stores OAuth tokens, serves
fresh access tokens, and runs the refresh coordinator and the invalid-row
retention sweep.

Example:
  tokenvault serve --config config.yaml --db ./data/tokenvault.db

The server will start listening on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Timeout    time.Duration
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 30*time.Second, "Shutdown timeout")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "1.3", "Minimum TLS version (1.2 or 1.3)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting TokenVault server...")
		log.Printf("Config path: %s", globalFlags.Config)
		log.Printf("Database path: %s", globalFlags.DBPath)
	}

	// Load configuration
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Apply CLI flags to config
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}

	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	logger := logging.NewLogger(
		logging.WithLevel(logging.LogLevel(cfg.Server.LogLevel)),
		logging.WithService("tokenvault"),
	)
	m := metrics.NewMetrics("tokenvault")

	// Secret codec
	codec, err := crypto.NewCodec(cfg.Crypto.RootSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize secret codec: %w", err)
	}
	if cfg.Crypto.Mode != config.CryptoModeUnencrypted && !codec.Configured() {
		return fmt.Errorf("crypto mode %q requires a root secret", cfg.Crypto.Mode)
	}

	// SQLite store with WAL mode enabled
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = globalFlags.DBPath
	}
	sqliteStore, err := store.NewSQLiteStore(dbPath, codec,
		store.WithLogger(logger),
		store.WithCryptoMode(cfg.Crypto.Mode),
		store.WithContentionPolicy(cfg.Store.ContentionRetries, cfg.Store.ContentionBackoff),
		store.WithSubjectRule(func(p models.Provider) bool {
			return cfg.SubjectRequired(string(p))
		}),
		store.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create SQLite store: %w", err)
	}

	if globalFlags.Verbose {
		log.Printf("Database initialized at: %s", dbPath)
	}

	// Alert notifier (optional)
	var notifier *alerts.Notifier
	if cfg.Alerts.Enabled {
		sender, err := alerts.NewTelegramSender(cfg.Alerts.Telegram.BotToken, cfg.Alerts.Telegram.ChatID)
		if err != nil {
			log.Printf("Alert setup warning: %v", err)
		} else {
			notifier = alerts.NewNotifier(sender,
				alerts.WithLogger(logger),
				alerts.WithDedupWindow(cfg.Alerts.Debounce),
				alerts.WithRateLimit(cfg.Alerts.RateLimitPerMinute),
				alerts.WithMetrics(m),
			)
		}
	}

	// Provider client and refresh coordinator
	oauthClient := oauth.NewClient(cfg.Providers, cfg.Refresh.CallTimeout, oauth.WithLogger(logger))

	coordOpts := []refresh.CoordinatorOption{
		refresh.WithLogger(logger),
		refresh.WithExpiryLead(cfg.Refresh.ExpiryLead),
		refresh.WithRetryPolicy(cfg.Refresh.RetryAttempts, cfg.Refresh.RetryBackoff),
		refresh.WithMetrics(m),
	}
	if notifier != nil {
		coordOpts = append(coordOpts, refresh.WithNotifier(notifier))
	}
	coordinator := refresh.NewCoordinator(sqliteStore, oauthClient, coordOpts...)

	// Retention sweep (optional)
	var cleanupMgr *cleanup.Manager
	if cfg.Cleanup.Enabled {
		cleanupOpts := []cleanup.ManagerOption{
			cleanup.WithLogger(logger),
			cleanup.WithMetrics(m),
		}
		if notifier != nil {
			cleanupOpts = append(cleanupOpts, cleanup.WithNotifier(notifier))
		}
		cleanupMgr = cleanup.NewManager(cleanup.Config{
			Interval:         cfg.Cleanup.Interval,
			InvalidRetention: cfg.Cleanup.InvalidRetention,
			BatchSize:        cfg.Cleanup.BatchSize,
			VacuumEnabled:    cfg.Cleanup.VacuumEnabled,
			VacuumInterval:   cfg.Cleanup.VacuumInterval,
			ShutdownTimeout:  cfg.Cleanup.ShutdownTimeout,
		}, sqliteStore, cleanupOpts...)
		if err := cleanupMgr.Start(context.Background()); err != nil {
			log.Printf("Cleanup start warning: %v", err)
		}
	}

	// Create API server
	server := api.NewServer(cfg, sqliteStore, coordinator, oauthClient, codec, m, logger)
	if notifier != nil {
		server.SetNotifier(notifier)
	}
	if cleanupMgr != nil {
		server.SetCleanupManager(cleanupMgr)
	}

	// Hot-reload of provider and alert settings
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	loader.SetOnChange(func(updated *config.Config) {
		logger.Info("configuration reloaded", "path", globalFlags.Config)
	})
	if err := loader.Watch(watchCtx); err != nil {
		log.Printf("Config watch warning: %v", err)
	}

	setupGracefulShutdown(server, watchCancel, serveFlags.Timeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if cfg.Server.TLS.Enabled {
		log.Printf("Starting TokenVault HTTPS server on %s", addr)
	} else {
		log.Printf("Starting TokenVault HTTP server on %s", addr)
	}
	log.Printf("Database: %s (WAL mode enabled)", dbPath)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}

	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}

	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}

	return nil
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, cancelWatch context.CancelFunc, timeout time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)

		if cancelWatch != nil {
			cancelWatch()
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Shutdown server (stops sweeper and store)
		log.Println("Shutting down API server...")
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}

		log.Println("Graceful shutdown completed")
		os.Exit(0)
	}()
}
