package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/crypto"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/store"
)

// tokensCmd represents the tokens command group
var tokensCmd = &cobra.Command{
	Use:     "tokens",
	Aliases: []string{"t", "token"},
	Short:   "Inspect and manage stored token records",
	Long: `Inspect and manage the token records stored in the local database.

Examples:
  # List all valid records for a user
  tokenvault tokens list u-123

  # Show the current record for one provider
  tokenvault tokens get u-123 google

  # Invalidate all records for a provider
  tokenvault tokens disconnect u-123 google`,
}

var tokensFlags struct {
	Subject string
}

func init() {
	tokensGetCmd.Flags().StringVar(&tokensFlags.Subject, "subject", "", "Narrow by provider subject")

	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensGetCmd)
	tokensCmd.AddCommand(tokensDisconnectCmd)
	RootCmd.AddCommand(tokensCmd)
}

// openStore opens the SQLite store using the configured crypto settings.
// A missing config file falls back to the environment root secret so the
// command stays usable against a bare database.
func openStore() (*store.SQLiteStore, error) {
	rootSecret := os.Getenv("TOKENVAULT_ROOT_SECRET")
	mode := config.CryptoModeEncrypting
	dbPath := globalFlags.DBPath

	loader := config.NewLoader(globalFlags.Config)
	if cfg, err := loader.Load(); err == nil {
		if cfg.Crypto.RootSecret != "" {
			rootSecret = cfg.Crypto.RootSecret
		}
		if cfg.Crypto.Mode != "" {
			mode = cfg.Crypto.Mode
		}
		if cfg.Store.Path != "" {
			dbPath = cfg.Store.Path
		}
	}

	codec, err := crypto.NewCodec(rootSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret codec: %w", err)
	}

	return store.NewSQLiteStore(dbPath, codec, store.WithCryptoMode(mode))
}

// tokensListCmd lists all valid records for a user
var tokensListCmd = &cobra.Command{
	Use:   "list <user_id>",
	Short: "List all valid token records for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		records := st.GetAll(context.Background(), args[0])
		if globalFlags.JSON {
			return json.NewEncoder(os.Stdout).Encode(records)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tSUBJECT\tSCOPE\tEXPIRES\tSERVICES")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				rec.Provider, rec.ProviderSubject, rec.Scope,
				formatExpiry(rec.ExpiresAt), len(rec.ServiceState))
		}
		return w.Flush()
	},
}

// tokensGetCmd shows the current record for one provider
var tokensGetCmd = &cobra.Command{
	Use:   "get <user_id> <provider>",
	Short: "Show the current valid record for a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := models.Provider(args[1])
		if !provider.Valid() {
			return fmt.Errorf("unknown provider: %s", args[1])
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, ok := st.Get(context.Background(), args[0], provider, tokensFlags.Subject)
		if !ok {
			return fmt.Errorf("no valid record for user %s provider %s", args[0], args[1])
		}

		if globalFlags.JSON {
			return json.NewEncoder(os.Stdout).Encode(rec)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", rec.ID)
		fmt.Fprintf(w, "Provider\t%s\n", rec.Provider)
		fmt.Fprintf(w, "Issuer\t%s\n", rec.ProviderIssuer)
		fmt.Fprintf(w, "Subject\t%s\n", rec.ProviderSubject)
		fmt.Fprintf(w, "Scope\t%s\n", rec.Scope)
		fmt.Fprintf(w, "Expires\t%s\n", formatExpiry(rec.ExpiresAt))
		fmt.Fprintf(w, "Has refresh token\t%v\n", rec.RefreshToken != "")
		for capability, status := range rec.ServiceState {
			fmt.Fprintf(w, "Service %s\t%s\n", capability, status.Status)
		}
		return w.Flush()
	},
}

// tokensDisconnectCmd invalidates all records for a provider
var tokensDisconnectCmd = &cobra.Command{
	Use:   "disconnect <user_id> <provider>",
	Short: "Invalidate all records for a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := models.Provider(args[1])
		if !provider.Valid() {
			return fmt.Errorf("unknown provider: %s", args[1])
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if !st.MarkInvalid(context.Background(), args[0], provider) {
			return fmt.Errorf("no valid record for user %s provider %s", args[0], args[1])
		}

		fmt.Printf("Disconnected %s for user %s\n", args[1], args[0])
		return nil
	},
}

func formatExpiry(expiresAt int64) string {
	if expiresAt == 0 {
		return "never"
	}
	t := time.Unix(expiresAt, 0)
	if t.Before(time.Now()) {
		return fmt.Sprintf("expired %s", t.Format(time.RFC3339))
	}
	return t.Format(time.RFC3339)
}
