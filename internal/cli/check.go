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
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "health", "status"},
	Short:   "Zero-config health check",
	Long: `Perform a health check of the TokenVault installation.

This command checks:
- Database connectivity
- Configuration validity
- Secret codec self test
- Configured providers

Example:
  tokenvault check`,
	RunE: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

// CheckResult is one line of check output
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	results := []CheckResult{}

	cfg, configResult := checkConfigFile()
	results = append(results, configResult)
	results = append(results, checkDatabase())
	results = append(results, checkCodec(cfg))
	results = append(results, checkProviders(cfg))

	return outputCheckResults(results)
}

func checkConfigFile() (*config.Config, CheckResult) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, CheckResult{
			Name:    "config",
			Status:  "FAIL",
			Message: err.Error(),
		}
	}
	return cfg, CheckResult{Name: "config", Status: "OK", Message: globalFlags.Config}
}

func checkDatabase() CheckResult {
	st, err := openStore()
	if err != nil {
		return CheckResult{Name: "database", Status: "FAIL", Message: err.Error()}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return CheckResult{Name: "database", Status: "FAIL", Message: err.Error()}
	}

	stats := st.Stats()
	return CheckResult{
		Name:   "database",
		Status: "OK",
		Message: fmt.Sprintf("%d valid, %d invalid records, %d users",
			stats.ValidCount, stats.InvalidCount, stats.UserCount),
	}
}

func checkCodec(cfg *config.Config) CheckResult {
	rootSecret := os.Getenv("TOKENVAULT_ROOT_SECRET")
	if cfg != nil && cfg.Crypto.RootSecret != "" {
		rootSecret = cfg.Crypto.RootSecret
	}

	codec, err := crypto.NewCodec(rootSecret)
	if err != nil {
		return CheckResult{Name: "crypto", Status: "FAIL", Message: err.Error()}
	}
	if !codec.Configured() {
		return CheckResult{Name: "crypto", Status: "WARN", Message: "no root secret configured"}
	}
	if err := codec.SelfTest(); err != nil {
		return CheckResult{Name: "crypto", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "crypto", Status: "OK"}
}

func checkProviders(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "providers", Status: "WARN", Message: "no configuration loaded"}
	}
	if len(cfg.Providers) == 0 {
		return CheckResult{Name: "providers", Status: "WARN", Message: "no providers configured"}
	}

	for name, p := range cfg.Providers {
		if p.TokenURL == "" || p.ClientID == "" {
			return CheckResult{
				Name:    "providers",
				Status:  "FAIL",
				Message: fmt.Sprintf("provider %s is missing token_url or client_id", name),
			}
		}
	}
	return CheckResult{
		Name:    "providers",
		Status:  "OK",
		Message: fmt.Sprintf("%d configured", len(cfg.Providers)),
	}
}

func outputCheckResults(results []CheckResult) error {
	if globalFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDETAILS")
	failed := false
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
		if r.Status == "FAIL" {
			failed = true
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}
