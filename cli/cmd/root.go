package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/common/config"
)

var cfg *config.CLIConfig

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "TaskHub operator CLI",
	Long: `taskctl is the command-line interface for the TaskHub core service.

Onboard tenants, work with tasks, inspect and replay dead letters, and watch
the event pipeline from your terminal.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().String("core-url", "", "core service URL (overrides the profile)")
	rootCmd.PersistentFlags().String("admin-key", "", "operator key for /admin/v1 (overrides the profile)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per-command timeout")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

func profileName(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("profile")
	return p
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func coreClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("core-url")
	if url == "" {
		url = cfg.GetCoreURL(profileName(cmd))
	}
	return client.New(url)
}

func adminClient(cmd *cobra.Command) (*client.Client, error) {
	key, _ := cmd.Flags().GetString("admin-key")
	if key == "" {
		key = cfg.GetAdminKey(profileName(cmd))
	}
	if key == "" {
		return nil, errors.New("no admin key: run 'taskctl login --admin-key ...' or pass --admin-key")
	}
	return coreClient(cmd).WithAdminKey(key), nil
}

// tenantClient returns a client carrying a bearer token for tenantID. A
// cached token is used when present, otherwise one is issued with the admin
// key and cached on the profile.
func tenantClient(ctx context.Context, cmd *cobra.Command, tenantID string) (*client.Client, error) {
	if tenantID == "" {
		return nil, errors.New("--tenant is required")
	}
	if tok, _ := cmd.Flags().GetString("token"); tok != "" {
		return coreClient(cmd).WithToken(tok), nil
	}
	if tok := cfg.GetTenantToken(profileName(cmd), tenantID); tok != "" {
		return coreClient(cmd).WithToken(tok), nil
	}

	admin, err := adminClient(cmd)
	if err != nil {
		return nil, fmt.Errorf("no cached token for %s and %w", tenantID, err)
	}
	tok, err := admin.IssueToken(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", tenantID, err)
	}
	if err := cfg.SaveTenantToken(profileName(cmd), tenantID, tok.Token); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not cache token: %v\n", err)
	}
	return coreClient(cmd).WithToken(tok.Token), nil
}

func addTenantFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("tenant", "t", "", "tenant id")
	cmd.Flags().String("token", "", "tenant bearer token (default: cached or issued with the admin key)")
}
