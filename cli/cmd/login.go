package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save the core URL and admin key for a profile",
	Long: `Store connection details in ~/.taskctl/config.yaml. The admin key is
checked against the core service before it is saved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		coreURL, _ := cmd.Flags().GetString("core-url")
		if coreURL == "" {
			coreURL = cfg.GetCoreURL(profileName(cmd))
		}
		adminKey, _ := cmd.Flags().GetString("admin-key")
		if adminKey == "" {
			return fmt.Errorf("--admin-key is required")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		if _, err := client.New(coreURL).WithAdminKey(adminKey).ListTenants(ctx); err != nil {
			return fmt.Errorf("admin key rejected by %s: %w", coreURL, err)
		}

		name := profileName(cmd)
		if name == "" {
			name = cfg.CurrentProfile
		}
		if err := cfg.SaveProfile(name, coreURL, adminKey); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		output.Success("Logged in to %s (profile %s)", coreURL, name)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show core service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, err := coreClient(cmd).Health(ctx)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), h, func() *output.Table {
			tbl := output.NewTable([]string{"CHECK", "RESULT"})
			tbl.AddRow([]string{"status", h.Status})
			tbl.AddRow([]string{"version", h.Version})
			tbl.AddRow([]string{"uptime", h.Uptime})
			for _, name := range slices.Sorted(maps.Keys(h.Checks)) {
				tbl.AddRow([]string{name, h.Checks[name]})
			}
			return tbl
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(healthCmd)
}
