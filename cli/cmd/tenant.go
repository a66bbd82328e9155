package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var tenantCmd = &cobra.Command{
	Use:     "tenant",
	Aliases: []string{"tenants"},
	Short:   "Onboard, offboard and list tenants",
}

var tenantListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		tenants, err := c.ListTenants(ctx)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), tenants, func() *output.Table {
			tbl := output.NewTable([]string{"TENANT", "DATA NAMESPACE", "STORAGE NAMESPACE", "STATE", "CREATED"})
			for _, tn := range tenants {
				state := "active"
				if !tn.Active() {
					state = "offboarded"
				}
				tbl.AddRow([]string{tn.TenantID, tn.DataNamespace, tn.StorageNamespace, state, tn.CreatedAt.Format("2006-01-02 15:04")})
			}
			return tbl
		})
	},
}

var tenantOnboardCmd = &cobra.Command{
	Use:   "onboard <tenant-id>",
	Short: "Register a tenant",
	Long:  "Register a tenant. Namespaces default to data_<id> and blob-<id> when not given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		dataNS, _ := cmd.Flags().GetString("data-namespace")
		storageNS, _ := cmd.Flags().GetString("storage-namespace")
		tn, err := c.OnboardTenant(ctx, client.OnboardRequest{
			TenantID:         args[0],
			DataNamespace:    dataNS,
			StorageNamespace: storageNS,
		})
		if err != nil {
			return err
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), tn, nil)
		}
		output.Success("Tenant %s onboarded", tn.TenantID)
		output.Info("Data namespace:    %s", tn.DataNamespace)
		output.Info("Storage namespace: %s", tn.StorageNamespace)
		return nil
	},
}

var tenantOffboardCmd = &cobra.Command{
	Use:   "offboard <tenant-id>",
	Short: "Deactivate a tenant",
	Long:  "Deactivate a tenant. Its stored data stays, but new events and API calls are refused.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := c.OffboardTenant(ctx, args[0]); err != nil {
			return err
		}
		output.Success("Tenant %s offboarded", args[0])
		return nil
	},
}

var tenantTokenCmd = &cobra.Command{
	Use:   "token <tenant-id>",
	Short: "Issue a bearer token for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		tok, err := c.IssueToken(ctx, args[0])
		if err != nil {
			return err
		}
		if save, _ := cmd.Flags().GetBool("save"); save {
			if err := cfg.SaveTenantToken(profileName(cmd), args[0], tok.Token); err != nil {
				return err
			}
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), tok, nil)
		}
		output.Info("%s", tok.Token)
		output.Info("expires %s", tok.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantListCmd, tenantOnboardCmd, tenantOffboardCmd, tenantTokenCmd)

	tenantOnboardCmd.Flags().String("data-namespace", "", "namespace for the tenant's records")
	tenantOnboardCmd.Flags().String("storage-namespace", "", "namespace for the tenant's blobs")
	tenantTokenCmd.Flags().Bool("save", true, "cache the token on the current profile")
}
