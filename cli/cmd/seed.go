package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/seeder"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate fake tasks for a tenant",
	Long: `Create fake tasks through the tenant API so events flow through the
enricher, the attachment processor and the archiver. Some tasks get a second
revision and some get an attachment.`,
	Example: `  taskctl seed --tenant acme --count 200
  taskctl seed --tenant acme --count 50 --attachments 1 --seed 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		tenantID, _ := cmd.Flags().GetString("tenant")
		c, err := tenantClient(ctx, cmd, tenantID)
		if err != nil {
			return err
		}

		var sc seeder.Config
		sc.Count, _ = cmd.Flags().GetInt("count")
		sc.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		sc.Seed, _ = cmd.Flags().GetInt64("seed")
		sc.UpdateRatio, _ = cmd.Flags().GetFloat64("updates")
		sc.AttachmentRatio, _ = cmd.Flags().GetFloat64("attachments")
		if sc.Seed == 0 {
			sc.Seed = time.Now().UnixNano()
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		start := time.Now()
		res, err := seeder.NewRunner(sc, logger).Run(ctx, c)
		if err != nil {
			return err
		}
		if outputFormat(cmd) != "table" {
			return output.Render(outputFormat(cmd), res, nil)
		}
		output.Success("Seeded %d tasks for %s in %s", res.Tasks, tenantID, time.Since(start).Round(time.Millisecond))
		output.Info("Updates: %d  Attachments: %d  Events: %d", res.Updates, res.Attachments, res.Events())
		if res.Failures > 0 {
			output.Warn("%d requests failed", res.Failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	addTenantFlags(seedCmd)
	seedCmd.Flags().IntP("count", "n", 100, "number of tasks to create")
	seedCmd.Flags().Int("concurrency", 4, "parallel requests")
	seedCmd.Flags().Int64("seed", 0, "random seed (default: time based)")
	seedCmd.Flags().Float64("updates", 0.3, "fraction of tasks that get a second revision")
	seedCmd.Flags().Float64("attachments", 0.2, "fraction of tasks that get an attachment")
}
