package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var dlqCmd = &cobra.Command{
	Use:     "dlq",
	Aliases: []string{"deadletters"},
	Short:   "Inspect and replay dead letters",
	Long: `Dead letters are hub deliveries that used up their attempts and queue
messages the core service could not apply. Nothing is replayed automatically.`,
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var f client.DeadLetterFilter
		f.TenantID, _ = cmd.Flags().GetString("tenant")
		f.Source, _ = cmd.Flags().GetString("source")
		f.Limit, _ = cmd.Flags().GetInt("limit")

		entries, err := c.ListDeadLetters(ctx, f)
		if err != nil {
			return err
		}
		if len(entries) == 0 && outputFormat(cmd) == "table" {
			output.Info("No dead letters")
			return nil
		}
		return output.Render(outputFormat(cmd), entries, func() *output.Table {
			tbl := output.NewTable([]string{"ID", "SOURCE", "TENANT", "ORIGIN", "REASON", "ATTEMPTS", "AT"})
			for _, e := range entries {
				tbl.AddRow([]string{
					e.ID, e.Source, e.TenantID, e.Origin(), e.Reason,
					strconv.Itoa(e.Attempts), e.DeadLetteredAt.Format("2006-01-02 15:04:05"),
				})
			}
			return tbl
		})
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a dead letter with its event or payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		e, err := c.GetDeadLetter(ctx, args[0])
		if err != nil {
			return err
		}
		if outputFormat(cmd) == "yaml" {
			return output.YAML(e)
		}
		return output.JSON(e)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>...",
	Short: "Replay dead letters",
	Long: `Replay hands a hub entry back to its handler, or re-enqueues a queue
entry, then removes it from the dead-letter store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var failed int
		for _, id := range args {
			res, err := c.ReplayDeadLetter(ctx, id)
			if err != nil {
				output.Error("%s: %v", id, err)
				failed++
				continue
			}
			target := res.HandlerID
			if target == "" {
				target = "queue message " + res.MessageID
			}
			output.Success("%s replayed to %s", id, target)
		}
		if failed > 0 {
			return errReplayFailed(failed, len(args))
		}
		return nil
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	Aliases: []string{"rm"},
	Short:   "Discard dead letters without replaying them",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		for _, id := range args {
			if err := c.DeleteDeadLetter(ctx, id); err != nil {
				return err
			}
			output.Success("%s deleted", id)
		}
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count dead letters by source",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		st, err := c.DeadLetterStats(ctx)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), st, func() *output.Table {
			tbl := output.NewTable([]string{"SOURCE", "COUNT"})
			sources := make([]string, 0, len(st.BySource))
			for s := range st.BySource {
				sources = append(sources, s)
			}
			slices.Sort(sources)
			for _, s := range sources {
				tbl.AddRow([]string{s, strconv.Itoa(st.BySource[s])})
			}
			tbl.AddRow([]string{"total (" + st.Backend + ")", strconv.Itoa(st.Total)})
			return tbl
		})
	},
}

func errReplayFailed(failed, total int) error {
	return fmt.Errorf("%d of %d replays failed", failed, total)
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqShowCmd, dlqReplayCmd, dlqDeleteCmd, dlqStatsCmd)

	dlqListCmd.Flags().StringP("tenant", "t", "", "only entries for this tenant")
	dlqListCmd.Flags().String("source", "", "only entries from hub or queue")
	dlqListCmd.Flags().IntP("limit", "l", 100, "maximum entries")
}
