package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Show which handlers receive which event types",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		snap, err := c.Subscriptions(ctx)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), snap, func() *output.Table {
			tbl := output.NewTable([]string{"PATTERN", "HANDLERS"})
			for _, s := range snap.Subscriptions {
				tbl.AddRow([]string{s.Pattern, strings.Join(s.Handlers, ", ")})
			}
			return tbl
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Durable queue inspection",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and applier counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		st, err := c.QueueStats(ctx)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), st, func() *output.Table {
			tbl := output.NewTable([]string{"METRIC", "VALUE"})
			tbl.AddRow([]string{"pending", strconv.Itoa(st.Pending)})
			tbl.AddRow([]string{"in_flight", strconv.Itoa(st.InFlight)})
			tbl.AddRow([]string{"ordering_keys", strconv.Itoa(st.Keys)})
			tbl.AddRow([]string{"applied", strconv.FormatUint(st.Applier.Applied, 10)})
			tbl.AddRow([]string{"skipped", strconv.FormatUint(st.Applier.Skipped, 10)})
			tbl.AddRow([]string{"failed", strconv.FormatUint(st.Applier.Failed, 10)})
			return tbl
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Search archived events",
}

var archiveSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search a tenant's archived events",
	Example: `  taskctl archive search --tenant acme --type TaskCreated --since 24h
  taskctl archive search --tenant acme --since 2026-03-01T00:00:00Z -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var q client.ArchiveQuery
		q.TenantID, _ = cmd.Flags().GetString("tenant")
		q.Type, _ = cmd.Flags().GetString("type")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		if q.TenantID == "" {
			return errors.New("--tenant is required")
		}
		since, _ := cmd.Flags().GetString("since")
		if q.Since, err = parseSince(since, time.Now()); err != nil {
			return err
		}

		events, err := c.SearchArchive(ctx, q)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), events, func() *output.Table {
			tbl := output.NewTable([]string{"EVENT", "TYPE", "CREATED", "PAYLOAD"})
			for _, e := range events {
				payload := string(e.Payload)
				if len(payload) > 60 {
					payload = payload[:57] + "..."
				}
				tbl.AddRow([]string{e.EventID, e.Type, e.CreatedAt.Format(time.RFC3339), payload})
			}
			return tbl
		})
	},
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("--since must be RFC3339 or a positive duration, got %q", s)
	}
	return now.Add(-d), nil
}

func init() {
	rootCmd.AddCommand(subscriptionsCmd)
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveSearchCmd)

	archiveSearchCmd.Flags().StringP("tenant", "t", "", "tenant id")
	archiveSearchCmd.Flags().String("type", "", "event type")
	archiveSearchCmd.Flags().String("since", "", "RFC3339 time or duration such as 24h")
	archiveSearchCmd.Flags().IntP("limit", "l", 100, "maximum events")
}
