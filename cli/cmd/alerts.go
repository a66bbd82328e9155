package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging/nats"
)

// deadLetterAlert mirrors the alert the core service publishes for each new
// dead letter.
type deadLetterAlert struct {
	EntryID     string    `json:"entry_id"`
	Source      string    `json:"source"`
	TenantID    string    `json:"tenant_id"`
	HandlerID   string    `json:"handler_id,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	OrderingKey string    `json:"ordering_key,omitempty"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

func (a deadLetterAlert) summary() string {
	origin := a.HandlerID
	if origin == "" {
		origin = a.OrderingKey
	}
	return fmt.Sprintf("%s %-5s tenant=%s origin=%s reason=%s attempts=%d entry=%s: %s",
		a.At.Local().Format("15:04:05"), a.Source, a.TenantID, origin, a.Reason, a.Attempts, a.EntryID, a.Error)
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Dead-letter alerts",
}

var alertsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream dead-letter alerts from NATS",
	Long: `Subscribe to the dead-letter alert subject and print each alert until
interrupted. Requires the core service to run with dlq.alerts enabled.

With --group, watchers sharing the group name split the alerts between them
so each alert reaches only one of them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			natsURL = cfg.GetNATSURL(profileName(cmd))
		}
		tenantID, _ := cmd.Flags().GetString("tenant")
		group, _ := cmd.Flags().GetString("group")

		nc, err := nats.NewClient(nats.Config{URL: natsURL, Name: "taskctl-alerts"})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", natsURL, err)
		}
		defer nc.Close()

		format := outputFormat(cmd)
		handle := func(_ context.Context, msg *messaging.Message) error {
			var a deadLetterAlert
			if err := json.Unmarshal(msg.Data, &a); err != nil {
				output.Warn("undecodable alert: %v", err)
				return nil
			}
			if tenantID != "" && a.TenantID != tenantID {
				return nil
			}
			if format == "json" {
				return output.JSON(a)
			}
			output.Error("%s", a.summary())
			return nil
		}

		var sub messaging.Subscription
		if group != "" {
			sub, err = nc.QueueSubscribe(messaging.SubjectAlertsDeadLetter, group, handle)
		} else {
			sub, err = nc.Subscribe(messaging.SubjectAlertsDeadLetter, handle)
		}
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		output.Info("Watching %s on %s (Ctrl-C to stop)", messaging.SubjectAlertsDeadLetter, natsURL)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsWatchCmd)
	alertsWatchCmd.Flags().String("nats-url", "", "NATS URL (default: from profile)")
	alertsWatchCmd.Flags().StringP("tenant", "t", "", "only alerts for this tenant")
	alertsWatchCmd.Flags().String("group", "", "queue group; watchers in one group share the alerts")
}
