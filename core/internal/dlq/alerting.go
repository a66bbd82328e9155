package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

// Alert is published for every new dead letter.
type Alert struct {
	EntryID     string    `json:"entry_id"`
	Source      Source    `json:"source"`
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

// AlertingSink raises an alert after each successful write to the wrapped sink:
// an ERROR log record, the dead letter counters and, when a publisher is set,
// a message on taskhub.alerts.deadletter.
type AlertingSink struct {
	Sink
	publisher messaging.Publisher
	logger    *slog.Logger
}

// NewAlertingSink wraps sink. publisher may be nil.
func NewAlertingSink(sink Sink, publisher messaging.Publisher, logger *slog.Logger) *AlertingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertingSink{Sink: sink, publisher: publisher, logger: logger}
}

func (s *AlertingSink) Write(ctx context.Context, e Entry) (Entry, error) {
	stored, err := s.Sink.Write(ctx, e)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store dead letter",
			logging.TenantID(e.TenantID),
			slog.String("source", string(e.Source)),
			logging.Error(err),
		)
		return Entry{}, err
	}

	alert := alertFor(stored)
	metrics.DeadLetters.WithLabelValues(string(stored.Source), stored.Reason).Inc()
	metrics.DeadLetterAlerts.WithLabelValues(string(stored.Source)).Inc()

	s.logger.ErrorContext(ctx, "dead letter stored",
		slog.String("dlq_id", stored.ID),
		slog.String("source", string(stored.Source)),
		logging.TenantID(stored.TenantID),
		logging.HandlerID(stored.HandlerID),
		logging.EventID(alert.EventID),
		logging.MessageID(stored.MessageID),
		logging.OrderingKey(stored.OrderingKey),
		logging.Attempt(stored.Attempts),
		slog.String("reason", stored.Reason),
		slog.String("cause", stored.Error),
	)

	if s.publisher != nil {
		data, err := json.Marshal(alert)
		if err == nil {
			err = s.publisher.Publish(ctx, messaging.SubjectAlertsDeadLetter, data)
		}
		if err != nil {
			// The entry is stored; a lost alert only loses the notification.
			s.logger.WarnContext(ctx, "failed to publish dead letter alert",
				slog.String("dlq_id", stored.ID),
				logging.Error(err),
			)
		}
	}

	return stored, nil
}

func alertFor(e Entry) Alert {
	a := Alert{
		EntryID:     e.ID,
		Source:      e.Source,
		TenantID:    e.TenantID,
		HandlerID:   e.HandlerID,
		MessageID:   e.MessageID,
		OrderingKey: e.OrderingKey,
		Reason:      e.Reason,
		Error:       e.Error,
		Attempts:    e.Attempts,
		At:          e.DeadLetteredAt,
	}
	if e.Event != nil {
		a.EventID = e.Event.ID
	}
	return a
}
