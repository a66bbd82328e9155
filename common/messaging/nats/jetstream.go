package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/telhawk-systems/taskhub-stack/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string

	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishDurable publishes msg and returns the stream sequence once stored.
// When dedupID is set it is sent as Nats-Msg-Id so the stream drops repeats
// inside its duplicate window; a dropped repeat still returns the original sequence.
func (c *JetStreamClient) PublishDurable(ctx context.Context, msg *messaging.Message, dedupID string) (uint64, error) {
	var opts []jetstream.PublishOpt
	if dedupID != "" {
		opts = append(opts, jetstream.WithMsgID(dedupID))
	}

	ack, err := c.js.PublishMsg(ctx, messageToNATS(msg), opts...)
	if err != nil {
		return 0, fmt.Errorf("jetstream publish %s: %w", msg.Subject, err)
	}
	return ack.Sequence, nil
}

var _ messaging.DurablePublisher = (*JetStreamClient)(nil)

// Stream definitions used by taskhub.
var (
	// EventsStream is the durable event log behind the distribution hub.
	EventsStream = StreamConfig{
		Name:       "TASKHUB_EVENTS",
		Subjects:   []string{messaging.SubjectEventsPrefix + ".>"},
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024, // 1GB
		MaxMsgs:    10_000_000,
		Duplicates: 10 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}

	// DeadLetterStream keeps dead-lettered events and messages until an operator acts.
	DeadLetterStream = StreamConfig{
		Name:       "TASKHUB_DLQ",
		Subjects:   []string{messaging.SubjectDeadLetterPrefix + ".>"},
		MaxAge:     30 * 24 * time.Hour,
		MaxBytes:   256 * 1024 * 1024, // 256MB
		MaxMsgs:    1_000_000,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}
)
