package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging/nats"
)

const jetStreamFetchBatch = 100

// JetStreamSink stores dead letters in the TASKHUB_DLQ stream so every core
// instance shares one dead-letter store.
type JetStreamSink struct {
	js     *nats.JetStreamClient
	stream jetstream.Stream
}

// NewJetStreamSink creates the DLQ stream if needed.
func NewJetStreamSink(ctx context.Context, js *nats.JetStreamClient) (*JetStreamSink, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("DLQ JetStream stream ready", slog.String("stream", nats.DeadLetterStream.Name))

	return &JetStreamSink{js: js, stream: stream}, nil
}

// Write publishes the entry on taskhub.dlq.<source>.<tenant>.
func (s *JetStreamSink) Write(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e)

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal dlq entry: %w", err)
	}

	msg := &messaging.Message{
		Subject:  messaging.DeadLetterSubject(string(e.Source), e.TenantID),
		Data:     data,
		Metadata: map[string]string{"Taskhub-Dlq-Id": e.ID},
	}
	if _, err := s.js.PublishDurable(ctx, msg, e.ID); err != nil {
		return Entry{}, fmt.Errorf("publish dlq entry: %w", err)
	}
	return e, nil
}

// scan walks the stream from the first message, stopping when fn returns false.
func (s *JetStreamSink) scan(ctx context.Context, fn func(seq uint64, e Entry) bool) error {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("dlq stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil
	}
	lastSeq := info.State.LastSeq

	consumer, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectDeadLetterPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create dlq scan consumer: %w", err)
	}

	for {
		batch, err := consumer.Fetch(jetStreamFetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return fmt.Errorf("fetch dlq messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			seq := meta.Sequence.Stream

			var e Entry
			if err := json.Unmarshal(msg.Data(), &e); err != nil {
				slog.Error("failed to parse DLQ message", slog.Uint64("seq", seq), slog.String("error", err.Error()))
			} else if !fn(seq, e) {
				return nil
			}
			if seq >= lastSeq {
				return nil
			}
		}
		if received == 0 {
			return nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("fetch dlq messages: %w", err)
		}
	}
}

func (s *JetStreamSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := s.scan(ctx, func(_ uint64, e Entry) bool {
		if f.matches(e) {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return sortAndLimit(out, f.Limit), nil
}

func (s *JetStreamSink) find(ctx context.Context, id string) (uint64, Entry, error) {
	var (
		foundSeq uint64
		found    Entry
	)
	err := s.scan(ctx, func(seq uint64, e Entry) bool {
		if e.ID == id {
			foundSeq, found = seq, e
			return false
		}
		return true
	})
	if err != nil {
		return 0, Entry{}, err
	}
	if foundSeq == 0 {
		return 0, Entry{}, ErrNotFound
	}
	return foundSeq, found, nil
}

func (s *JetStreamSink) Get(ctx context.Context, id string) (Entry, error) {
	_, e, err := s.find(ctx, id)
	return e, err
}

func (s *JetStreamSink) Delete(ctx context.Context, id string) error {
	seq, _, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.stream.DeleteMsg(ctx, seq); err != nil {
		return fmt.Errorf("delete dlq message: %w", err)
	}
	return nil
}

func (s *JetStreamSink) Stats(ctx context.Context) (Stats, error) {
	var all []Entry
	if err := s.scan(ctx, func(_ uint64, e Entry) bool {
		all = append(all, e)
		return true
	}); err != nil {
		return Stats{}, err
	}
	return countStats("jetstream", all), nil
}

var _ Sink = (*JetStreamSink)(nil)
