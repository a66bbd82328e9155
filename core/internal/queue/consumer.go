package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/tracing"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/retry"
)

// Applier applies one message to downstream state. It must be idempotent:
// a message can be applied again after a lease expiry.
type Applier interface {
	Apply(ctx context.Context, msg Message) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, msg Message) error

func (f ApplierFunc) Apply(ctx context.Context, msg Message) error { return f(ctx, msg) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an apply error that retrying cannot fix; the message is
// dead-lettered immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsumerConfig configures a consumer loop.
type ConsumerConfig struct {
	ID           string
	PollInterval time.Duration
	ApplyTimeout time.Duration
	// Retry sets how long a failed message stays hidden before it is redelivered.
	Retry retry.Policy
}

// Consumer receives messages and applies them one at a time.
type Consumer struct {
	q       Queue
	applier Applier
	cfg     ConsumerConfig
	logger  *slog.Logger
}

func NewConsumer(q Queue, applier Applier, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		q:       q,
		applier: applier,
		cfg:     cfg,
		logger:  logger.With(logging.ConsumerID(cfg.ID)),
	}
}

// Run processes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("queue consumer started")
	defer c.logger.Info("queue consumer stopped")

	for {
		processed, err := c.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("queue consumer error", logging.Error(err))
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// ProcessOne receives and handles a single message. It reports false when the
// queue had nothing to deliver.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	d, err := c.q.Receive(ctx, c.cfg.ID)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return false, nil
		}
		return false, err
	}

	msg := d.Message
	log := c.logger.With(
		logging.MessageID(msg.ID),
		logging.OrderingKey(msg.OrderingKey),
		logging.TenantID(msg.TenantID),
		logging.Attempt(msg.Attempts),
		slog.String("kind", msg.Kind),
	)

	spanCtx, span := tracing.StartApplySpan(logging.WithTenant(ctx, msg.TenantID), msg.OrderingKey, msg.ID, msg.Attempts)
	applyCtx, cancel := context.WithTimeout(spanCtx, c.cfg.ApplyTimeout)
	start := time.Now()
	applyErr := c.applier.Apply(applyCtx, msg)
	cancel()
	metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	tracing.EndSpanWithError(span, applyErr)

	// Lease bookkeeping must survive a cancelled parent context.
	bg := context.WithoutCancel(ctx)

	switch {
	case applyErr == nil:
		if err := c.q.Ack(bg, msg.ID, d.LeaseToken); err != nil {
			if errors.Is(err, ErrLeaseExpired) {
				log.Warn("ack rejected, message was redelivered", logging.Error(err))
				return true, nil
			}
			return true, fmt.Errorf("ack %s: %w", msg.ID, err)
		}
		log.Debug("queue message applied")
		return true, nil

	case ctx.Err() != nil:
		if err := c.q.Release(bg, msg.ID, d.LeaseToken); err != nil {
			log.Warn("failed to release message on shutdown", logging.Error(err))
		}
		return true, nil

	case IsPermanent(applyErr):
		log.Error("queue message rejected", logging.Error(applyErr))
		if err := c.q.Reject(bg, msg.ID, d.LeaseToken, applyErr); err != nil {
			return true, fmt.Errorf("reject %s: %w", msg.ID, err)
		}
		return true, nil

	default:
		delay := c.cfg.Retry.Delay(msg.Attempts)
		log.Warn("queue message apply failed, will redeliver",
			logging.Error(applyErr),
			slog.Duration("retry_in", delay),
		)
		if err := c.q.Nack(bg, msg.ID, d.LeaseToken, delay); err != nil && !errors.Is(err, ErrLeaseExpired) {
			return true, fmt.Errorf("delay redelivery of %s: %w", msg.ID, err)
		}
		return true, nil
	}
}

// RunReaper dead-letters exhausted messages and refreshes the depth gauges
// every interval until ctx is cancelled.
func RunReaper(ctx context.Context, q Queue, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := q.ReapExpired(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("queue reaper failed", logging.Error(err))
		}
		if n > 0 {
			logger.Info("queue reaper dead-lettered messages", slog.Int("count", n))
		}

		if st, err := q.Stats(ctx); err == nil {
			metrics.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
			metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(st.InFlight))
		}
	}
}
