// Package hub fans published events out to subscribed handlers with
// per-delivery retries and dead-lettering.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/common/tracing"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/retry"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

var (
	ErrClosed         = errors.New("hub closed")
	ErrUnknownHandler = errors.New("unknown handler")
)

// Invoker runs handler invocations and returns their futures.
type Invoker interface {
	Has(handlerID string) bool
	Submit(ctx context.Context, handlerID string, ev *models.Event, attempt int) (<-chan workers.Result, error)
}

type Config struct {
	MaxAttempts int
	Retry       retry.Policy
}

// Hub owns the subscription table and the delivery of every event to each
// matching handler.
type Hub struct {
	cfg     Config
	table   *SubscriptionTable
	log     EventLog
	invoker Invoker
	dead    dlq.Sink
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	// sleep waits for a retry backoff; tests replace it.
	sleep func(d time.Duration, stop <-chan struct{}) bool
}

func New(cfg Config, log EventLog, invoker Invoker, dead dlq.Sink, logger *slog.Logger) *Hub {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		table:   NewSubscriptionTable(),
		log:     log,
		invoker: invoker,
		dead:    dead,
		logger:  logger,
		stop:    make(chan struct{}),
		sleep:   sleepOrStop,
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

// Subscriptions exposes the table for inspection.
func (h *Hub) Subscriptions() *SubscriptionTable { return h.table }

// Subscribe binds a registered handler to an event type pattern.
func (h *Hub) Subscribe(pattern, handlerID string) (uint64, error) {
	if !h.invoker.Has(handlerID) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerID)
	}
	v, err := h.table.Subscribe(pattern, handlerID)
	if err != nil {
		return 0, err
	}
	h.logger.Info("handler subscribed",
		logging.HandlerID(handlerID),
		slog.String("pattern", pattern),
		slog.Uint64("table_version", v),
	)
	return v, nil
}

func (h *Hub) Unsubscribe(pattern, handlerID string) (uint64, error) {
	v, err := h.table.Unsubscribe(pattern, handlerID)
	if err != nil {
		return v, err
	}
	h.logger.Info("handler unsubscribed",
		logging.HandlerID(handlerID),
		slog.String("pattern", pattern),
		slog.Uint64("table_version", v),
	)
	return v, nil
}

// Dispatch records ev in the event log and starts one independent delivery
// per matching handler. It returns once the event is durable and every first
// attempt is queued; handler outcomes never surface here.
func (h *Hub) Dispatch(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	ctx, span := tracing.StartDispatchSpan(ctx, ev.TenantID, ev.ID, ev.Type)
	if err := h.log.Append(ctx, ev); err != nil {
		tracing.EndSpanWithError(span, err)
		return fmt.Errorf("record event: %w", err)
	}
	defer tracing.EndSpanWithError(span, nil)

	handlers := h.table.Match(ev.Type)
	log := h.logger.With(
		logging.TenantID(ev.TenantID),
		logging.EventID(ev.ID),
		logging.EventType(ev.Type),
	)
	if len(handlers) == 0 {
		log.DebugContext(ctx, "no subscribers for event")
		return nil
	}

	for _, handlerID := range handlers {
		h.start(ctx, handlerID, ev)
	}
	log.DebugContext(ctx, "event dispatched", slog.Int("handlers", len(handlers)))
	return nil
}

// Redeliver starts a fresh delivery of ev to one handler, used to replay a
// dead letter. The event is not appended to the log again.
func (h *Hub) Redeliver(ctx context.Context, handlerID string, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if !h.invoker.Has(handlerID) {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, handlerID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	h.start(ctx, handlerID, ev)
	return nil
}

// start submits the first attempt synchronously so submissions keep publish
// order, then follows the delivery in its own goroutine. Callers hold h.mu.
func (h *Hub) start(ctx context.Context, handlerID string, ev *models.Event) {
	d := &delivery{handlerID: handlerID, ev: ev, state: statePending}
	metrics.InFlightDeliveries.Inc()
	h.wg.Add(1)

	// Invocations outlive the request that published the event.
	invokeCtx := context.WithoutCancel(ctx)
	future, err := h.submit(invokeCtx, d)
	go func() {
		defer h.wg.Done()
		defer metrics.InFlightDeliveries.Dec()
		h.run(invokeCtx, d, future, err)
	}()
}

type deliveryState int

const (
	statePending deliveryState = iota
	stateInFlight
	stateRetrying
	stateAcked
	stateDeadLettered
)

func (s deliveryState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateInFlight:
		return "in_flight"
	case stateRetrying:
		return "retrying"
	case stateAcked:
		return "acked"
	case stateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// delivery is one event on its way to one handler.
type delivery struct {
	handlerID string
	ev        *models.Event
	state     deliveryState
	attempt   int
	lastErr   error
}

func (h *Hub) submit(ctx context.Context, d *delivery) (<-chan workers.Result, error) {
	d.attempt++
	d.state = stateInFlight
	return h.invoker.Submit(ctx, d.handlerID, d.ev, d.attempt)
}

// run drives a delivery until it is acked or dead-lettered:
//
//	Pending -> InFlight -> Acked
//	                    -> Retrying -> InFlight
//	                    -> DeadLettered
func (h *Hub) run(ctx context.Context, d *delivery, future <-chan workers.Result, submitErr error) {
	log := h.logger.With(
		logging.HandlerID(d.handlerID),
		logging.TenantID(d.ev.TenantID),
		logging.EventID(d.ev.ID),
		logging.EventType(d.ev.Type),
	)

	for {
		var res workers.Result
		if submitErr != nil {
			res = workers.Retry(submitErr)
		} else {
			res = <-future
		}
		metrics.Dispatches.WithLabelValues(d.handlerID, res.Outcome.String()).Inc()

		switch res.Outcome {
		case workers.Applied, workers.AlreadyApplied:
			d.state = stateAcked
			log.DebugContext(ctx, "delivery acked",
				logging.Attempt(d.attempt),
				slog.String("outcome", res.Outcome.String()),
			)
			return

		case workers.Fatal:
			d.lastErr = res.Err
			h.deadLetter(ctx, log, d, dlq.ReasonFatal)
			return
		}

		d.lastErr = res.Err
		if d.attempt >= h.cfg.MaxAttempts {
			h.deadLetter(ctx, log, d, dlq.ReasonMaxAttempts)
			return
		}

		d.state = stateRetrying
		delay := h.cfg.Retry.Delay(d.attempt)
		metrics.Retries.WithLabelValues(d.handlerID).Inc()
		log.WarnContext(ctx, "handler invocation failed, retrying",
			logging.Attempt(d.attempt),
			logging.Error(res.Err),
			slog.Duration("retry_in", delay),
		)

		if !h.sleep(delay, h.stop) {
			h.deadLetter(ctx, log, d, dlq.ReasonShutdown)
			return
		}
		future, submitErr = h.submit(ctx, d)
	}
}

// deadLetter stores the delivery in the dead-letter sink, retrying a failing
// sink with backoff. Only a closing hub gives up on it.
func (h *Hub) deadLetter(ctx context.Context, log *slog.Logger, d *delivery, reason string) {
	d.state = stateDeadLettered
	errText := ""
	if d.lastErr != nil {
		errText = d.lastErr.Error()
	}
	entry := dlq.Entry{
		Source:    dlq.SourceHub,
		TenantID:  d.ev.TenantID,
		Reason:    reason,
		Error:     errText,
		Attempts:  d.attempt,
		HandlerID: d.handlerID,
		Event:     d.ev,
	}

	for attempt := 1; ; attempt++ {
		_, err := h.dead.Write(ctx, entry)
		if err == nil {
			return
		}
		closing := h.closing()
		if closing && attempt >= closingWriteAttempts {
			log.ErrorContext(ctx, "failed to store dead letter while closing, delivery dropped",
				logging.Attempt(d.attempt),
				slog.String("reason", reason),
				logging.Error(err),
			)
			return
		}

		delay := h.cfg.Retry.Delay(attempt)
		log.WarnContext(ctx, "failed to store dead letter, retrying",
			slog.String("reason", reason),
			slog.Duration("retry_in", delay),
			logging.Error(err),
		)
		if closing {
			time.Sleep(min(delay, closingWriteDelay))
		} else {
			h.sleep(delay, h.stop)
		}
	}
}

// Dead-letter writes once the hub is closing are bounded.
const (
	closingWriteAttempts = 3
	closingWriteDelay    = 250 * time.Millisecond
)

func (h *Hub) closing() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Close stops accepting events. Deliveries already in flight finish; those
// waiting for a retry are dead-lettered with reason shutdown. Close returns
// when every delivery is settled or ctx ends.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stop)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("hub drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
