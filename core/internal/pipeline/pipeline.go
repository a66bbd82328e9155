// Package pipeline assembles the event pipeline: publisher, hub, handler
// pool, durable queue, consumers and the dead-letter sink.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/archive"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/hub"
	"github.com/telhawk-systems/taskhub-stack/core/internal/publisher"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

// Options tune the assembled pipeline.
type Options struct {
	Hub                hub.Config
	Pool               workers.PoolConfig
	Queue              queue.Options
	Consumer           queue.ConsumerConfig
	Consumers          int
	ReapInterval       time.Duration
	MaxAttachmentBytes int64
}

// Backends are the storage and transport implementations picked by
// configuration. Archive, Alerts and Queue are optional: without Archive the
// event-archiver handler is not registered, without Alerts dead letters are
// only logged, and without Queue an in-memory queue is used.
type Backends struct {
	Tenants     tenant.Registry
	Store       store.Store
	Blobs       blob.Store
	Dedup       dedup.Store
	DeadLetters dlq.Sink
	EventLog    hub.EventLog
	Archive     archive.Archive
	Alerts      messaging.Publisher
	Queue       queue.Queue
}

// Pipeline is a running instance of every component.
type Pipeline struct {
	Tenants     tenant.Registry
	Hub         *hub.Hub
	Pool        *workers.Pool
	Queue       queue.Queue
	Publisher   *publisher.Publisher
	Tasks       *service.TaskService
	Applier     *service.Applier
	DeadLetters dlq.Sink
	Archive     archive.Archive

	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New wires the components and registers the default subscriptions.
func New(opts Options, b Backends, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if b.Tenants == nil || b.Store == nil || b.Blobs == nil || b.Dedup == nil || b.DeadLetters == nil || b.EventLog == nil {
		return nil, errors.New("pipeline: tenants, store, blobs, dedup, dead letters and event log are required")
	}
	if opts.Consumers <= 0 {
		opts.Consumers = 1
	}

	dead := dlq.NewAlertingSink(b.DeadLetters, b.Alerts, logger)

	q := b.Queue
	if q == nil {
		qo := opts.Queue
		qo.OnDeadLetter = QueueDeadLetter(dead)
		q = queue.NewMemoryQueue(qo).WithLogger(logger)
	}

	pool := workers.NewPool(opts.Pool, logger)
	handlers := []workers.Handler{
		workers.NewTaskEnricher(b.Dedup, q, logger),
		workers.NewAttachmentProcessor(b.Tenants, b.Blobs, b.Dedup, q, logger),
	}
	if b.Archive != nil {
		handlers = append(handlers, workers.NewEventArchiver(b.Archive))
	}
	for _, h := range handlers {
		if err := pool.Register(h); err != nil {
			return nil, fmt.Errorf("register handler %s: %w", h.ID(), err)
		}
	}

	h := hub.New(opts.Hub, b.EventLog, pool, dead, logger)
	if err := DefaultSubscriptions(h, b.Archive != nil); err != nil {
		return nil, err
	}

	pub := publisher.New(b.Tenants, h, logger)
	return &Pipeline{
		Tenants:     b.Tenants,
		Hub:         h,
		Pool:        pool,
		Queue:       q,
		Publisher:   pub,
		Tasks:       service.NewTaskService(b.Store, b.Blobs, pub, opts.MaxAttachmentBytes, logger),
		Applier:     service.NewApplier(b.Tenants, b.Store, logger),
		DeadLetters: dead,
		Archive:     b.Archive,
		opts:        opts,
		logger:      logger,
	}, nil
}

// DefaultSubscriptions binds the built-in handlers to the event types they
// consume.
func DefaultSubscriptions(h *hub.Hub, archiving bool) error {
	subs := [][2]string{
		{"Task*", workers.TaskEnricherID},
		{"AttachmentUploaded", workers.AttachmentProcessorID},
	}
	if archiving {
		subs = append(subs, [2]string{"*", workers.EventArchiverID})
	}
	for _, s := range subs {
		if _, err := h.Subscribe(s[0], s[1]); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", s[1], s[0], err)
		}
	}
	return nil
}

// QueueDeadLetter stores exhausted or rejected queue messages in sink.
func QueueDeadLetter(sink dlq.Sink) queue.DeadLetterFunc {
	return func(ctx context.Context, msg queue.Message, reason string, cause error) error {
		e := dlq.Entry{
			Source:      dlq.SourceQueue,
			TenantID:    msg.TenantID,
			Reason:      reason,
			Attempts:    msg.Attempts,
			MessageID:   msg.ID,
			OrderingKey: msg.OrderingKey,
			Kind:        msg.Kind,
			Payload:     rawPayload(msg.Payload),
		}
		if cause != nil {
			e.Error = cause.Error()
		}
		_, err := sink.Write(ctx, e)
		return err
	}
}

// rawPayload keeps JSON payloads as they are and quotes anything else so the
// entry stays encodable.
func rawPayload(p []byte) json.RawMessage {
	if len(p) == 0 {
		return nil
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	quoted, _ := json.Marshal(string(p))
	return quoted
}

// Start launches the queue consumers and the lease reaper.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.opts.Consumers; i++ {
		cfg := p.opts.Consumer
		cfg.ID = cfg.ID + "consumer-" + strconv.Itoa(i)
		c := queue.NewConsumer(p.Queue, p.Applier, cfg, p.logger)
		p.running.Add(1)
		go func() {
			defer p.running.Done()
			c.Run(ctx)
		}()
	}

	p.running.Add(1)
	go func() {
		defer p.running.Done()
		queue.RunReaper(ctx, p.Queue, p.opts.ReapInterval, p.logger)
	}()
}

// AdminService returns the operator surface over this pipeline.
func (p *Pipeline) AdminService(tokens service.TokenIssuer) *service.AdminService {
	return service.NewAdminService(service.AdminDeps{
		Tenants:       p.Tenants,
		DeadLetters:   p.DeadLetters,
		Hub:           p.Hub,
		Subscriptions: p.Hub.Subscriptions(),
		Queue:         p.Queue,
		Archive:       p.Archive,
		Tokens:        tokens,
		Applier:       p.Applier,
	}, p.logger)
}

// Shutdown drains in-flight deliveries, stops the handler pool and then the
// queue consumers, so results produced while draining are still enqueued.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close hub: %w", err))
	}
	if err := p.Pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop consumers: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
