package workers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/common/tracing"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

var (
	ErrUnknownHandler    = errors.New("unknown handler")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrPoolClosed        = errors.New("worker pool closed")
	ErrInvocationTimeout = errors.New("handler invocation timed out")
)

// PoolConfig sizes the per-handler lanes.
type PoolConfig struct {
	WorkersPerHandler int
	InvocationTimeout time.Duration
}

// Pool runs each registered handler on its own lane of workers. A lane has
// WorkersPerHandler shards; invocations for the same tenant and event type
// always land on the same shard and run in submission order.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	handler Handler
	shards  []*shard
}

type task struct {
	ctx     context.Context
	ev      *models.Event
	attempt int
	result  chan Result
}

// shard is an unbounded FIFO drained by a single worker goroutine.
type shard struct {
	mu    sync.Mutex
	tasks []*task
	wake  chan struct{}
	done  chan struct{}
}

func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.WorkersPerHandler <= 0 {
		cfg.WorkersPerHandler = 4
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		lanes:  make(map[string]*lane),
	}
}

// Register adds a handler and starts its lane.
func (p *Pool) Register(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.lanes[h.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.ID())
	}

	l := &lane{handler: h, shards: make([]*shard, p.cfg.WorkersPerHandler)}
	for i := range l.shards {
		s := &shard{wake: make(chan struct{}, 1), done: make(chan struct{})}
		l.shards[i] = s
		p.wg.Add(1)
		go p.work(h, s)
	}
	p.lanes[h.ID()] = l

	p.logger.Info("handler registered",
		logging.HandlerID(h.ID()),
		slog.Int("workers", p.cfg.WorkersPerHandler),
	)
	return nil
}

// Has reports whether a handler with the id is registered.
func (p *Pool) Has(handlerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.lanes[handlerID]
	return ok
}

// Handlers lists registered handler ids.
func (p *Pool) Handlers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.lanes))
	for id := range p.lanes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submit queues one invocation and returns its future. The channel receives
// exactly one Result and is never closed.
func (p *Pool) Submit(ctx context.Context, handlerID string, ev *models.Event, attempt int) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	l, ok := p.lanes[handlerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerID)
	}

	t := &task{ctx: ctx, ev: ev, attempt: attempt, result: make(chan Result, 1)}
	s := l.shards[shardIndex(ev, len(l.shards))]

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t.result, nil
}

func shardIndex(ev *models.Event, n int) int {
	h := fnv.New32a()
	h.Write([]byte(ev.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Type))
	return int(h.Sum32() % uint32(n))
}

func (p *Pool) work(h Handler, s *shard) {
	defer p.wg.Done()
	for {
		select {
		case <-s.done:
			p.failPending(s)
			return
		default:
		}

		s.mu.Lock()
		var t *task
		if len(s.tasks) > 0 {
			t = s.tasks[0]
			s.tasks[0] = nil
			s.tasks = s.tasks[1:]
		}
		s.mu.Unlock()

		if t != nil {
			t.result <- p.invoke(h, t)
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			p.failPending(s)
			return
		}
	}
}

// failPending answers everything still queued on a closing shard.
func (p *Pool) failPending(s *shard) {
	s.mu.Lock()
	pending := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, t := range pending {
		t.result <- Retry(ErrPoolClosed)
	}
}

// invoke runs one handler call under the invocation timeout. A call that
// overruns is abandoned and reported as Retryable; its goroutine finishes in
// the background.
func (p *Pool) invoke(h Handler, t *task) Result {
	if err := t.ctx.Err(); err != nil {
		return Retry(err)
	}

	ctx, span := tracing.StartInvokeSpan(logging.WithTenant(t.ctx, t.ev.TenantID), h.ID(), t.ev.ID, t.attempt)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.InvocationTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Retry(fmt.Errorf("handler panicked: %v", r))
			}
		}()
		done <- h.Handle(ctx, t.ev)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = Retry(fmt.Errorf("%w after %s", ErrInvocationTimeout, p.cfg.InvocationTimeout))
		} else {
			res = Retry(ctx.Err())
		}
	}

	metrics.InvocationDuration.WithLabelValues(h.ID()).Observe(time.Since(start).Seconds())
	tracing.EndSpanWithError(span, res.Err)
	return res
}

// Close stops accepting work and waits for the workers to exit. Invocations
// still queued are answered with Retryable.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, l := range p.lanes {
		for _, s := range l.shards {
			close(s.done)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
