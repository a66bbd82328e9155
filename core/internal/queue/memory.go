package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

type memEntry struct {
	msg        Message
	seq        uint64
	leaseToken string
	consumer   string
	// deadLettering is set while the dead-letter callback runs outside the lock.
	deadLettering bool
}

func (e *memEntry) leased() bool {
	return e.leaseToken != ""
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	now     func() time.Time
	seq     uint64
	keys    map[string][]*memEntry
	byID    map[string]*memEntry
	byDedup map[string]*memEntry
	logger  *slog.Logger
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		now:     time.Now,
		keys:    make(map[string][]*memEntry),
		byID:    make(map[string]*memEntry),
		byDedup: make(map[string]*memEntry),
		logger:  slog.Default(),
	}
}

// WithClock replaces the time source; used by tests.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

// WithLogger sets the logger used for lease expiry warnings.
func (q *MemoryQueue) WithLogger(logger *slog.Logger) *MemoryQueue {
	q.logger = logger
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, orderingKey string, payload []byte, opts ...EnqueueOption) (string, error) {
	msg, err := newMessage(orderingKey, payload, opts)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.DedupID != "" {
		if existing, ok := q.byDedup[msg.DedupID]; ok {
			return existing.msg.ID, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	msg.ID = id.String()
	msg.EnqueuedAt = q.now().UTC()

	q.seq++
	e := &memEntry{msg: msg, seq: q.seq}
	q.keys[orderingKey] = append(q.keys[orderingKey], e)
	q.byID[msg.ID] = e
	if msg.DedupID != "" {
		q.byDedup[msg.DedupID] = e
	}

	metrics.QueueEnqueued.Inc()
	return msg.ID, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, consumerID string) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := q.ReapExpired(ctx); err != nil {
		q.logger.WarnContext(ctx, "dead-lettering expired messages failed", logging.Error(err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.expireLocked(ctx, now)

	var best *memEntry
	for _, list := range q.keys {
		head := list[0]
		if head.leased() || head.deadLettering || head.msg.Attempts >= q.opts.MaxAttempts {
			continue
		}
		if now.Before(head.msg.VisibleAt) {
			continue
		}
		if best == nil || head.seq < best.seq {
			best = head
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}

	if best.msg.Attempts > 0 {
		metrics.QueueRedeliveries.Inc()
	}
	best.msg.Attempts++
	best.leaseToken = uuid.NewString()
	best.consumer = consumerID
	best.msg.LeaseExpiresAt = now.Add(q.opts.LeaseDuration).UTC()
	best.msg.VisibleAt = time.Time{}

	return &Delivery{
		Message:    cloneMessage(best.msg),
		LeaseToken: best.leaseToken,
		ConsumerID: consumerID,
	}, nil
}

// expireLocked clears leases that ran out so the heads become visible again.
func (q *MemoryQueue) expireLocked(ctx context.Context, now time.Time) {
	for _, list := range q.keys {
		head := list[0]
		if head.leased() && !now.Before(head.msg.LeaseExpiresAt) {
			q.logger.WarnContext(ctx, "queue lease expired",
				logging.MessageID(head.msg.ID),
				logging.OrderingKey(head.msg.OrderingKey),
				logging.ConsumerID(head.consumer),
				logging.Attempt(head.msg.Attempts),
			)
			metrics.QueueLeaseExpirations.Inc()
			head.leaseToken = ""
			head.consumer = ""
			head.msg.LeaseExpiresAt = time.Time{}
		}
	}
}

// leasedLocked returns the entry if token is its current, unexpired lease.
func (q *MemoryQueue) leasedLocked(ctx context.Context, messageID, leaseToken string) (*memEntry, error) {
	e, ok := q.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	now := q.now()
	if e.leased() && !now.Before(e.msg.LeaseExpiresAt) {
		q.expireLocked(ctx, now)
	}
	if leaseToken == "" || e.leaseToken != leaseToken || e.deadLettering {
		return nil, ErrLeaseExpired
	}
	return e, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, messageID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leasedLocked(ctx, messageID, leaseToken)
	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			metrics.QueueStaleAcks.Inc()
		}
		return err
	}
	q.removeLocked(e)
	metrics.QueueAcked.Inc()
	return nil
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, messageID, leaseToken string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leasedLocked(ctx, messageID, leaseToken)
	if err != nil {
		return err
	}
	e.msg.LeaseExpiresAt = q.now().Add(d).UTC()
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, messageID, leaseToken string) error {
	q.mu.Lock()
	e, err := q.leasedLocked(ctx, messageID, leaseToken)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if e.msg.Attempts >= q.opts.MaxAttempts {
		q.mu.Unlock()
		return q.deadLetter(ctx, e, ReasonMaxAttempts, errAttemptsExhausted)
	}
	e.leaseToken = ""
	e.consumer = ""
	e.msg.LeaseExpiresAt = time.Time{}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, messageID, leaseToken string, delay time.Duration) error {
	q.mu.Lock()
	e, err := q.leasedLocked(ctx, messageID, leaseToken)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if e.msg.Attempts >= q.opts.MaxAttempts {
		q.mu.Unlock()
		return q.deadLetter(ctx, e, ReasonMaxAttempts, errAttemptsExhausted)
	}
	e.leaseToken = ""
	e.consumer = ""
	e.msg.LeaseExpiresAt = time.Time{}
	e.msg.VisibleAt = q.now().Add(delay).UTC()
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Reject(ctx context.Context, messageID, leaseToken string, cause error) error {
	q.mu.Lock()
	e, err := q.leasedLocked(ctx, messageID, leaseToken)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, e, ReasonRejected, cause)
}

func (q *MemoryQueue) ReapExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	q.expireLocked(ctx, q.now())
	var exhausted []*memEntry
	for _, list := range q.keys {
		head := list[0]
		if !head.leased() && !head.deadLettering && head.msg.Attempts >= q.opts.MaxAttempts {
			exhausted = append(exhausted, head)
		}
	}
	q.mu.Unlock()

	reaped := 0
	var firstErr error
	for _, e := range exhausted {
		if err := q.deadLetter(ctx, e, ReasonMaxAttempts, errAttemptsExhausted); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reaped++
	}
	return reaped, firstErr
}

// deadLetter hands e to the dead-letter callback and removes it on success.
func (q *MemoryQueue) deadLetter(ctx context.Context, e *memEntry, reason string, cause error) error {
	q.mu.Lock()
	if e.deadLettering {
		q.mu.Unlock()
		return nil
	}
	e.deadLettering = true
	msg := cloneMessage(e.msg)
	q.mu.Unlock()

	var err error
	if q.opts.OnDeadLetter == nil {
		err = errNoDeadLetterSink
	} else {
		err = q.opts.OnDeadLetter(ctx, msg, reason, cause)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e.deadLettering = false
	if err != nil {
		return err
	}
	if _, still := q.byID[e.msg.ID]; still {
		q.removeLocked(e)
	}
	return nil
}

func (q *MemoryQueue) removeLocked(e *memEntry) {
	list := q.keys[e.msg.OrderingKey]
	for i, candidate := range list {
		if candidate == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.keys, e.msg.OrderingKey)
	} else {
		q.keys[e.msg.OrderingKey] = list
	}
	delete(q.byID, e.msg.ID)
	if e.msg.DedupID != "" && q.byDedup[e.msg.DedupID] == e {
		delete(q.byDedup, e.msg.DedupID)
	}
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	st := Stats{Keys: len(q.keys)}
	for _, list := range q.keys {
		for _, e := range list {
			if e.leased() && now.Before(e.msg.LeaseExpiresAt) {
				st.InFlight++
			} else {
				st.Pending++
			}
		}
	}
	return st, nil
}

func (q *MemoryQueue) PendingForKey(ctx context.Context, orderingKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys[orderingKey]), nil
}

func cloneMessage(m Message) Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}

var _ Queue = (*MemoryQueue)(nil)
