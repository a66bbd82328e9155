package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/core/internal/pgtest"
)

type deadLetter struct {
	msg    Message
	reason string
	cause  error
}

type deadRecorder struct {
	mu      sync.Mutex
	entries []deadLetter
	fail    error
}

func (r *deadRecorder) record(ctx context.Context, msg Message, reason string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.entries = append(r.entries, deadLetter{msg: msg, reason: reason, cause: cause})
	return nil
}

func (r *deadRecorder) all() []deadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadLetter(nil), r.entries...)
}

type harness struct {
	q       Queue
	dead    *deadRecorder
	lease   time.Duration
	advance func(d time.Duration)
}

func TestMemoryQueue(t *testing.T) {
	runQueueTests(t, func(t *testing.T, maxAttempts int) harness {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		dead := &deadRecorder{}
		q := NewMemoryQueue(Options{
			LeaseDuration: 30 * time.Second,
			MaxAttempts:   maxAttempts,
			OnDeadLetter:  dead.record,
		}).WithClock(clock)
		return harness{
			q:     q,
			dead:  dead,
			lease: 30 * time.Second,
			advance: func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			},
		}
	})
}

func TestPostgresQueue(t *testing.T) {
	pool := pgtest.New(t)
	runQueueTests(t, func(t *testing.T, maxAttempts int) harness {
		_, err := pool.Exec(context.Background(), "TRUNCATE queue_messages")
		require.NoError(t, err)
		dead := &deadRecorder{}
		q := NewPostgresQueue(pool, Options{
			LeaseDuration: 400 * time.Millisecond,
			MaxAttempts:   maxAttempts,
			OnDeadLetter:  dead.record,
		})
		return harness{
			q:       q,
			dead:    dead,
			lease:   400 * time.Millisecond,
			advance: time.Sleep,
		}
	})
}

func runQueueTests(t *testing.T, newHarness func(t *testing.T, maxAttempts int) harness) {
	ctx := context.Background()

	t.Run("receive on empty queue", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Receive(ctx, "c1")
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("enqueue receive ack", func(t *testing.T) {
		h := newHarness(t, 3)
		id, err := h.q.Enqueue(ctx, "T1:42", []byte(`{"n":1}`), WithTenant("T1"), WithKind("task.enriched"))
		require.NoError(t, err)

		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, id, d.Message.ID)
		assert.Equal(t, "T1:42", d.Message.OrderingKey)
		assert.Equal(t, "T1", d.Message.TenantID)
		assert.Equal(t, "task.enriched", d.Message.Kind)
		assert.JSONEq(t, `{"n":1}`, string(d.Message.Payload))
		assert.Equal(t, 1, d.Message.Attempts)
		assert.NotEmpty(t, d.LeaseToken)

		n, err := h.q.PendingForKey(ctx, "T1:42")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "leased message is still pending until acked")

		require.NoError(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken))

		n, err = h.q.PendingForKey(ctx, "T1:42")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("same key is delivered in order to one consumer at a time", func(t *testing.T) {
		h := newHarness(t, 3)
		m1, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		m2, err := h.q.Enqueue(ctx, "T1:42", []byte(`2`))
		require.NoError(t, err)

		d1, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, m1, d1.Message.ID)

		_, err = h.q.Receive(ctx, "c2")
		assert.ErrorIs(t, err, ErrEmpty, "M2 must not be visible while M1 is leased")

		require.NoError(t, h.q.Ack(ctx, d1.Message.ID, d1.LeaseToken))

		d2, err := h.q.Receive(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, m2, d2.Message.ID)
	})

	t.Run("different keys are independent", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Enqueue(ctx, "T1:1", []byte(`a`))
		require.NoError(t, err)
		_, err = h.q.Enqueue(ctx, "T1:2", []byte(`b`))
		require.NoError(t, err)

		d1, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)
		d2, err := h.q.Receive(ctx, "c2")
		require.NoError(t, err)
		assert.NotEqual(t, d1.Message.OrderingKey, d2.Message.OrderingKey)

		st, err := h.q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Pending: 0, InFlight: 2, Keys: 2}, st)
	})

	t.Run("expired lease is redelivered and stale ack rejected", func(t *testing.T) {
		h := newHarness(t, 3)
		m1, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		_, err = h.q.Enqueue(ctx, "T1:42", []byte(`2`))
		require.NoError(t, err)

		first, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		h.advance(h.lease + h.lease/2)

		second, err := h.q.Receive(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, m1, second.Message.ID, "head is redelivered before M2")
		assert.Equal(t, 2, second.Message.Attempts)
		assert.NotEqual(t, first.LeaseToken, second.LeaseToken)

		assert.ErrorIs(t, h.q.Ack(ctx, m1, first.LeaseToken), ErrLeaseExpired)
		require.NoError(t, h.q.Ack(ctx, m1, second.LeaseToken))
	})

	t.Run("ack after expiry without redelivery is rejected", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		h.advance(h.lease + h.lease/2)
		assert.ErrorIs(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken), ErrLeaseExpired)
	})

	t.Run("unknown message", func(t *testing.T) {
		h := newHarness(t, 3)
		err := h.q.Ack(ctx, "00000000-0000-0000-0000-000000000000", "tok")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("extend lease keeps ownership", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		h.advance(h.lease / 2)
		require.NoError(t, h.q.ExtendLease(ctx, d.Message.ID, d.LeaseToken, 2*h.lease))
		h.advance(h.lease)

		_, err = h.q.Receive(ctx, "c2")
		assert.ErrorIs(t, err, ErrEmpty)
		require.NoError(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken))
	})

	t.Run("nack hides the head until the delay passes", func(t *testing.T) {
		h := newHarness(t, 3)
		m1, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		_, err = h.q.Enqueue(ctx, "T1:42", []byte(`2`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		require.NoError(t, h.q.Nack(ctx, d.Message.ID, d.LeaseToken, h.lease))
		assert.ErrorIs(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken), ErrLeaseExpired)

		_, err = h.q.Receive(ctx, "c2")
		assert.ErrorIs(t, err, ErrEmpty, "the key waits behind its delayed head")

		h.advance(h.lease + h.lease/2)
		again, err := h.q.Receive(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, m1, again.Message.ID)
		assert.Equal(t, 2, again.Message.Attempts)
		require.NoError(t, h.q.Ack(ctx, again.Message.ID, again.LeaseToken))
	})

	t.Run("nack on the last attempt dead-letters", func(t *testing.T) {
		h := newHarness(t, 1)
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		require.NoError(t, h.q.Nack(ctx, d.Message.ID, d.LeaseToken, h.lease))
		require.Len(t, h.dead.all(), 1)
		assert.Equal(t, ReasonMaxAttempts, h.dead.all()[0].reason)
		n, _ := h.q.PendingForKey(ctx, "T1:42")
		assert.Zero(t, n)
	})

	t.Run("release makes message visible again", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		require.NoError(t, h.q.Release(ctx, d.Message.ID, d.LeaseToken))
		again, err := h.q.Receive(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, d.Message.ID, again.Message.ID)
		assert.Equal(t, 2, again.Message.Attempts)
		assert.ErrorIs(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken), ErrLeaseExpired)
	})

	t.Run("exhausted message is dead-lettered once and unblocks the key", func(t *testing.T) {
		h := newHarness(t, 2)
		m1, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`), WithTenant("T1"))
		require.NoError(t, err)
		m2, err := h.q.Enqueue(ctx, "T1:42", []byte(`2`))
		require.NoError(t, err)

		for attempt := 1; attempt <= 2; attempt++ {
			d, err := h.q.Receive(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, m1, d.Message.ID)
			assert.Equal(t, attempt, d.Message.Attempts)
			h.advance(h.lease + h.lease/2)
		}

		next, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, m2, next.Message.ID)

		dead := h.dead.all()
		require.Len(t, dead, 1)
		assert.Equal(t, m1, dead[0].msg.ID)
		assert.Equal(t, "T1", dead[0].msg.TenantID)
		assert.Equal(t, ReasonMaxAttempts, dead[0].reason)

		n, err := h.q.ReapExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Len(t, h.dead.all(), 1)
	})

	t.Run("failing dead-letter sink keeps the message", func(t *testing.T) {
		h := newHarness(t, 1)
		h.dead.fail = errors.New("sink down")
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)

		_, err = h.q.Receive(ctx, "c1")
		require.NoError(t, err)
		h.advance(h.lease + h.lease/2)

		_, err = h.q.ReapExpired(ctx)
		assert.Error(t, err)
		n, err := h.q.PendingForKey(ctx, "T1:42")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		h.dead.fail = nil
		reaped, err := h.q.ReapExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, reaped)
	})

	t.Run("reject dead-letters immediately", func(t *testing.T) {
		h := newHarness(t, 5)
		_, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`))
		require.NoError(t, err)
		d, err := h.q.Receive(ctx, "c1")
		require.NoError(t, err)

		cause := errors.New("task missing")
		require.NoError(t, h.q.Reject(ctx, d.Message.ID, d.LeaseToken, cause))

		dead := h.dead.all()
		require.Len(t, dead, 1)
		assert.Equal(t, ReasonRejected, dead[0].reason)
		assert.ErrorIs(t, dead[0].cause, cause)

		n, err := h.q.PendingForKey(ctx, "T1:42")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("dedup id makes enqueue idempotent", func(t *testing.T) {
		h := newHarness(t, 3)
		a, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`), WithDedupID("evt-1:task-enricher"))
		require.NoError(t, err)
		b, err := h.q.Enqueue(ctx, "T1:42", []byte(`1`), WithDedupID("evt-1:task-enricher"))
		require.NoError(t, err)
		assert.Equal(t, a, b)

		n, err := h.q.PendingForKey(ctx, "T1:42")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("concurrent consumers never overlap on a key", func(t *testing.T) {
		h := newHarness(t, 3)
		const perKey = 5
		keys := []string{"T1:a", "T1:b", "T2:a"}
		for i := 0; i < perKey; i++ {
			for _, k := range keys {
				_, err := h.q.Enqueue(ctx, k, []byte(fmt.Sprintf("%d", i)))
				require.NoError(t, err)
			}
		}

		var (
			mu     sync.Mutex
			active = map[string]bool{}
			seen   = map[string][]string{}
			wg     sync.WaitGroup
		)
		for c := 0; c < 4; c++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				for {
					d, err := h.q.Receive(ctx, fmt.Sprintf("c%d", c))
					if errors.Is(err, ErrEmpty) {
						st, _ := h.q.Stats(ctx)
						if st.Pending+st.InFlight == 0 {
							return
						}
						time.Sleep(time.Millisecond)
						continue
					}
					if !assert.NoError(t, err) {
						return
					}
					k := d.Message.OrderingKey
					mu.Lock()
					assert.False(t, active[k], "key %s leased twice", k)
					active[k] = true
					seen[k] = append(seen[k], string(d.Message.Payload))
					mu.Unlock()

					mu.Lock()
					active[k] = false
					mu.Unlock()
					assert.NoError(t, h.q.Ack(ctx, d.Message.ID, d.LeaseToken))
				}
			}(c)
		}
		wg.Wait()

		for _, k := range keys {
			assert.Equal(t, []string{"0", "1", "2", "3", "4"}, seen[k], k)
		}
	})

	t.Run("ordering key is required", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.q.Enqueue(ctx, "", []byte(`1`))
		assert.Error(t, err)
	})
}

func TestOrderingKey(t *testing.T) {
	assert.Equal(t, "T1:42", OrderingKey("T1", "42"))
}

func TestMemoryQueue_NoDeadLetterSinkKeepsMessage(t *testing.T) {
	now := time.Now()
	q := NewMemoryQueue(Options{LeaseDuration: time.Second, MaxAttempts: 1}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "k", []byte(`1`))
	require.NoError(t, err)
	_, err = q.Receive(ctx, "c")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = q.ReapExpired(ctx)
	assert.ErrorIs(t, err, errNoDeadLetterSink)

	n, _ := q.PendingForKey(ctx, "k")
	assert.Equal(t, 1, n)
}
