package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging/nats"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/natstest"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/retry"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

type fixture struct {
	hub  *Hub
	pool *workers.Pool
	log  *MemoryEventLog
	dead *dlq.MemorySink
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	logger := logging.Discard().Logger
	pool := workers.NewPool(workers.PoolConfig{WorkersPerHandler: 2, InvocationTimeout: time.Second}, logger)
	evlog := NewMemoryEventLog()
	dead := dlq.NewMemorySink()
	h := New(Config{MaxAttempts: maxAttempts, Retry: retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}},
		evlog, pool, dead, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		_ = pool.Close(ctx)
	})
	return &fixture{hub: h, pool: pool, log: evlog, dead: dead}
}

func (f *fixture) handler(t *testing.T, pattern string, h workers.Handler) {
	t.Helper()
	require.NoError(t, f.pool.Register(h))
	_, err := f.hub.Subscribe(pattern, h.ID())
	require.NoError(t, err)
}

func (f *fixture) deadLetters(t *testing.T) []dlq.Entry {
	t.Helper()
	entries, err := f.dead.List(context.Background(), dlq.Filter{})
	require.NoError(t, err)
	return entries
}

func taskCreated(id string) *models.Event {
	return &models.Event{
		ID:        id,
		Type:      models.TypeTaskCreated,
		TenantID:  "T1",
		Payload:   models.TaskCreated{Schema: 1, TaskID: "42", Title: "hello"},
		CreatedAt: time.Now().UTC(),
	}
}

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[key]++
	return c.calls[key]
}

func (c *counter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func TestDispatch_RecordsEventWithoutSubscribers(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))
	_, ok := f.log.Get("e1")
	assert.True(t, ok)
}

func TestDispatch_RejectsInvalidEvent(t *testing.T) {
	f := newFixture(t, 3)
	ev := taskCreated("e1")
	ev.TenantID = ""
	assert.ErrorIs(t, f.hub.Dispatch(context.Background(), ev), models.ErrInvalidTenantID)
	assert.Equal(t, 0, f.log.Len())
}

func TestSubscribe_UnknownHandler(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.hub.Subscribe("Task*", "nobody")
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestDispatch_FanOutIsIndependent(t *testing.T) {
	f := newFixture(t, 3)
	var c counter
	release := make(chan struct{})

	f.handler(t, "TaskCreated", workers.HandlerFunc("ok", func(ctx context.Context, ev *models.Event) workers.Result {
		c.inc("ok")
		return workers.Done()
	}))
	f.handler(t, "Task*", workers.HandlerFunc("fatal", func(ctx context.Context, ev *models.Event) workers.Result {
		c.inc("fatal")
		return workers.Fail(errors.New("bad payload"))
	}))
	f.handler(t, "*", workers.HandlerFunc("slow", func(ctx context.Context, ev *models.Event) workers.Result {
		<-release
		c.inc("slow")
		return workers.Done()
	}))

	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))

	require.Eventually(t, func() bool { return c.get("ok") == 1 && c.get("fatal") == 1 },
		2*time.Second, 5*time.Millisecond, "fast handlers are not held up by the slow one")
	close(release)
	require.Eventually(t, func() bool { return c.get("slow") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(f.deadLetters(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	entry := f.deadLetters(t)[0]
	assert.Equal(t, dlq.SourceHub, entry.Source)
	assert.Equal(t, "fatal", entry.HandlerID)
	assert.Equal(t, dlq.ReasonFatal, entry.Reason)
	assert.Equal(t, 1, entry.Attempts, "fatal results are not retried")
	assert.Equal(t, "e1", entry.Event.ID)
}

func TestDispatch_RetryableExhaustsThenDeadLettersOnce(t *testing.T) {
	const maxAttempts = 4
	f := newFixture(t, maxAttempts)
	var c counter
	f.handler(t, "TaskCreated", workers.HandlerFunc("flaky", func(ctx context.Context, ev *models.Event) workers.Result {
		c.inc(ev.ID)
		return workers.Retry(errors.New("downstream unavailable"))
	}))

	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))

	require.Eventually(t, func() bool { return len(f.deadLetters(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, maxAttempts, c.get("e1"))
	entries := f.deadLetters(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonMaxAttempts, entries[0].Reason)
	assert.Equal(t, maxAttempts, entries[0].Attempts)
	assert.Equal(t, "downstream unavailable", entries[0].Error)
	assert.Equal(t, "T1", entries[0].TenantID)
}

func TestDispatch_RetryThenSucceed(t *testing.T) {
	f := newFixture(t, 5)
	var c counter
	f.handler(t, "TaskCreated", workers.HandlerFunc("eventually", func(ctx context.Context, ev *models.Event) workers.Result {
		if c.inc(ev.ID) < 3 {
			return workers.Retry(errors.New("not yet"))
		}
		return workers.Done()
	}))

	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))
	require.Eventually(t, func() bool { return c.get("e1") == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Close(ctx))
	assert.Empty(t, f.deadLetters(t))
}

// stallingEnqueuer hangs past the invocation timeout and fails on its first
// call, then succeeds.
type stallingEnqueuer struct {
	calls     atomic.Int32
	succeeded atomic.Int32
	stall     time.Duration
}

func (e *stallingEnqueuer) Enqueue(ctx context.Context, key string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	if e.calls.Add(1) == 1 {
		time.Sleep(e.stall)
		return "", errors.New("queue stalled")
	}
	e.succeeded.Add(1)
	return "msg-1", nil
}

func TestDispatch_TimedOutInvocationIsRetriedNotDropped(t *testing.T) {
	logger := logging.Discard().Logger
	pool := workers.NewPool(workers.PoolConfig{WorkersPerHandler: 1, InvocationTimeout: 50 * time.Millisecond}, logger)
	dead := dlq.NewMemorySink()
	h := New(Config{MaxAttempts: 10, Retry: retry.Policy{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}},
		NewMemoryEventLog(), pool, dead, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		_ = pool.Close(ctx)
	})

	enq := &stallingEnqueuer{stall: 300 * time.Millisecond}
	enricher := workers.NewTaskEnricher(dedup.NewMemoryStore(time.Hour), enq, logger)
	require.NoError(t, pool.Register(enricher))
	_, err := h.Subscribe("Task*", enricher.ID())
	require.NoError(t, err)

	require.NoError(t, h.Dispatch(context.Background(), taskCreated("e1")))

	require.Eventually(t, func() bool { return enq.succeeded.Load() == 1 }, 3*time.Second, 5*time.Millisecond,
		"a retry after the abandoned call gave up its claim must apply the event")
	entries, err := dead.List(context.Background(), dlq.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatch_HeldClaimExhaustsIntoDeadLetter(t *testing.T) {
	f := newFixture(t, 3)
	store := dedup.NewMemoryStore(time.Hour)
	_, err := store.Claim(context.Background(), "T1", workers.TaskEnricherID, "e1", "stuck", time.Hour)
	require.NoError(t, err)

	enq := &stallingEnqueuer{}
	f.handler(t, "Task*", workers.NewTaskEnricher(store, enq, nil))
	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))

	require.Eventually(t, func() bool { return len(f.deadLetters(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), enq.calls.Load())
	assert.Equal(t, dlq.ReasonMaxAttempts, f.deadLetters(t)[0].Reason)
}

func TestDispatch_PublishOrderPerTenantAndType(t *testing.T) {
	f := newFixture(t, 3)
	var (
		mu  sync.Mutex
		got []string
	)
	f.handler(t, "TaskCreated", workers.HandlerFunc("rec", func(ctx context.Context, ev *models.Event) workers.Result {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		return workers.Done()
	}))

	var want []string
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		want = append(want, id)
		require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated(id)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got)
}

func TestClose_DeadLettersPendingRetries(t *testing.T) {
	f := newFixture(t, 5)
	f.hub.cfg.Retry = retry.Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 1}

	var calls atomic.Int32
	f.handler(t, "TaskCreated", workers.HandlerFunc("flaky", func(ctx context.Context, ev *models.Event) workers.Result {
		calls.Add(1)
		return workers.Retry(errors.New("try later"))
	}))

	require.NoError(t, f.hub.Dispatch(context.Background(), taskCreated("e1")))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Close(ctx))

	entries := f.deadLetters(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonShutdown, entries[0].Reason)
	assert.ErrorIs(t, f.hub.Dispatch(context.Background(), taskCreated("e2")), ErrClosed)
}

// flakySink fails the first failures writes, or every write when failures
// is negative.
type flakySink struct {
	*dlq.MemorySink
	failures int32
	writes   atomic.Int32
}

func (s *flakySink) Write(ctx context.Context, e dlq.Entry) (dlq.Entry, error) {
	n := s.writes.Add(1)
	if s.failures < 0 || n <= s.failures {
		return dlq.Entry{}, errors.New("sink unavailable")
	}
	return s.MemorySink.Write(ctx, e)
}

func newSinkFixture(t *testing.T, sink dlq.Sink) (*Hub, *workers.Pool) {
	t.Helper()
	logger := logging.Discard().Logger
	pool := workers.NewPool(workers.PoolConfig{WorkersPerHandler: 1, InvocationTimeout: time.Second}, logger)
	h := New(Config{MaxAttempts: 1, Retry: retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}},
		NewMemoryEventLog(), pool, sink, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		_ = pool.Close(ctx)
	})
	require.NoError(t, pool.Register(workers.HandlerFunc("broken", func(ctx context.Context, ev *models.Event) workers.Result {
		return workers.Fail(errors.New("bad payload"))
	})))
	_, err := h.Subscribe("TaskCreated", "broken")
	require.NoError(t, err)
	return h, pool
}

func TestDeadLetter_FailingSinkIsRetriedUntilStored(t *testing.T) {
	sink := &flakySink{MemorySink: dlq.NewMemorySink(), failures: 6}
	h, _ := newSinkFixture(t, sink)

	require.NoError(t, h.Dispatch(context.Background(), taskCreated("e1")))

	require.Eventually(t, func() bool {
		entries, _ := sink.List(context.Background(), dlq.Filter{})
		return len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(7), sink.writes.Load())
}

func TestDeadLetter_ClosingHubGivesUpOnBrokenSink(t *testing.T) {
	sink := &flakySink{MemorySink: dlq.NewMemorySink(), failures: -1}
	h, _ := newSinkFixture(t, sink)

	require.NoError(t, h.Dispatch(context.Background(), taskCreated("e1")))
	require.Eventually(t, func() bool { return sink.writes.Load() >= 2 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
	entries, _ := sink.List(context.Background(), dlq.Filter{})
	assert.Empty(t, entries)
}

func TestRedeliver(t *testing.T) {
	f := newFixture(t, 3)
	var c counter
	f.handler(t, "TaskCreated", workers.HandlerFunc("h", func(ctx context.Context, ev *models.Event) workers.Result {
		c.inc(ev.ID)
		return workers.Done()
	}))

	ev := taskCreated("e1")
	require.NoError(t, f.hub.Redeliver(context.Background(), "h", ev))
	require.Eventually(t, func() bool { return c.get("e1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.log.Len(), "replay does not append to the log")

	assert.ErrorIs(t, f.hub.Redeliver(context.Background(), "missing", ev), ErrUnknownHandler)
}

type failingLog struct{}

func (failingLog) Append(ctx context.Context, ev *models.Event) error {
	return errors.New("stream unavailable")
}

func TestDispatch_LogFailureStopsDelivery(t *testing.T) {
	f := newFixture(t, 3)
	f.hub.log = failingLog{}
	var c counter
	f.handler(t, "TaskCreated", workers.HandlerFunc("h", func(ctx context.Context, ev *models.Event) workers.Result {
		c.inc(ev.ID)
		return workers.Done()
	}))

	err := f.hub.Dispatch(context.Background(), taskCreated("e1"))
	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.get("e1"))
}

type recordingPublisher struct {
	msgs     []*messaging.Message
	dedupIDs []string
}

func (r *recordingPublisher) PublishDurable(ctx context.Context, msg *messaging.Message, dedupID string) (uint64, error) {
	r.msgs = append(r.msgs, msg)
	r.dedupIDs = append(r.dedupIDs, dedupID)
	return uint64(len(r.msgs)), nil
}

func TestJetStreamEventLog_Append(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewJetStreamEventLog(pub)

	ev := taskCreated("evt-7")
	require.NoError(t, l.Append(context.Background(), ev))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "taskhub.events.T1.TaskCreated", pub.msgs[0].Subject)
	assert.Equal(t, "evt-7", pub.dedupIDs[0])

	var decoded models.Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &decoded))
	assert.Equal(t, ev.Payload, decoded.Payload)
}

func TestJetStreamEventLog_Integration(t *testing.T) {
	js := natstest.New(t)
	ctx := context.Background()

	stream, err := js.CreateOrUpdateStream(ctx, nats.EventsStream)
	require.NoError(t, err)

	l := NewJetStreamEventLog(js)
	ev := taskCreated("evt-dup")
	require.NoError(t, l.Append(ctx, ev))
	require.NoError(t, l.Append(ctx, ev))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs, "republished event id is dropped by the stream")
}
