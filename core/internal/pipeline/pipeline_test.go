package pipeline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/archive"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/hub"
	"github.com/telhawk-systems/taskhub-stack/core/internal/pipeline"
	"github.com/telhawk-systems/taskhub-stack/core/internal/publisher"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/retry"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type env struct {
	p       *pipeline.Pipeline
	dedup   *dedup.MemoryStore
	dead    *dlq.MemorySink
	log     *hub.MemoryEventLog
	archive *archive.MemoryArchive
	t1      tenant.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	reg := tenant.NewMemoryRegistry()
	t1, err := reg.Register(ctx, "T1", tenant.Namespaces{Data: "db-1", Storage: "ns-1"})
	require.NoError(t, err)

	e := &env{
		dedup:   dedup.NewMemoryStore(time.Hour),
		dead:    dlq.NewMemorySink(),
		log:     hub.NewMemoryEventLog(),
		archive: archive.NewMemoryArchive(),
		t1:      t1,
	}
	fast := retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	e.p, err = pipeline.New(pipeline.Options{
		Hub:          hub.Config{MaxAttempts: 3, Retry: fast},
		Pool:         workers.PoolConfig{WorkersPerHandler: 2, InvocationTimeout: time.Second},
		Queue:        queue.Options{LeaseDuration: time.Second, MaxAttempts: 3},
		Consumer:     queue.ConsumerConfig{PollInterval: 5 * time.Millisecond, Retry: fast},
		Consumers:    2,
		ReapInterval: 20 * time.Millisecond,
	}, pipeline.Backends{
		Tenants:     reg,
		Store:       store.NewMemoryStore(),
		Blobs:       blob.NewMemoryStore(),
		Dedup:       e.dedup,
		DeadLetters: e.dead,
		EventLog:    e.log,
		Archive:     e.archive,
	}, logging.Discard().Logger)
	require.NoError(t, err)

	e.p.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, e.p.Shutdown(shutdownCtx))
	})
	return e
}

func (e *env) queueDrained(t *testing.T) func() bool {
	return func() bool {
		st, err := e.p.Queue.Stats(context.Background())
		require.NoError(t, err)
		return st.Pending == 0 && st.InFlight == 0
	}
}

func TestDefaultSubscriptions(t *testing.T) {
	e := newEnv(t)
	table := e.p.Hub.Subscriptions()

	assert.Equal(t, []string{workers.EventArchiverID, workers.TaskEnricherID}, table.Match(models.TypeTaskCreated))
	assert.Equal(t, []string{workers.AttachmentProcessorID, workers.EventArchiverID}, table.Match(models.TypeAttachmentUploaded))
	assert.Equal(t, []string{workers.EventArchiverID}, table.Match("SomethingElse"))
}

func TestTaskCreatedIsEnrichedEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task, err := e.p.Tasks.CreateTask(ctx, e.t1, service.CreateTaskInput{ID: "42", Title: "Write #docs for   Launch"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.log.Len())

	require.Eventually(t, func() bool {
		got, err := e.p.Tasks.GetTask(ctx, e.t1, task.ID)
		require.NoError(t, err)
		return got.EnrichedVersion == 1
	}, waitFor, tick)

	got, err := e.p.Tasks.GetTask(ctx, e.t1, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "write #docs for launch", got.NormalizedTitle)
	assert.Equal(t, []string{"docs"}, got.Tags)
	assert.Equal(t, 4, got.WordCount)

	require.Eventually(t, e.queueDrained(t), waitFor, tick)
	pending, err := e.p.Queue.PendingForKey(ctx, queue.OrderingKey("T1", "42"))
	require.NoError(t, err)
	assert.Zero(t, pending)

	docs, err := e.archive.Search(ctx, archive.Query{TenantID: "T1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, models.TypeTaskCreated, docs[0].Type)
}

func TestDuplicateEventIsAppliedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.p.Tasks.CreateTask(ctx, e.t1, service.CreateTaskInput{ID: "42", Title: "x"})
	require.NoError(t, err)

	ev := &models.Event{
		ID:       "0190f1c2-0000-7000-8000-000000000001",
		Type:     models.TypeTaskUpdated,
		TenantID: "T1",
		Payload:  models.TaskUpdated{Schema: 1, TaskID: "42", Title: "Renamed #once", Version: 2},
	}
	require.NoError(t, e.p.Publisher.PublishEvent(ctx, ev))
	require.NoError(t, e.p.Publisher.PublishEvent(ctx, ev))

	// Drain deliveries so every invocation has finished before counting.
	shutdownCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, e.p.Hub.Close(shutdownCtx))
	require.Eventually(t, e.queueDrained(t), waitFor, tick)

	// One result for TaskCreated, one for the first TaskUpdated copy.
	assert.Equal(t, uint64(2), e.p.Applier.Stats().Applied)
	assert.Zero(t, e.p.Applier.Stats().Skipped)

	got, err := e.p.Tasks.GetTask(ctx, e.t1, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.EnrichedVersion)
	assert.Equal(t, []string{"once"}, got.Tags)

	stats, err := e.dead.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestFailingHandlerIsDeadLetteredWithoutBlockingOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, e.p.Pool.Register(workers.HandlerFunc("always-fails", func(ctx context.Context, ev *models.Event) workers.Result {
		calls.Add(1)
		return workers.Retry(errors.New("downstream unavailable"))
	})))
	_, err := e.p.Hub.Subscribe(models.TypeTaskCreated, "always-fails")
	require.NoError(t, err)

	_, err = e.p.Tasks.CreateTask(ctx, e.t1, service.CreateTaskInput{ID: "7", Title: "fan out"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := e.dead.List(ctx, dlq.Filter{Source: dlq.SourceHub})
		require.NoError(t, err)
		return len(entries) == 1
	}, waitFor, tick)

	entries, err := e.dead.List(ctx, dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "always-fails", entries[0].HandlerID)
	assert.Equal(t, dlq.ReasonMaxAttempts, entries[0].Reason)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "T1", entries[0].TenantID)
	assert.Equal(t, int32(3), calls.Load())

	require.Eventually(t, func() bool {
		got, err := e.p.Tasks.GetTask(ctx, e.t1, "7")
		require.NoError(t, err)
		return got.EnrichedVersion == 1
	}, waitFor, tick)
}

func TestAttachmentIsProcessedEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.p.Tasks.CreateTask(ctx, e.t1, service.CreateTaskInput{ID: "42", Title: "x"})
	require.NoError(t, err)

	att, err := e.p.Tasks.UploadAttachment(ctx, e.t1, "42", service.UploadInput{Filename: "hello.txt", Data: []byte("abc")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.p.Tasks.GetTask(ctx, e.t1, "42")
		require.NoError(t, err)
		return len(got.Attachments) == 1 && got.Attachments[0].Processed
	}, waitFor, tick)

	got, err := e.p.Tasks.GetTask(ctx, e.t1, "42")
	require.NoError(t, err)
	assert.Equal(t, att.ID, got.Attachments[0].ID)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got.Attachments[0].SHA256)
	assert.Equal(t, "text/plain; charset=utf-8", got.Attachments[0].ContentType)
}

func TestRejectedQueueMessageCanBeReplayed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.p.AdminService(nil)

	// A result for a task that does not exist yet is rejected.
	_, err := e.p.Queue.Enqueue(ctx, queue.OrderingKey("T1", "99"),
		[]byte(`{"tenant_id":"T1","task_id":"99","source_version":1,"normalized_title":"late","word_count":1}`),
		queue.WithTenant("T1"),
		queue.WithKind(workers.KindTaskEnriched),
	)
	require.NoError(t, err)

	var entry dlq.Entry
	require.Eventually(t, func() bool {
		entries, err := e.dead.List(ctx, dlq.Filter{Source: dlq.SourceQueue})
		require.NoError(t, err)
		if len(entries) != 1 {
			return false
		}
		entry = entries[0]
		return true
	}, waitFor, tick)
	assert.Equal(t, queue.ReasonRejected, entry.Reason)
	assert.Equal(t, "T1:99", entry.OrderingKey)
	assert.Equal(t, workers.KindTaskEnriched, entry.Kind)

	_, err = e.p.Tasks.CreateTask(ctx, e.t1, service.CreateTaskInput{ID: "99", Title: "late"})
	require.NoError(t, err)

	res, err := admin.Replay(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	require.Eventually(t, e.queueDrained(t), waitFor, tick)
	_, err = e.dead.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, dlq.ErrNotFound)
}

func TestPublishForUnknownTenant(t *testing.T) {
	e := newEnv(t)
	_, err := e.p.Publisher.Publish(context.Background(), "T9", models.TypeTaskCreated,
		models.TaskCreated{Schema: 1, TaskID: "1", Title: "x"})
	assert.ErrorIs(t, err, publisher.ErrUnknownTenant)
	assert.Zero(t, e.log.Len())
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.p.Shutdown(ctx))

	_, err := e.p.Publisher.Publish(context.Background(), "T1", models.TypeTaskCreated,
		models.TaskCreated{Schema: 1, TaskID: "1", Title: "x"})
	assert.ErrorIs(t, err, hub.ErrClosed)
}
