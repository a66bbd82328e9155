package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
)

const TaskEnricherID = "task-enricher"

// Enqueuer is the part of the durable queue handlers write follow-up work to.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderingKey string, payload []byte, opts ...queue.EnqueueOption) (string, error)
}

// TaskEnricher derives searchable attributes from task text and hands them
// to the queue for the core service to merge into the task record.
type TaskEnricher struct {
	dedup  dedup.Store
	queue  Enqueuer
	logger *slog.Logger
}

func NewTaskEnricher(d dedup.Store, q Enqueuer, logger *slog.Logger) *TaskEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskEnricher{dedup: d, queue: q, logger: logger.With(logging.HandlerID(TaskEnricherID))}
}

func (h *TaskEnricher) ID() string { return TaskEnricherID }

func (h *TaskEnricher) Handle(ctx context.Context, ev *models.Event) Result {
	var (
		taskID, title, description string
		version                    int64
	)
	switch p := ev.Payload.(type) {
	case models.TaskCreated:
		taskID, title, description, version = p.TaskID, p.Title, p.Description, 1
	case models.TaskUpdated:
		taskID, title, description, version = p.TaskID, p.Title, p.Description, p.Version
	default:
		return Fail(fmt.Errorf("task-enricher cannot handle %s", ev.Type))
	}
	if taskID == "" {
		return Fail(fmt.Errorf("event %s has no task id", ev.ID))
	}

	return markOnce(ctx, h.dedup, TaskEnricherID, ev, func() Result {
		text := strings.TrimSpace(title + " " + description)
		enrichment := TaskEnrichment{
			EventID:         ev.ID,
			TenantID:        ev.TenantID,
			TaskID:          taskID,
			SourceVersion:   version,
			NormalizedTitle: NormalizeTitle(title),
			WordCount:       len(strings.Fields(text)),
			Tags:            ExtractTags(text),
		}
		return enqueueJSON(ctx, h.queue, ev, TaskEnricherID, taskID, KindTaskEnriched, enrichment)
	})
}

// NormalizeTitle lowercases, trims and collapses whitespace.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// ExtractTags returns the distinct lowercase #hashtags in text, sorted.
func ExtractTags(text string) []string {
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(text) {
		if len(word) < 2 || word[0] != '#' {
			continue
		}
		tag := strings.ToLower(strings.TrimRightFunc(word[1:], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
		}))
		if tag != "" {
			seen[tag] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// errClaimHeld is returned while another invocation owns the event.
var errClaimHeld = errors.New("event is being processed by another invocation")

// claimGrace keeps a claim alive a little past the invocation deadline.
const claimGrace = time.Second

// markOnce claims the event id in the tenant's processed set for this attempt
// before running fn, and marks it processed only when fn succeeds. An event
// that was already processed short-circuits with AlreadyApplied. A claim
// still held by another invocation, such as one abandoned after a timeout,
// is Retryable. If fn does not succeed the claim is released.
func markOnce(ctx context.Context, store dedup.Store, handlerID string, ev *models.Event, fn func() Result) Result {
	ttl := time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		ttl = time.Until(deadline) + claimGrace
	}
	token := uuid.NewString()

	state, err := store.Claim(ctx, ev.TenantID, handlerID, ev.ID, token, ttl)
	if err != nil {
		return Retry(fmt.Errorf("dedup check: %w", err))
	}
	switch state {
	case dedup.Processed:
		metrics.DedupHits.WithLabelValues(handlerID).Inc()
		return Duplicate()
	case dedup.InProgress:
		return Retry(errClaimHeld)
	}

	res := fn()
	bg := context.WithoutCancel(ctx)
	if !res.Succeeded() {
		if err := store.Release(bg, ev.TenantID, handlerID, ev.ID, token); err != nil {
			slog.Warn("failed to release dedup claim",
				logging.HandlerID(handlerID),
				logging.EventID(ev.ID),
				logging.Error(err),
			)
		}
		return res
	}
	// The effect is in place; a lost mark only costs a redelivery that the
	// queue dedup id absorbs.
	if err := store.Complete(bg, ev.TenantID, handlerID, ev.ID); err != nil {
		slog.Warn("failed to mark event processed",
			logging.HandlerID(handlerID),
			logging.EventID(ev.ID),
			logging.Error(err),
		)
	}
	return res
}

// enqueueJSON writes v as a queue message keyed by tenant and entity. The
// dedup id keeps a redelivered event from adding a second copy.
func enqueueJSON(ctx context.Context, q Enqueuer, ev *models.Event, handlerID, entityID, kind string, v any) Result {
	payload, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Errorf("marshal %s: %w", kind, err))
	}
	_, err = q.Enqueue(ctx, queue.OrderingKey(ev.TenantID, entityID), payload,
		queue.WithTenant(ev.TenantID),
		queue.WithKind(kind),
		queue.WithDedupID(handlerID+":"+ev.ID),
	)
	if err != nil {
		return Retry(fmt.Errorf("enqueue %s: %w", kind, err))
	}
	return Done()
}
