package workers

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

const EventArchiverID = "event-archiver"

// Indexer stores events by id. Index reports created=false when the event
// was already archived.
type Indexer interface {
	Index(ctx context.Context, ev *models.Event) (created bool, err error)
}

// EventArchiver copies every event into the archive for operator search.
// The event id is the document id, so redelivery is naturally idempotent.
type EventArchiver struct {
	index Indexer
}

func NewEventArchiver(index Indexer) *EventArchiver {
	return &EventArchiver{index: index}
}

func (h *EventArchiver) ID() string { return EventArchiverID }

func (h *EventArchiver) Handle(ctx context.Context, ev *models.Event) Result {
	created, err := h.index.Index(ctx, ev)
	if err != nil {
		return Retry(fmt.Errorf("archive event: %w", err))
	}
	if !created {
		metrics.DedupHits.WithLabelValues(EventArchiverID).Inc()
		return Duplicate()
	}
	return Done()
}
