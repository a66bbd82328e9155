// Package dlq stores events and queue messages that exhausted their delivery
// attempts. Entries stay until an operator replays or deletes them.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub-stack/common/models"
)

var ErrNotFound = errors.New("dead letter not found")

// Source identifies which component dead-lettered an entry.
type Source string

const (
	SourceHub   Source = "hub"
	SourceQueue Source = "queue"
)

// Reasons recorded on entries.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonFatal       = "fatal"
	ReasonShutdown    = "shutdown"
)

// Entry is one dead-lettered event delivery or queue message.
type Entry struct {
	ID             string    `json:"id"`
	Source         Source    `json:"source"`
	TenantID       string    `json:"tenant_id"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`

	// Hub deliveries.
	HandlerID string        `json:"handler_id,omitempty"`
	Event     *models.Event `json:"event,omitempty"`

	// Queue messages.
	MessageID   string          `json:"message_id,omitempty"`
	OrderingKey string          `json:"ordering_key,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	TenantID string
	Source   Source
	Limit    int
}

func (f Filter) matches(e Entry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	return true
}

// Stats summarises the contents of a sink.
type Stats struct {
	Backend  string         `json:"backend"`
	Total    int            `json:"total"`
	BySource map[Source]int `json:"by_source"`
}

// Sink is dead-letter storage.
type Sink interface {
	// Write stores e, assigning an ID and timestamp when they are empty.
	Write(ctx context.Context, e Entry) (Entry, error)
	// List returns matching entries, oldest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.DeadLetteredAt.IsZero() {
		e.DeadLetteredAt = time.Now().UTC()
	}
	return e
}

func sortAndLimit(entries []Entry, limit int) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.Before(entries[j].DeadLetteredAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func countStats(backend string, entries []Entry) Stats {
	st := Stats{Backend: backend, BySource: make(map[Source]int)}
	for _, e := range entries {
		st.Total++
		st.BySource[e.Source]++
	}
	return st
}
