// Package archive keeps a searchable copy of every published event for
// operators.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/models"
)

// Document is the archived form of an event.
type Document struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Query selects archived events. TenantID is required so one tenant never
// sees another's events.
type Query struct {
	TenantID string
	Type     string
	Since    time.Time
	Limit    int
}

func (q Query) validate() error {
	if q.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	return nil
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 500 {
		return 100
	}
	return q.Limit
}

// Archive indexes and searches events.
type Archive interface {
	Index(ctx context.Context, ev *models.Event) (created bool, err error)
	Search(ctx context.Context, q Query) ([]Document, error)
}

func toDocument(ev *models.Event) (Document, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Document{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Document{
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		Type:      ev.Type,
		CreatedAt: ev.CreatedAt.UTC(),
		Payload:   payload,
	}, nil
}

type MemoryArchive struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{docs: make(map[string]Document)}
}

func (a *MemoryArchive) Index(ctx context.Context, ev *models.Event) (bool, error) {
	doc, err := toDocument(ev)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.docs[ev.ID]; ok {
		return false, nil
	}
	a.docs[ev.ID] = doc
	return true, nil
}

func (a *MemoryArchive) Search(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Document
	for _, d := range a.docs {
		if d.TenantID != q.TenantID {
			continue
		}
		if q.Type != "" && d.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && d.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].EventID > out[j].EventID
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

var _ Archive = (*MemoryArchive)(nil)
