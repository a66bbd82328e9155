package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
)

// EventLog durably records published events. Append returns only once the
// event is stored; appending the same event id twice stores it once.
type EventLog interface {
	Append(ctx context.Context, ev *models.Event) error
}

// MemoryEventLog keeps events in process. It is durable only for the life of
// the process and is meant for tests and single-node development.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []*models.Event
	byID   map[string]*models.Event
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{byID: make(map[string]*models.Event)}
}

func (l *MemoryEventLog) Append(ctx context.Context, ev *models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[ev.ID]; ok {
		return nil
	}
	l.byID[ev.ID] = ev
	l.events = append(l.events, ev)
	return nil
}

// Get returns a recorded event by id.
func (l *MemoryEventLog) Get(id string) (*models.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.byID[id]
	return ev, ok
}

// Len returns the number of recorded events.
func (l *MemoryEventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// JetStreamEventLog stores events on taskhub.events.<tenant>.<type>. The
// event id is the Nats-Msg-Id so the stream drops republished duplicates.
type JetStreamEventLog struct {
	pub messaging.DurablePublisher
}

func NewJetStreamEventLog(pub messaging.DurablePublisher) *JetStreamEventLog {
	return &JetStreamEventLog{pub: pub}
}

func (l *JetStreamEventLog) Append(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &messaging.Message{
		Subject: messaging.EventSubject(ev.TenantID, ev.Type),
		Data:    data,
		Metadata: map[string]string{
			"Taskhub-Tenant":     ev.TenantID,
			"Taskhub-Event-Type": ev.Type,
		},
	}
	if _, err := l.pub.PublishDurable(ctx, msg, ev.ID); err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

var (
	_ EventLog = (*MemoryEventLog)(nil)
	_ EventLog = (*JetStreamEventLog)(nil)
)
