// Package queue is the durable, per-key ordered queue that carries handler
// results back to the core store.
//
// Messages sharing an ordering key are delivered in enqueue order, and only the
// oldest unacked message of a key (its head) can be leased. A key therefore
// has at most one outstanding lease. A lease that expires without an ack makes
// the head visible again. Each receive counts as one attempt; once a message
// has used its attempts it is handed to the dead-letter callback instead of
// being redelivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmpty        = errors.New("queue empty")
	ErrLeaseExpired = errors.New("lease expired")
	ErrNotFound     = errors.New("message not found")
)

// Message is a queued unit of follow-up work.
type Message struct {
	ID          string    `json:"id"`
	OrderingKey string    `json:"ordering_key"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Payload     []byte    `json:"payload"`
	DedupID     string    `json:"dedup_id,omitempty"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	// LeaseExpiresAt is zero while the message is not leased.
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	// VisibleAt is set while a failed message waits for its retry.
	VisibleAt time.Time `json:"visible_at,omitempty"`
}

// Delivery is a leased message.
type Delivery struct {
	Message    Message
	LeaseToken string
	ConsumerID string
}

// Stats describes queue contents.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Keys     int `json:"keys"`
}

// DeadLetterFunc receives messages that ran out of attempts or were rejected.
// When it returns an error the message stays in the queue.
type DeadLetterFunc func(ctx context.Context, msg Message, reason string, cause error) error

// Queue is the durable queue contract shared by the memory and Postgres backends.
type Queue interface {
	// Enqueue appends payload under orderingKey and returns the message id.
	Enqueue(ctx context.Context, orderingKey string, payload []byte, opts ...EnqueueOption) (string, error)
	// Receive leases the oldest eligible key head, or returns ErrEmpty.
	Receive(ctx context.Context, consumerID string) (*Delivery, error)
	// Ack removes a message. A stale or foreign lease token yields ErrLeaseExpired.
	Ack(ctx context.Context, messageID, leaseToken string) error
	// ExtendLease moves the lease expiry to now+d.
	ExtendLease(ctx context.Context, messageID, leaseToken string, d time.Duration) error
	// Release gives the lease up so the message is visible again immediately.
	Release(ctx context.Context, messageID, leaseToken string) error
	// Nack gives the lease up after a failed apply and hides the message for
	// delay. It stays the head of its key, so the key waits with it. A message
	// without attempts left is dead-lettered instead.
	Nack(ctx context.Context, messageID, leaseToken string, delay time.Duration) error
	// Reject dead-letters a leased message without further attempts.
	Reject(ctx context.Context, messageID, leaseToken string, cause error) error
	// ReapExpired dead-letters expired heads that have no attempts left.
	ReapExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// PendingForKey counts unacked messages for orderingKey, leased or not.
	PendingForKey(ctx context.Context, orderingKey string) (int, error)
}

// Options configure a queue backend.
type Options struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	OnDeadLetter  DeadLetterFunc
}

func (o Options) withDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// EnqueueOption sets optional message fields.
type EnqueueOption func(*Message)

// WithTenant tags the message with its tenant.
func WithTenant(tenantID string) EnqueueOption {
	return func(m *Message) { m.TenantID = tenantID }
}

// WithKind sets the message kind used to pick an applier.
func WithKind(kind string) EnqueueOption {
	return func(m *Message) { m.Kind = kind }
}

// WithDedupID makes Enqueue idempotent: while a message with the same dedup id
// is still queued, Enqueue returns its id instead of adding a copy.
func WithDedupID(id string) EnqueueOption {
	return func(m *Message) { m.DedupID = id }
}

// OrderingKey builds the tenant-scoped ordering key for an entity.
func OrderingKey(tenantID, entityID string) string {
	return tenantID + ":" + entityID
}

// Dead-letter reasons.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonRejected    = "rejected"
)

// errAttemptsExhausted is the cause passed when a lease expired on the last attempt.
var errAttemptsExhausted = errors.New("lease expired after final attempt")

func newMessage(orderingKey string, payload []byte, opts []EnqueueOption) (Message, error) {
	if orderingKey == "" {
		return Message{}, fmt.Errorf("ordering key is required")
	}
	m := Message{OrderingKey: orderingKey, Payload: payload}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

var errNoDeadLetterSink = errors.New("no dead-letter sink configured")
