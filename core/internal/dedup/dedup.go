// Package dedup records which events each handler has already applied, per tenant.
//
// An id moves through two states. Claim takes a short in-progress claim owned
// by one invocation: when several handler instances race on the same event
// only one of them gets Claimed. Complete turns the claim into a processed
// mark that lives for the dedup window. A claim that is released, or that
// lapses because its owner was abandoned, lets the next delivery try again.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the result of a Claim.
type State int

const (
	// Claimed means the caller owns the id and should do the work.
	Claimed State = iota
	// InProgress means another invocation holds an unexpired claim.
	InProgress
	// Processed means the id was already applied.
	Processed
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InProgress:
		return "in_progress"
	case Processed:
		return "processed"
	default:
		return "unknown"
	}
}

// Store is a tenant-scoped processed-id set.
type Store interface {
	// Claim takes an in-progress claim on eventID for (tenantID, scope) owned
	// by token. The claim lapses after ttl unless completed.
	Claim(ctx context.Context, tenantID, scope, eventID, token string, ttl time.Duration) (State, error)
	// Complete marks the id processed for the dedup window.
	Complete(ctx context.Context, tenantID, scope, eventID string) error
	// Release drops the claim if token still owns it.
	Release(ctx context.Context, tenantID, scope, eventID, token string) error
}

func key(tenantID, scope, eventID string) string {
	return "taskhub:dedup:" + tenantID + ":" + scope + ":" + eventID
}

const (
	processedValue = "done"
	claimPrefix    = "claim:"
)

type entry struct {
	token   string // empty once processed
	expires time.Time
}

// MemoryStore keeps ids in memory for the dedup window.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	window  time.Duration
	now     func() time.Time
	ops     int
}

// NewMemoryStore creates a store whose processed marks expire after window.
func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		window:  window,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Claim(ctx context.Context, tenantID, scope, eventID, token string, ttl time.Duration) (State, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.ops++
	if s.ops%1024 == 0 {
		s.sweep(now)
	}

	k := key(tenantID, scope, eventID)
	if e, ok := s.entries[k]; ok && now.Before(e.expires) {
		if e.token == "" {
			return Processed, nil
		}
		return InProgress, nil
	}
	s.entries[k] = entry{token: token, expires: now.Add(ttl)}
	return Claimed, nil
}

func (s *MemoryStore) Complete(ctx context.Context, tenantID, scope, eventID string) error {
	s.mu.Lock()
	s.entries[key(tenantID, scope, eventID)] = entry{expires: s.now().Add(s.window)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, tenantID, scope, eventID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, scope, eventID)
	if e, ok := s.entries[k]; ok && e.token != "" && e.token == token {
		delete(s.entries, k)
	}
	return nil
}

// Len returns the number of unexpired claims and marks.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.entries)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}

// claimScript sets the claim when the key is free and otherwise reports what
// holds it: 0 claimed, 1 in progress, 2 processed.
var claimScript = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if not v then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 0
	end
	if v == ARGV[3] then
		return 2
	end
	return 1
`)

// releaseScript deletes the key only while it still holds the caller's claim.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisStore keeps claims and processed marks in Redis with TTLs.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	return &RedisStore{client: client, window: window}
}

func (s *RedisStore) Claim(ctx context.Context, tenantID, scope, eventID, token string, ttl time.Duration) (State, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := claimScript.Run(ctx, s.client, []string{key(tenantID, scope, eventID)},
		claimPrefix+token, ms, processedValue,
	).Int()
	if err != nil {
		return 0, err
	}
	return State(n), nil
}

func (s *RedisStore) Complete(ctx context.Context, tenantID, scope, eventID string) error {
	return s.client.Set(ctx, key(tenantID, scope, eventID), processedValue, s.window).Err()
}

func (s *RedisStore) Release(ctx context.Context, tenantID, scope, eventID, token string) error {
	return releaseScript.Run(ctx, s.client, []string{key(tenantID, scope, eventID)}, claimPrefix+token).Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
