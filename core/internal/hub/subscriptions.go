package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

var (
	ErrInvalidPattern = errors.New("invalid subscription pattern")
	ErrNotSubscribed  = errors.New("handler not subscribed to pattern")
)

// Subscription lists the handlers bound to one pattern.
type Subscription struct {
	Pattern  string   `json:"pattern"`
	Handlers []string `json:"handlers"`
}

// Snapshot is a consistent view of the table at one version.
type Snapshot struct {
	Version       uint64         `json:"version"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type tableState struct {
	version   uint64
	byPattern map[string]map[string]struct{}
}

// SubscriptionTable maps event type patterns to handler ids. Reads are lock
// free against an immutable state; every mutation publishes a new state with
// the next version.
//
// Patterns are an exact event type, a prefix ending in '*' (e.g. "Task*"), or
// "*" for every event.
type SubscriptionTable struct {
	mu    sync.Mutex
	state atomic.Pointer[tableState]
}

func NewSubscriptionTable() *SubscriptionTable {
	t := &SubscriptionTable{}
	t.state.Store(&tableState{byPattern: map[string]map[string]struct{}{}})
	return t
}

// ValidatePattern checks pattern syntax.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i != len(pattern)-1 {
		return fmt.Errorf("%w: %q ('*' is only allowed at the end)", ErrInvalidPattern, pattern)
	}
	if strings.ContainsAny(pattern, " \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return nil
}

// Subscribe binds handlerID to pattern and returns the table version.
// Subscribing twice is a no-op.
func (t *SubscriptionTable) Subscribe(pattern, handlerID string) (uint64, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}
	if handlerID == "" {
		return 0, errors.New("handler id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	if _, ok := cur.byPattern[pattern][handlerID]; ok {
		return cur.version, nil
	}
	next := cur.clone()
	if next.byPattern[pattern] == nil {
		next.byPattern[pattern] = map[string]struct{}{}
	}
	next.byPattern[pattern][handlerID] = struct{}{}
	return t.publish(next), nil
}

// Unsubscribe removes handlerID from pattern.
func (t *SubscriptionTable) Unsubscribe(pattern, handlerID string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state.Load()
	if _, ok := cur.byPattern[pattern][handlerID]; !ok {
		return cur.version, fmt.Errorf("%w: %s -> %s", ErrNotSubscribed, pattern, handlerID)
	}
	next := cur.clone()
	delete(next.byPattern[pattern], handlerID)
	if len(next.byPattern[pattern]) == 0 {
		delete(next.byPattern, pattern)
	}
	return t.publish(next), nil
}

func (t *SubscriptionTable) publish(next *tableState) uint64 {
	next.version = t.state.Load().version + 1
	t.state.Store(next)
	metrics.SubscriptionVersion.Set(float64(next.version))
	return next.version
}

func (s *tableState) clone() *tableState {
	out := &tableState{version: s.version, byPattern: make(map[string]map[string]struct{}, len(s.byPattern))}
	for p, hs := range s.byPattern {
		cp := make(map[string]struct{}, len(hs))
		for h := range hs {
			cp[h] = struct{}{}
		}
		out.byPattern[p] = cp
	}
	return out
}

// Match returns the distinct handlers whose patterns match eventType, sorted.
func (t *SubscriptionTable) Match(eventType string) []string {
	st := t.state.Load()
	seen := map[string]struct{}{}
	for pattern, hs := range st.byPattern {
		if !patternMatches(pattern, eventType) {
			continue
		}
		for h := range hs {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func patternMatches(pattern, eventType string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// Version returns the current table version.
func (t *SubscriptionTable) Version() uint64 {
	return t.state.Load().version
}

// Snapshot returns the table sorted by pattern.
func (t *SubscriptionTable) Snapshot() Snapshot {
	st := t.state.Load()
	snap := Snapshot{Version: st.version, Subscriptions: make([]Subscription, 0, len(st.byPattern))}
	for p, hs := range st.byPattern {
		sub := Subscription{Pattern: p, Handlers: make([]string, 0, len(hs))}
		for h := range hs {
			sub.Handlers = append(sub.Handlers, h)
		}
		sort.Strings(sub.Handlers)
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool {
		return snap.Subscriptions[i].Pattern < snap.Subscriptions[j].Pattern
	})
	return snap
}
