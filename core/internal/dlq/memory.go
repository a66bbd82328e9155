package dlq

import (
	"context"
	"sync"
)

// MemorySink keeps dead letters in memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string]Entry)}
}

func (s *MemorySink) Write(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
	return e, nil
}

func (s *MemorySink) List(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return sortAndLimit(out, f.Limit), nil
}

func (s *MemorySink) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemorySink) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemorySink) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	return countStats("memory", entries), nil
}

var _ Sink = (*MemorySink)(nil)
