package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	namespace, kind, id string
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, namespace, kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{namespace, kind, id}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.Namespace, rec.Kind, rec.EntityID}
	now := s.now().UTC()
	cur, exists := s.records[key]

	switch {
	case expectedVersion == 0 && exists:
		return Record{}, fmt.Errorf("%w: %s/%s already exists", ErrVersionConflict, rec.Kind, rec.EntityID)
	case expectedVersion == 0:
		rec.Version = 1
		rec.CreatedAt = now
	case !exists:
		return Record{}, ErrNotFound
	case cur.Version != expectedVersion:
		return Record{}, fmt.Errorf("%w: %s/%s is at version %d, expected %d",
			ErrVersionConflict, rec.Kind, rec.EntityID, cur.Version, expectedVersion)
	default:
		rec.Version = cur.Version + 1
		rec.CreatedAt = cur.CreatedAt
	}
	rec.UpdatedAt = now
	rec = copyRecord(rec)
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *MemoryStore) List(ctx context.Context, namespace, kind string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for k, rec := range s.records {
		if k.namespace == namespace && k.kind == kind {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{namespace, kind, id}
	if _, ok := s.records[key]; !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	return nil
}

func copyRecord(r Record) Record {
	r.Data = append([]byte(nil), r.Data...)
	return r
}

var _ Store = (*MemoryStore)(nil)
