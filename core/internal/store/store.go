// Package store is the transactional store collaborator: JSON records keyed
// by tenant data namespace, kind and entity id, guarded by version tokens.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record version conflict")
)

// Record is one stored entity. Version starts at 1 and increases on every
// successful write.
type Record struct {
	Namespace string          `json:"namespace"`
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entity_id"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store reads and writes records with optimistic concurrency.
type Store interface {
	Get(ctx context.Context, namespace, kind, id string) (Record, error)
	// Put writes rec. An expectedVersion of 0 creates the record and fails
	// with ErrVersionConflict if it exists; otherwise the stored version must
	// equal expectedVersion.
	Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error)
	// List returns up to limit records of a kind, oldest first.
	List(ctx context.Context, namespace, kind string, limit int) ([]Record, error)
	Delete(ctx context.Context, namespace, kind, id string) error
}

func validateRecord(rec Record) error {
	if rec.Namespace == "" || rec.Kind == "" || rec.EntityID == "" {
		return fmt.Errorf("namespace, kind and entity id are required")
	}
	if !json.Valid(rec.Data) {
		return fmt.Errorf("record data is not valid JSON")
	}
	return nil
}
