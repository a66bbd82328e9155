// Package models holds the domain event shared by every pipeline component.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Event type tags.
const (
	TypeTaskCreated        = "TaskCreated"
	TypeTaskUpdated        = "TaskUpdated"
	TypeAttachmentUploaded = "AttachmentUploaded"
)

var (
	ErrInvalidTenantID = errors.New("invalid tenant id")
	ErrInvalidType     = errors.New("invalid event type")
	ErrPayloadMismatch = errors.New("payload does not match event type")
)

var (
	tenantIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	eventTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)
)

// ValidTenantID reports whether id is usable as a tenant identifier. Tenant IDs
// end up in NATS subjects, Redis keys and queue ordering keys, so they are
// restricted to a conservative alphabet.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// ValidEventType reports whether t is a well-formed event type tag.
func ValidEventType(t string) bool {
	return eventTypePattern.MatchString(t)
}

// Event is an immutable record of something that happened inside one tenant.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural invariants of an event.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if !ValidTenantID(e.TenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, e.TenantID)
	}
	if !ValidEventType(e.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Payload == nil {
		return errors.New("event payload is required")
	}
	if pt := e.Payload.EventType(); pt != "" && pt != e.Type {
		return fmt.Errorf("%w: payload %s, event %s", ErrPayloadMismatch, pt, e.Type)
	}
	return nil
}

type eventJSON struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// UnmarshalJSON decodes the payload into the variant registered for the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	*e = Event{
		ID:        raw.ID,
		Type:      raw.Type,
		TenantID:  raw.TenantID,
		Payload:   payload,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}
