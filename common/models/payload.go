package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged union carried by an Event. Every variant reports the
// event type it belongs to and the schema version it was written with.
type Payload interface {
	EventType() string
	SchemaVersion() int
}

// Current schema versions per payload variant.
const (
	TaskCreatedSchema        = 1
	TaskUpdatedSchema        = 1
	AttachmentUploadedSchema = 1
)

// TaskCreated is emitted when a task is created.
type TaskCreated struct {
	Schema      int    `json:"schema_version"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

func (TaskCreated) EventType() string    { return TypeTaskCreated }
func (p TaskCreated) SchemaVersion() int { return p.Schema }

// TaskUpdated is emitted when a task's title, description, status or assignee changes.
type TaskUpdated struct {
	Schema      int    `json:"schema_version"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Version     int64  `json:"version"`
}

func (TaskUpdated) EventType() string    { return TypeTaskUpdated }
func (p TaskUpdated) SchemaVersion() int { return p.Schema }

// AttachmentUploaded is emitted after an attachment blob was stored.
type AttachmentUploaded struct {
	Schema       int    `json:"schema_version"`
	TaskID       string `json:"task_id"`
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	BlobKey      string `json:"blob_key"`
}

func (AttachmentUploaded) EventType() string    { return TypeAttachmentUploaded }
func (p AttachmentUploaded) SchemaVersion() int { return p.Schema }

// RawPayload holds payloads of event types this build does not know about.
// It keeps the original bytes so the event can be re-published unchanged.
type RawPayload struct {
	Data json.RawMessage
}

func (RawPayload) EventType() string { return "" }

func (p RawPayload) SchemaVersion() int {
	var peek struct {
		Schema int `json:"schema_version"`
	}
	_ = json.Unmarshal(p.Data, &peek)
	return peek.Schema
}

// MarshalJSON emits the original bytes.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// DecodePayload decodes data into the variant registered for eventType.
// Unknown types decode into RawPayload.
func DecodePayload(eventType string, data json.RawMessage) (Payload, error) {
	switch eventType {
	case TypeTaskCreated:
		var p TaskCreated
		if err := decodeVersioned(data, &p, &p.Schema, TaskCreatedSchema); err != nil {
			return nil, err
		}
		return p, nil
	case TypeTaskUpdated:
		var p TaskUpdated
		if err := decodeVersioned(data, &p, &p.Schema, TaskUpdatedSchema); err != nil {
			return nil, err
		}
		return p, nil
	case TypeAttachmentUploaded:
		var p AttachmentUploaded
		if err := decodeVersioned(data, &p, &p.Schema, AttachmentUploadedSchema); err != nil {
			return nil, err
		}
		return p, nil
	default:
		cp := make(json.RawMessage, len(data))
		copy(cp, data)
		return RawPayload{Data: cp}, nil
	}
}

// decodeVersioned unmarshals data into v and rejects schema versions newer
// than this build understands. A missing version is treated as version 1.
func decodeVersioned(data json.RawMessage, v any, schema *int, current int) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if *schema == 0 {
		*schema = 1
	}
	if *schema > current {
		return fmt.Errorf("unsupported schema version %d (max %d)", *schema, current)
	}
	return nil
}

// EntityID returns the task identifier a payload refers to, or "" when the
// payload is not task-scoped.
func EntityID(p Payload) string {
	switch v := p.(type) {
	case TaskCreated:
		return v.TaskID
	case TaskUpdated:
		return v.TaskID
	case AttachmentUploaded:
		return v.TaskID
	case RawPayload:
		var peek struct {
			TaskID string `json:"task_id"`
		}
		_ = json.Unmarshal(v.Data, &peek)
		return peek.TaskID
	default:
		return ""
	}
}
