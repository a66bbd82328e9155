// Package service implements the core service: tenant-scoped task state, the
// queue applier that merges handler results, and operator commands.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

const taskKind = "task"

var (
	ErrNotFound     = errors.New("task not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTooLarge     = errors.New("attachment too large")
)

var entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Task statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

func validStatus(s string) bool {
	return s == StatusOpen || s == StatusInProgress || s == StatusDone
}

// Task is the tenant-owned entity behind the API. Revision counts user
// edits; Version is the store's concurrency token and also moves when
// enrichment results are merged.
type Task struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Assignee        string       `json:"assignee,omitempty"`
	Status          string       `json:"status"`
	Revision        int64        `json:"revision"`
	NormalizedTitle string       `json:"normalized_title,omitempty"`
	WordCount       int          `json:"word_count"`
	Tags            []string     `json:"tags,omitempty"`
	EnrichedVersion int64        `json:"enriched_revision"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Attachment describes a stored file. SHA256 and Processed are filled in
// once the attachment processor result has been applied.
type Attachment struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	BlobKey     string    `json:"blob_key"`
	SHA256      string    `json:"sha256,omitempty"`
	Processed   bool      `json:"processed"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func (t *Task) attachment(id string) *Attachment {
	for i := range t.Attachments {
		if t.Attachments[i].ID == id {
			return &t.Attachments[i]
		}
	}
	return nil
}

func taskFromRecord(rec store.Record) (*Task, error) {
	var t Task
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", rec.EntityID, err)
	}
	t.Version = rec.Version
	t.CreatedAt = rec.CreatedAt
	t.UpdatedAt = rec.UpdatedAt
	return &t, nil
}

func taskRecord(namespace string, t *Task) (store.Record, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return store.Record{Namespace: namespace, Kind: taskKind, EntityID: t.ID, Data: data}, nil
}

// EventPublisher is the publishing side the service needs.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload models.Payload) (string, error)
}

type TaskService struct {
	store        store.Store
	blobs        blob.Store
	publisher    EventPublisher
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewTaskService(st store.Store, blobs blob.Store, pub EventPublisher, maxBodyBytes int64, logger *slog.Logger) *TaskService {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{store: st, blobs: blobs, publisher: pub, maxBodyBytes: maxBodyBytes, logger: logger}
}

// MaxAttachmentBytes is the upload size limit.
func (s *TaskService) MaxAttachmentBytes() int64 { return s.maxBodyBytes }

type CreateTaskInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// CreateTask stores a new task and publishes TaskCreated. When the event
// cannot be published the task is removed again and the error returned.
func (s *TaskService) CreateTask(ctx context.Context, tc tenant.Context, in CreateTaskInput) (*Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		in.ID = id.String()
	}
	if !entityIDPattern.MatchString(in.ID) {
		return nil, fmt.Errorf("%w: task id %q", ErrInvalidInput, in.ID)
	}

	task := &Task{
		ID:          in.ID,
		TenantID:    tc.TenantID,
		Title:       in.Title,
		Description: in.Description,
		Assignee:    in.Assignee,
		Status:      StatusOpen,
		Revision:    1,
	}
	rec, err := taskRecord(tc.DataNamespace, task)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.Put(ctx, rec, 0)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	_, err = s.publisher.Publish(ctx, tc.TenantID, models.TypeTaskCreated, models.TaskCreated{
		Schema:      models.TaskCreatedSchema,
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Assignee:    task.Assignee,
	})
	if err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), tc.DataNamespace, taskKind, task.ID); delErr != nil {
			s.logger.ErrorContext(ctx, "failed to remove unpublished task",
				logging.TenantID(tc.TenantID),
				slog.String("task_id", task.ID),
				logging.Error(delErr),
			)
		}
		return nil, fmt.Errorf("publish task created: %w", err)
	}
	return taskFromRecord(saved)
}

func (s *TaskService) GetTask(ctx context.Context, tc tenant.Context, id string) (*Task, error) {
	rec, err := s.store.Get(ctx, tc.DataNamespace, taskKind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return taskFromRecord(rec)
}

func (s *TaskService) ListTasks(ctx context.Context, tc tenant.Context, limit int) ([]*Task, error) {
	recs, err := s.store.List(ctx, tc.DataNamespace, taskKind, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(recs))
	for _, rec := range recs {
		t, err := taskFromRecord(rec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateTaskInput carries the fields to change. Version must be the task
// version the caller last read.
type UpdateTaskInput struct {
	Version     int64   `json:"version"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// UpdateTask applies a user edit guarded by the version token and publishes
// TaskUpdated carrying the new revision.
func (s *TaskService) UpdateTask(ctx context.Context, tc tenant.Context, id string, in UpdateTaskInput) (*Task, error) {
	if in.Version <= 0 {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}
	task, err := s.GetTask(ctx, tc, id)
	if err != nil {
		return nil, err
	}

	ev := models.TaskUpdated{Schema: models.TaskUpdatedSchema, TaskID: id}
	changed := false
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		if title != task.Title {
			task.Title, ev.Title, changed = title, title, true
		}
	}
	if in.Description != nil && *in.Description != task.Description {
		task.Description, ev.Description, changed = *in.Description, *in.Description, true
	}
	if in.Assignee != nil && *in.Assignee != task.Assignee {
		task.Assignee, ev.Assignee, changed = *in.Assignee, *in.Assignee, true
	}
	if in.Status != nil && *in.Status != task.Status {
		if !validStatus(*in.Status) {
			return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *in.Status)
		}
		task.Status, ev.Status, changed = *in.Status, *in.Status, true
	}
	if !changed {
		if task.Version != in.Version {
			return nil, fmt.Errorf("%w: task is at version %d", store.ErrVersionConflict, task.Version)
		}
		return task, nil
	}

	task.Revision++
	ev.Version = task.Revision
	rec, err := taskRecord(tc.DataNamespace, task)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.Put(ctx, rec, in.Version)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if _, err := s.publisher.Publish(ctx, tc.TenantID, models.TypeTaskUpdated, ev); err != nil {
		return nil, fmt.Errorf("task saved but TaskUpdated not published: %w", err)
	}
	return taskFromRecord(saved)
}

type UploadInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadAttachment stores the file in the tenant's storage namespace, links
// it to the task and publishes AttachmentUploaded.
func (s *TaskService) UploadAttachment(ctx context.Context, tc tenant.Context, taskID string, in UploadInput) (*Attachment, error) {
	if int64(len(in.Data)) > s.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBodyBytes)
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: attachment is empty", ErrInvalidInput)
	}
	in.Filename = strings.TrimSpace(in.Filename)
	if in.Filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if _, err := s.GetTask(ctx, tc, taskID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate attachment id: %w", err)
	}
	att := Attachment{
		ID:          id.String(),
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Size:        int64(len(in.Data)),
		BlobKey:     "attachments/" + taskID + "/" + id.String(),
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.blobs.Put(ctx, tc.StorageNamespace, att.BlobKey, in.Data); err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	err = modifyTask(ctx, s.store, tc.DataNamespace, taskID, func(t *Task) bool {
		if t.attachment(att.ID) != nil {
			return false
		}
		t.Attachments = append(t.Attachments, att)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("link attachment: %w", err)
	}

	_, err = s.publisher.Publish(ctx, tc.TenantID, models.TypeAttachmentUploaded, models.AttachmentUploaded{
		Schema:       models.AttachmentUploadedSchema,
		TaskID:       taskID,
		AttachmentID: att.ID,
		Filename:     att.Filename,
		ContentType:  att.ContentType,
		Size:         att.Size,
		BlobKey:      att.BlobKey,
	})
	if err != nil {
		return nil, fmt.Errorf("attachment saved but AttachmentUploaded not published: %w", err)
	}
	return &att, nil
}

// GetAttachment returns the attachment metadata and its content.
func (s *TaskService) GetAttachment(ctx context.Context, tc tenant.Context, taskID, attachmentID string) (*Attachment, []byte, error) {
	task, err := s.GetTask(ctx, tc, taskID)
	if err != nil {
		return nil, nil, err
	}
	att := task.attachment(attachmentID)
	if att == nil {
		return nil, nil, fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
	}
	data, err := s.blobs.Get(ctx, tc.StorageNamespace, att.BlobKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read attachment: %w", err)
	}
	return att, data, nil
}

const maxModifyAttempts = 5

// modifyTask reads, mutates and writes a task, retrying on version conflicts.
// fn returns false when nothing needs to be written.
func modifyTask(ctx context.Context, st store.Store, namespace, taskID string, fn func(t *Task) bool) error {
	var lastErr error
	for attempt := 0; attempt < maxModifyAttempts; attempt++ {
		rec, err := st.Get(ctx, namespace, taskKind, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		task, err := taskFromRecord(rec)
		if err != nil {
			return err
		}
		if !fn(task) {
			return nil
		}
		next, err := taskRecord(namespace, task)
		if err != nil {
			return err
		}
		_, err = st.Put(ctx, next, rec.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
