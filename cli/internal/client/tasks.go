package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

type Task struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Assignee         string       `json:"assignee,omitempty"`
	Status           string       `json:"status"`
	Revision         int64        `json:"revision"`
	NormalizedTitle  string       `json:"normalized_title,omitempty"`
	WordCount        int          `json:"word_count"`
	Tags             []string     `json:"tags,omitempty"`
	EnrichedRevision int64        `json:"enriched_revision"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type Attachment struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256,omitempty"`
	Processed   bool      `json:"processed"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type CreateTaskRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// UpdateTaskRequest carries a partial update. Nil fields are left alone.
type UpdateTaskRequest struct {
	Version     int64   `json:"version"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var out Task
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	path := withQuery("/api/v1/tasks", url.Values{"limit": {limitParam(limit)}})
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (*Task, error) {
	var out Task
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadAttachment(ctx context.Context, taskID, filename, contentType string, data []byte) (*Attachment, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	path := withQuery("/api/v1/tasks/"+url.PathEscape(taskID)+"/attachments", url.Values{"filename": {filename}})
	var out Attachment
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(data), contentType, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadAttachment streams the attachment body into w.
func (c *Client) DownloadAttachment(ctx context.Context, taskID, attachmentID string, w io.Writer) error {
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/attachments/" + url.PathEscape(attachmentID)
	return c.do(ctx, http.MethodGet, path, nil, "", w)
}
