package workers

// Queue message kinds produced by the handlers.
const (
	KindTaskEnriched        = "task.enriched"
	KindAttachmentProcessed = "attachment.processed"
)

// TaskEnrichment is the payload of a task.enriched message.
type TaskEnrichment struct {
	EventID         string   `json:"event_id"`
	TenantID        string   `json:"tenant_id"`
	TaskID          string   `json:"task_id"`
	SourceVersion   int64    `json:"source_version"`
	NormalizedTitle string   `json:"normalized_title,omitempty"`
	WordCount       int      `json:"word_count"`
	Tags            []string `json:"tags,omitempty"`
}

// AttachmentResult is the payload of an attachment.processed message.
type AttachmentResult struct {
	EventID      string `json:"event_id"`
	TenantID     string `json:"tenant_id"`
	TaskID       string `json:"task_id"`
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	BlobKey      string `json:"blob_key"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
	ContentType  string `json:"content_type"`
}
