package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

const AttachmentProcessorID = "attachment-processor"

// AttachmentProcessor fingerprints uploaded attachments read from the
// tenant's storage namespace.
type AttachmentProcessor struct {
	tenants tenant.Resolver
	blobs   blob.Store
	dedup   dedup.Store
	queue   Enqueuer
	logger  *slog.Logger
}

func NewAttachmentProcessor(tenants tenant.Resolver, blobs blob.Store, d dedup.Store, q Enqueuer, logger *slog.Logger) *AttachmentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentProcessor{
		tenants: tenants,
		blobs:   blobs,
		dedup:   d,
		queue:   q,
		logger:  logger.With(logging.HandlerID(AttachmentProcessorID)),
	}
}

func (h *AttachmentProcessor) ID() string { return AttachmentProcessorID }

func (h *AttachmentProcessor) Handle(ctx context.Context, ev *models.Event) Result {
	p, ok := ev.Payload.(models.AttachmentUploaded)
	if !ok {
		return Fail(fmt.Errorf("attachment-processor cannot handle %s", ev.Type))
	}

	tc, err := h.tenants.Resolve(ctx, ev.TenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return Fail(fmt.Errorf("tenant %s: %w", ev.TenantID, err))
	}
	if err != nil {
		return Retry(fmt.Errorf("resolve tenant: %w", err))
	}

	return markOnce(ctx, h.dedup, AttachmentProcessorID, ev, func() Result {
		data, err := h.blobs.Get(ctx, tc.StorageNamespace, p.BlobKey)
		if errors.Is(err, blob.ErrNotFound) {
			return Fail(fmt.Errorf("attachment blob %s: %w", p.BlobKey, err))
		}
		if err != nil {
			return Retry(fmt.Errorf("read attachment blob: %w", err))
		}

		sum := sha256.Sum256(data)
		contentType := p.ContentType
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}

		h.logger.DebugContext(ctx, "attachment fingerprinted",
			logging.TenantID(ev.TenantID),
			logging.EventID(ev.ID),
			slog.String("attachment_id", p.AttachmentID),
			slog.Int("size", len(data)),
		)

		return enqueueJSON(ctx, h.queue, ev, AttachmentProcessorID, p.TaskID, KindAttachmentProcessed, AttachmentResult{
			EventID:      ev.ID,
			TenantID:     ev.TenantID,
			TaskID:       p.TaskID,
			AttachmentID: p.AttachmentID,
			Filename:     p.Filename,
			BlobKey:      p.BlobKey,
			Size:         int64(len(data)),
			SHA256:       hex.EncodeToString(sum[:]),
			ContentType:  contentType,
		})
	})
}
