package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

// Applier merges handler results from the durable queue into task state.
// Applying the same message twice leaves the task unchanged.
type Applier struct {
	tenants tenant.Resolver
	store   store.Store
	logger  *slog.Logger

	applied atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func NewApplier(tenants tenant.Resolver, st store.Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{tenants: tenants, store: st, logger: logger}
}

// ApplierStats counts apply outcomes since start.
type ApplierStats struct {
	Applied uint64 `json:"applied"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

func (a *Applier) Stats() ApplierStats {
	return ApplierStats{
		Applied: a.applied.Load(),
		Skipped: a.skipped.Load(),
		Failed:  a.failed.Load(),
	}
}

// Apply implements queue.Applier. Errors that a retry cannot fix are marked
// queue.Permanent so the message is dead-lettered right away.
func (a *Applier) Apply(ctx context.Context, msg queue.Message) error {
	var (
		changed bool
		err     error
	)
	switch msg.Kind {
	case workers.KindTaskEnriched:
		changed, err = a.applyEnrichment(ctx, msg)
	case workers.KindAttachmentProcessed:
		changed, err = a.applyAttachment(ctx, msg)
	default:
		err = queue.Permanent(fmt.Errorf("unknown message kind %q", msg.Kind))
	}

	switch {
	case err != nil:
		a.failed.Add(1)
		metrics.ResultsApplied.WithLabelValues(msg.Kind, "error").Inc()
		a.logger.WarnContext(ctx, "apply failed",
			logging.MessageID(msg.ID),
			logging.TenantID(msg.TenantID),
			slog.String("kind", msg.Kind),
			slog.Bool("permanent", queue.IsPermanent(err)),
			logging.Error(err),
		)
		return err
	case changed:
		a.applied.Add(1)
		metrics.ResultsApplied.WithLabelValues(msg.Kind, "applied").Inc()
	default:
		a.skipped.Add(1)
		metrics.ResultsApplied.WithLabelValues(msg.Kind, "skipped").Inc()
	}
	return nil
}

func (a *Applier) resolve(ctx context.Context, msgTenant, payloadTenant string) (tenant.Context, error) {
	if msgTenant != "" && payloadTenant != msgTenant {
		return tenant.Context{}, queue.Permanent(fmt.Errorf("payload tenant %q does not match message tenant %q", payloadTenant, msgTenant))
	}
	tc, err := a.tenants.Resolve(ctx, payloadTenant)
	if errors.Is(err, tenant.ErrNotFound) {
		return tenant.Context{}, queue.Permanent(fmt.Errorf("tenant %q: %w", payloadTenant, err))
	}
	if err != nil {
		return tenant.Context{}, err
	}
	return tc, nil
}

func (a *Applier) applyEnrichment(ctx context.Context, msg queue.Message) (bool, error) {
	var res workers.TaskEnrichment
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return false, queue.Permanent(fmt.Errorf("decode enrichment: %w", err))
	}
	tc, err := a.resolve(ctx, msg.TenantID, res.TenantID)
	if err != nil {
		return false, err
	}

	changed := false
	err = modifyTask(ctx, a.store, tc.DataNamespace, res.TaskID, func(t *Task) bool {
		// Results for an older revision never overwrite newer ones.
		if res.SourceVersion < t.EnrichedVersion {
			return false
		}
		if res.SourceVersion == t.EnrichedVersion &&
			t.NormalizedTitle == res.NormalizedTitle &&
			t.WordCount == res.WordCount &&
			slices.Equal(t.Tags, res.Tags) {
			return false
		}
		t.EnrichedVersion = res.SourceVersion
		t.NormalizedTitle = res.NormalizedTitle
		t.WordCount = res.WordCount
		t.Tags = res.Tags
		changed = true
		return true
	})
	return changed, a.mapModifyErr(err, res.TaskID)
}

func (a *Applier) applyAttachment(ctx context.Context, msg queue.Message) (bool, error) {
	var res workers.AttachmentResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return false, queue.Permanent(fmt.Errorf("decode attachment result: %w", err))
	}
	tc, err := a.resolve(ctx, msg.TenantID, res.TenantID)
	if err != nil {
		return false, err
	}

	changed := false
	err = modifyTask(ctx, a.store, tc.DataNamespace, res.TaskID, func(t *Task) bool {
		att := t.attachment(res.AttachmentID)
		if att == nil {
			t.Attachments = append(t.Attachments, Attachment{
				ID:       res.AttachmentID,
				Filename: res.Filename,
				BlobKey:  res.BlobKey,
				Size:     res.Size,
			})
			att = &t.Attachments[len(t.Attachments)-1]
		}
		if att.Processed && att.SHA256 == res.SHA256 && att.ContentType == res.ContentType {
			return false
		}
		att.SHA256 = res.SHA256
		att.ContentType = res.ContentType
		att.Size = res.Size
		att.Processed = true
		changed = true
		return true
	})
	return changed, a.mapModifyErr(err, res.TaskID)
}

func (a *Applier) mapModifyErr(err error, taskID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return queue.Permanent(fmt.Errorf("task %s: %w", taskID, err))
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("task %s kept changing: %w", taskID, err)
	default:
		return err
	}
}

var _ queue.Applier = (*Applier)(nil)
