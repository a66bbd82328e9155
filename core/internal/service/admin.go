package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/archive"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/hub"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

var (
	ErrNotReplayable   = errors.New("dead letter cannot be replayed")
	ErrArchiveDisabled = errors.New("event archive is disabled")
)

// Redeliverer restarts the delivery of an event to one handler.
type Redeliverer interface {
	Redeliver(ctx context.Context, handlerID string, ev *models.Event) error
}

// TokenIssuer signs tenant API tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, tenantID string) (string, time.Time, error)
}

// AdminDeps are the components operator commands act on. Archive may be nil
// when archiving is disabled.
type AdminDeps struct {
	Tenants       tenant.Registry
	DeadLetters   dlq.Sink
	Hub           Redeliverer
	Subscriptions *hub.SubscriptionTable
	Queue         queue.Queue
	Archive       archive.Archive
	Tokens        TokenIssuer
	Applier       *Applier
}

// AdminService implements the administrative surface.
type AdminService struct {
	deps   AdminDeps
	logger *slog.Logger
}

func NewAdminService(deps AdminDeps, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{deps: deps, logger: logger}
}

// OnboardInput names a new tenant. Empty namespaces are derived from the id.
type OnboardInput struct {
	TenantID         string `json:"tenant_id"`
	DataNamespace    string `json:"data_namespace,omitempty"`
	StorageNamespace string `json:"storage_namespace,omitempty"`
}

func (a *AdminService) Onboard(ctx context.Context, in OnboardInput) (tenant.Context, error) {
	ns := tenant.Namespaces{Data: in.DataNamespace, Storage: in.StorageNamespace}
	if ns.Data == "" {
		ns.Data = "data_" + strings.ToLower(in.TenantID)
	}
	if ns.Storage == "" {
		ns.Storage = "blob-" + strings.ToLower(in.TenantID)
	}
	tc, err := a.deps.Tenants.Register(ctx, in.TenantID, ns)
	if err != nil {
		return tenant.Context{}, err
	}
	a.refreshTenantGauge(ctx)
	a.logger.InfoContext(ctx, "tenant onboarded",
		logging.TenantID(tc.TenantID),
		slog.String("data_namespace", tc.DataNamespace),
		slog.String("storage_namespace", tc.StorageNamespace),
	)
	return tc, nil
}

func (a *AdminService) Offboard(ctx context.Context, tenantID string) error {
	if err := a.deps.Tenants.Deactivate(ctx, tenantID); err != nil {
		return err
	}
	a.refreshTenantGauge(ctx)
	a.logger.InfoContext(ctx, "tenant offboarded", logging.TenantID(tenantID))
	return nil
}

func (a *AdminService) ListTenants(ctx context.Context) ([]tenant.Context, error) {
	return a.deps.Tenants.List(ctx)
}

func (a *AdminService) refreshTenantGauge(ctx context.Context) {
	all, err := a.deps.Tenants.List(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, tc := range all {
		if tc.Active() {
			active++
		}
	}
	metrics.TenantsActive.Set(float64(active))
}

// TokenResponse is an issued tenant token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *AdminService) IssueToken(ctx context.Context, tenantID string) (TokenResponse, error) {
	token, exp, err := a.deps.Tokens.IssueToken(ctx, tenantID)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{Token: token, ExpiresAt: exp}, nil
}

func (a *AdminService) ListDeadLetters(ctx context.Context, f dlq.Filter) ([]dlq.Entry, error) {
	return a.deps.DeadLetters.List(ctx, f)
}

func (a *AdminService) GetDeadLetter(ctx context.Context, id string) (dlq.Entry, error) {
	return a.deps.DeadLetters.Get(ctx, id)
}

func (a *AdminService) DeleteDeadLetter(ctx context.Context, id string) error {
	return a.deps.DeadLetters.Delete(ctx, id)
}

func (a *AdminService) DeadLetterStats(ctx context.Context) (dlq.Stats, error) {
	return a.deps.DeadLetters.Stats(ctx)
}

// ReplayResult reports where a replayed dead letter went.
type ReplayResult struct {
	EntryID   string     `json:"entry_id"`
	Source    dlq.Source `json:"source"`
	HandlerID string     `json:"handler_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
}

// Replay hands a dead letter back to the component that gave up on it: hub
// entries are redelivered to their handler, queue entries are enqueued again
// under their ordering key. The entry is removed once the replay was
// accepted. Entries of offboarded tenants are not replayed.
func (a *AdminService) Replay(ctx context.Context, id string) (ReplayResult, error) {
	e, err := a.deps.DeadLetters.Get(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	tc, err := a.deps.Tenants.Resolve(ctx, e.TenantID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("%w: tenant %s: %w", ErrNotReplayable, e.TenantID, err)
	}
	if !tc.Active() {
		return ReplayResult{}, fmt.Errorf("%w: tenant %s is offboarded", ErrNotReplayable, e.TenantID)
	}

	res := ReplayResult{EntryID: e.ID, Source: e.Source}
	switch e.Source {
	case dlq.SourceHub:
		if e.Event == nil || e.HandlerID == "" {
			return ReplayResult{}, fmt.Errorf("%w: entry %s has no event", ErrNotReplayable, e.ID)
		}
		if err := a.deps.Hub.Redeliver(ctx, e.HandlerID, e.Event); err != nil {
			return ReplayResult{}, fmt.Errorf("redeliver: %w", err)
		}
		res.HandlerID = e.HandlerID
	case dlq.SourceQueue:
		if e.OrderingKey == "" {
			return ReplayResult{}, fmt.Errorf("%w: entry %s has no ordering key", ErrNotReplayable, e.ID)
		}
		msgID, err := a.deps.Queue.Enqueue(ctx, e.OrderingKey, e.Payload,
			queue.WithTenant(e.TenantID),
			queue.WithKind(e.Kind),
		)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("re-enqueue: %w", err)
		}
		res.MessageID = msgID
	default:
		return ReplayResult{}, fmt.Errorf("%w: unknown source %q", ErrNotReplayable, e.Source)
	}

	if err := a.deps.DeadLetters.Delete(ctx, e.ID); err != nil {
		a.logger.WarnContext(ctx, "replayed dead letter not removed",
			slog.String("entry_id", e.ID),
			logging.Error(err),
		)
	}
	metrics.DeadLetterReplays.WithLabelValues(string(e.Source)).Inc()
	a.logger.InfoContext(ctx, "dead letter replayed",
		slog.String("entry_id", e.ID),
		slog.String("source", string(e.Source)),
		logging.TenantID(e.TenantID),
	)
	return res, nil
}

func (a *AdminService) Subscriptions() hub.Snapshot {
	return a.deps.Subscriptions.Snapshot()
}

// QueueStatus combines queue contents with applier counters.
type QueueStatus struct {
	queue.Stats
	Applier ApplierStats `json:"applier"`
}

func (a *AdminService) QueueStats(ctx context.Context) (QueueStatus, error) {
	st, err := a.deps.Queue.Stats(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	out := QueueStatus{Stats: st}
	if a.deps.Applier != nil {
		out.Applier = a.deps.Applier.Stats()
	}
	return out, nil
}

func (a *AdminService) SearchArchive(ctx context.Context, q archive.Query) ([]archive.Document, error) {
	if a.deps.Archive == nil {
		return nil, ErrArchiveDisabled
	}
	return a.deps.Archive.Search(ctx, q)
}
