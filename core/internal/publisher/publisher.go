// Package publisher stamps domain events and hands them to the hub.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Dispatcher is the hub side of publishing.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.Event) error
}

type Publisher struct {
	tenants tenant.Resolver
	hub     Dispatcher
	logger  *slog.Logger
	now     func() time.Time
}

func New(tenants tenant.Resolver, hub Dispatcher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{tenants: tenants, hub: hub, logger: logger, now: time.Now}
}

// Publish creates an event for an active tenant and returns its id once the
// hub has durably recorded it. Handler failures never surface here.
func (p *Publisher) Publish(ctx context.Context, tenantID, eventType string, payload models.Payload) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	ev := &models.Event{
		ID:        id.String(),
		Type:      eventType,
		TenantID:  tenantID,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	}
	if err := p.PublishEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// PublishEvent forwards an already stamped event, keeping its id. Publishing
// the same event twice is how at-least-once redelivery looks to handlers.
func (p *Publisher) PublishEvent(ctx context.Context, ev *models.Event) error {
	tc, err := p.tenants.Resolve(ctx, ev.TenantID)
	if errors.Is(err, tenant.ErrNotFound) || (err == nil && !tc.Active()) {
		metrics.EventsPublished.WithLabelValues(ev.Type, "unknown_tenant").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownTenant, ev.TenantID)
	}
	if err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("resolve tenant: %w", err)
	}

	if err := ev.Validate(); err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "invalid").Inc()
		return err
	}

	if err := p.hub.Dispatch(ctx, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		p.logger.ErrorContext(ctx, "event publish failed",
			logging.TenantID(ev.TenantID),
			logging.EventID(ev.ID),
			logging.EventType(ev.Type),
			logging.Error(err),
		)
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	metrics.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
	p.logger.InfoContext(ctx, "event published",
		logging.TenantID(ev.TenantID),
		logging.EventID(ev.ID),
		logging.EventType(ev.Type),
	)
	return nil
}
