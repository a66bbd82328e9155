// Package handlers implements the tenant task API and the admin surface over
// HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub-stack/common/httputil"
	"github.com/telhawk-systems/taskhub-stack/common/models"
	"github.com/telhawk-systems/taskhub-stack/core/internal/auth"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/hub"
	"github.com/telhawk-systems/taskhub-stack/core/internal/publisher"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidTenantID),
		errors.Is(err, models.ErrInvalidType),
		errors.Is(err, models.ErrPayloadMismatch),
		errors.Is(err, hub.ErrInvalidPattern):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrNotReplayable):
		status, code = http.StatusUnprocessableEntity, "not_replayable"
	case errors.Is(err, publisher.ErrUnknownTenant),
		errors.Is(err, tenant.ErrNotFound):
		status, code = http.StatusNotFound, "unknown_tenant"
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, dlq.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, tenant.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrVersionConflict):
		status, code = http.StatusConflict, "version_conflict"
	case errors.Is(err, queue.ErrLeaseExpired):
		status, code = http.StatusConflict, "lease_expired"
	case errors.Is(err, service.ErrTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, service.ErrArchiveDisabled):
		status, code = http.StatusNotImplemented, "archive_disabled"
	case errors.Is(err, hub.ErrClosed):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", msg),
		)
		msg = "internal server error"
	}
	httputil.WriteError(w, status, code, msg)
}
