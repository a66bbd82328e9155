package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/taskhub-stack/common/middleware"
	"github.com/telhawk-systems/taskhub-stack/core/internal/handlers"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

// Handlers groups everything the core router serves.
type Handlers struct {
	Tasks  *handlers.TaskHandler
	Admin  *handlers.AdminHandler
	Health *handlers.HealthHandler
	Auth   *handlers.AuthMiddleware
}

// NewRouter wires HTTP routes for the core service.
func NewRouter(h Handlers) http.Handler {
	mux := http.NewServeMux()

	tenantRoute := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.Auth.RequireTenant(fn))
	}
	adminRoute := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.Auth.RequireAdmin(fn))
	}

	// Tenant API
	tenantRoute("/api/v1/tasks", h.Tasks.Tasks)
	tenantRoute("/api/v1/tasks/{id}", h.Tasks.Task)
	tenantRoute("/api/v1/tasks/{id}/attachments", h.Tasks.Attachments)
	tenantRoute("/api/v1/tasks/{id}/attachments/{attachmentID}", h.Tasks.Attachment)

	// Admin surface
	adminRoute("/admin/v1/tenants", h.Admin.Tenants)
	adminRoute("/admin/v1/tenants/{id}", h.Admin.Tenant)
	adminRoute("/admin/v1/tenants/{id}/token", h.Admin.Token)
	adminRoute("/admin/v1/deadletters", h.Admin.DeadLetters)
	adminRoute("/admin/v1/deadletters/stats", h.Admin.DeadLetterStats)
	adminRoute("/admin/v1/deadletters/{id}", h.Admin.DeadLetter)
	adminRoute("/admin/v1/deadletters/{id}/replay", h.Admin.Replay)
	adminRoute("/admin/v1/subscriptions", h.Admin.Subscriptions)
	adminRoute("/admin/v1/queue/stats", h.Admin.QueueStats)
	adminRoute("/admin/v1/archive/events", h.Admin.ArchiveEvents)

	mux.HandleFunc("/healthz", h.Health.Health)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(middleware.Recover(instrument(mux)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request durations labelled by the matched route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
