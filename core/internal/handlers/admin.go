package handlers

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/httputil"
	"github.com/telhawk-systems/taskhub-stack/core/internal/archive"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
)

// AdminHandler serves /admin/v1. Every route runs behind
// AuthMiddleware.RequireAdmin.
type AdminHandler struct {
	admin *service.AdminService
}

func NewAdminHandler(admin *service.AdminService) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// Tenants handles GET (list) and POST (onboard) /admin/v1/tenants.
func (h *AdminHandler) Tenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenants, err := h.admin.ListTenants(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
	case http.MethodPost:
		var in service.OnboardInput
		if err := httputil.DecodeJSON(w, r, &in); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		tc, err := h.admin.Onboard(r.Context(), in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, tc)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// Tenant handles DELETE /admin/v1/tenants/{id} (offboard).
func (h *AdminHandler) Tenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w, http.MethodDelete)
		return
	}
	if err := h.admin.Offboard(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Token handles POST /admin/v1/tenants/{id}/token.
func (h *AdminHandler) Token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	tok, err := h.admin.IssueToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tok)
}

// DeadLetters handles GET /admin/v1/deadletters?tenant_id=&source=&limit=.
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	entries, err := h.admin.ListDeadLetters(r.Context(), dlq.Filter{
		TenantID: q.Get("tenant_id"),
		Source:   dlq.Source(q.Get("source")),
		Limit:    httputil.ParseLimit(r, 100, 1000),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

// DeadLetterStats handles GET /admin/v1/deadletters/stats.
func (h *AdminHandler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := h.admin.DeadLetterStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// DeadLetter handles GET and DELETE /admin/v1/deadletters/{id}.
func (h *AdminHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		e, err := h.admin.GetDeadLetter(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, e)
	case http.MethodDelete:
		if err := h.admin.DeleteDeadLetter(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// Replay handles POST /admin/v1/deadletters/{id}/replay.
func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	res, err := h.admin.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, res)
}

// Subscriptions handles GET /admin/v1/subscriptions.
func (h *AdminHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.admin.Subscriptions())
}

// QueueStats handles GET /admin/v1/queue/stats.
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := h.admin.QueueStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// ArchiveEvents handles GET /admin/v1/archive/events?tenant_id=&type=&since=&limit=.
func (h *AdminHandler) ArchiveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	query := archive.Query{
		TenantID: q.Get("tenant_id"),
		Type:     q.Get("type"),
		Limit:    httputil.ParseLimit(r, 100, 500),
	}
	if query.TenantID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		query.Since = t
	}

	docs, err := h.admin.SearchArchive(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": docs})
}
