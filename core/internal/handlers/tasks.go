package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/telhawk-systems/taskhub-stack/common/httputil"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

// TaskHandler serves the tenant task API. Every route runs behind
// AuthMiddleware.RequireTenant.
type TaskHandler struct {
	tasks *service.TaskService
}

func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (tenant.Context, bool) {
	tc, ok := TenantFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "tenant not resolved")
	}
	return tc, ok
}

// Tasks handles GET and POST /api/v1/tasks.
func (h *TaskHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		tasks, err := h.tasks.ListTasks(r.Context(), tc, httputil.ParseLimit(r, 50, 500))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var in service.CreateTaskInput
		if err := httputil.DecodeJSON(w, r, &in); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		task, err := h.tasks.CreateTask(r.Context(), tc, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/v1/tasks/"+task.ID)
		httputil.WriteJSON(w, http.StatusCreated, task)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// Task handles GET and PATCH /api/v1/tasks/{id}.
func (h *TaskHandler) Task(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		task, err := h.tasks.GetTask(r.Context(), tc, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(task.Version, 10)))
		httputil.WriteJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		var in service.UpdateTaskInput
		if err := httputil.DecodeJSON(w, r, &in); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		task, err := h.tasks.UpdateTask(r.Context(), tc, id, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(task.Version, 10)))
		httputil.WriteJSON(w, http.StatusOK, task)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPatch)
	}
}

// Attachments handles POST /api/v1/tasks/{id}/attachments. The body is the
// raw file; the name comes from the filename query parameter.
func (h *TaskHandler) Attachments(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	limit := h.tasks.MaxAttachmentBytes()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("attachment exceeds %d bytes", limit))
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	att, err := h.tasks.UploadAttachment(r.Context(), tc, r.PathValue("id"), service.UploadInput{
		Filename:    r.URL.Query().Get("filename"),
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, att)
}

// Attachment handles GET /api/v1/tasks/{id}/attachments/{attachmentID} and
// streams the stored file.
func (h *TaskHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	att, data, err := h.tasks.GetAttachment(r.Context(), tc, r.PathValue("id"), r.PathValue("attachmentID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
