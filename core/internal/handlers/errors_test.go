package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/common/httputil"
	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/auth"
	"github.com/telhawk-systems/taskhub-stack/core/internal/publisher"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/service"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("publish: %w", publisher.ErrUnknownTenant), http.StatusNotFound, "unknown_tenant"},
		{service.ErrNotFound, http.StatusNotFound, "not_found"},
		{tenant.ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("update: %w", store.ErrVersionConflict), http.StatusConflict, "version_conflict"},
		{queue.ErrLeaseExpired, http.StatusConflict, "lease_expired"},
		{auth.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{fmt.Errorf("%w: title", service.ErrInvalidInput), http.StatusBadRequest, "invalid_request"},
		{service.ErrTooLarge, http.StatusRequestEntityTooLarge, "too_large"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body httputil.ErrorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Message, "disk")
			}
		})
	}
}

type stubAuthorizer struct {
	tc  tenant.Context
	err error
}

func (s stubAuthorizer) Authorize(ctx context.Context, token string) (tenant.Context, error) {
	if token != "good" {
		return tenant.Context{}, auth.ErrUnauthorized
	}
	return s.tc, s.err
}

func (s stubAuthorizer) VerifyAdminKey(key string) error {
	if key != "admin" {
		return auth.ErrUnauthorized
	}
	return nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRequireTenant(t *testing.T) {
	var seen tenant.Context
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = TenantFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	m := NewAuthMiddleware(stubAuthorizer{tc: tenant.Context{TenantID: "T1"}}, brokenLimiter{}, logging.Discard().Logger)

	rec := httptest.NewRecorder()
	m.RequireTenant(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	m.RequireTenant(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code, "limiter errors fail open")
	assert.Equal(t, "T1", seen.TenantID)
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	m := NewAuthMiddleware(stubAuthorizer{}, nil, logging.Discard().Logger)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(AdminKeyHeader, "admin")
	rec := httptest.NewRecorder()
	m.RequireAdmin(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req.Header.Set(AdminKeyHeader, "guess")
	rec = httptest.NewRecorder()
	m.RequireAdmin(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth_DegradedCheck(t *testing.T) {
	h := NewHealthHandler("v1", map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}
