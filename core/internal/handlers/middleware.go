package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/taskhub-stack/common/httputil"
	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/ratelimit"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

// AdminKeyHeader carries the operator key on admin routes.
const AdminKeyHeader = "X-Admin-Key"

type contextKey string

const tenantKey contextKey = "tenant"

// Authorizer turns credentials into a tenant context.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (tenant.Context, error)
	VerifyAdminKey(key string) error
}

type AuthMiddleware struct {
	auth    Authorizer
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

func NewAuthMiddleware(a Authorizer, limiter ratelimit.Limiter, logger *slog.Logger) *AuthMiddleware {
	if limiter == nil {
		limiter = ratelimit.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{auth: a, limiter: limiter, logger: logger}
}

// RequireTenant authorizes the bearer token, applies the tenant's rate limit
// and stores the tenant context for the handler.
func (m *AuthMiddleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := m.auth.Authorize(r.Context(), httputil.BearerToken(r))
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}

		allowed, err := m.limiter.Allow(r.Context(), tc.TenantID)
		if err != nil {
			// Limiter errors fail open.
			m.logger.WarnContext(r.Context(), "rate limiter unavailable",
				logging.TenantID(tc.TenantID),
				logging.Error(err),
			)
		} else if !allowed {
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		ctx := logging.WithTenant(context.WithValue(r.Context(), tenantKey, tc), tc.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin checks the operator key header.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.auth.VerifyAdminKey(r.Header.Get(AdminKeyHeader)); err != nil {
			m.logger.WarnContext(r.Context(), "admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("client_ip", httputil.GetClientIP(r)),
			)
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TenantFromContext returns the tenant stored by RequireTenant.
func TenantFromContext(ctx context.Context) (tenant.Context, bool) {
	tc, ok := ctx.Value(tenantKey).(tenant.Context)
	return tc, ok
}
