// Package auth issues and checks tenant API tokens and the operator admin key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
)

const issuer = "taskhub-core"

var ErrUnauthorized = errors.New("unauthorized")

// Claims binds a token to exactly one tenant.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret       []byte
	ttl          time.Duration
	adminKeyHash []byte
	tenants      tenant.Resolver
	now          func() time.Time
}

func New(secret string, ttl time.Duration, adminKeyHash string, tenants tenant.Resolver) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:       []byte(secret),
		ttl:          ttl,
		adminKeyHash: []byte(adminKeyHash),
		tenants:      tenants,
		now:          time.Now,
	}
}

// IssueToken signs a token for an active tenant.
func (a *Authenticator) IssueToken(ctx context.Context, tenantID string) (string, time.Time, error) {
	if _, err := a.tenants.Resolve(ctx, tenantID); err != nil {
		return "", time.Time{}, fmt.Errorf("issue token for %s: %w", tenantID, err)
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Authorize validates token and returns the context of the tenant it was
// issued for. Tokens of deactivated tenants stop working immediately.
func (a *Authenticator) Authorize(ctx context.Context, token string) (tenant.Context, error) {
	if token == "" {
		return tenant.Context{}, ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return tenant.Context{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TenantID == "" {
		return tenant.Context{}, ErrUnauthorized
	}

	tc, err := a.tenants.Resolve(ctx, claims.TenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return tenant.Context{}, fmt.Errorf("%w: tenant %s is not active", ErrUnauthorized, claims.TenantID)
	}
	if err != nil {
		return tenant.Context{}, fmt.Errorf("resolve tenant: %w", err)
	}
	return tc, nil
}

// VerifyAdminKey checks key against the configured bcrypt hash. Without a
// configured hash every key is rejected.
func (a *Authenticator) VerifyAdminKey(key string) error {
	if len(a.adminKeyHash) == 0 || key == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.adminKeyHash, []byte(key)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashAdminKey returns the bcrypt hash to put in auth.admin_key_hash.
func HashAdminKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("admin key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}
