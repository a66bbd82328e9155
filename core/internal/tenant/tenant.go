// Package tenant is the tenant registry: it maps a tenant id to the isolated
// namespaces that hold the tenant's records and blobs.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/models"
)

var (
	ErrNotFound = errors.New("tenant not found")
	ErrConflict = errors.New("tenant conflict")
)

// Namespaces is the pair of isolated resource namespaces owned by one tenant.
type Namespaces struct {
	Data    string `json:"data_namespace"`
	Storage string `json:"storage_namespace"`
}

// Validate checks that both namespaces are set.
func (n Namespaces) Validate() error {
	if n.Data == "" || n.Storage == "" {
		return fmt.Errorf("data and storage namespaces are required")
	}
	return nil
}

// Context is what a resolved tenant carries through the system.
type Context struct {
	TenantID         string     `json:"tenant_id"`
	DataNamespace    string     `json:"data_namespace"`
	StorageNamespace string     `json:"storage_namespace"`
	CreatedAt        time.Time  `json:"created_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
}

// Namespaces returns the namespace pair of the context.
func (c Context) Namespaces() Namespaces {
	return Namespaces{Data: c.DataNamespace, Storage: c.StorageNamespace}
}

// Active reports whether the tenant has not been offboarded.
func (c Context) Active() bool {
	return c.DeactivatedAt == nil
}

// Resolver resolves active tenants.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (Context, error)
}

// Registry owns tenant records.
//
// Resolve after a successful Register always sees the registered context.
// Concurrent Register calls for the same id have exactly one winner; the
// others get ErrConflict. A deactivated id stays reserved and cannot be
// registered again, and namespaces held by an active tenant cannot be reused.
type Registry interface {
	Resolver
	Register(ctx context.Context, tenantID string, ns Namespaces) (Context, error)
	Deactivate(ctx context.Context, tenantID string) error
	// List returns every tenant, active and deactivated, ordered by id.
	List(ctx context.Context) ([]Context, error)
}

func validateRegistration(tenantID string, ns Namespaces) error {
	if !models.ValidTenantID(tenantID) {
		return models.ErrInvalidTenantID
	}
	return ns.Validate()
}
