package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps tenants in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[string]Context
	nsOwner map[string]string // "data:<ns>" / "storage:<ns>" -> active tenant id
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tenants: make(map[string]Context),
		nsOwner: make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Resolve(ctx context.Context, tenantID string) (Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.tenants[tenantID]
	if !ok || !tc.Active() {
		return Context{}, ErrNotFound
	}
	return tc, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, tenantID string, ns Namespaces) (Context, error) {
	if err := validateRegistration(tenantID, ns); err != nil {
		return Context{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[tenantID]; exists {
		return Context{}, fmt.Errorf("%w: tenant %s already registered", ErrConflict, tenantID)
	}
	if owner, taken := r.nsOwner["data:"+ns.Data]; taken {
		return Context{}, fmt.Errorf("%w: data namespace %s belongs to %s", ErrConflict, ns.Data, owner)
	}
	if owner, taken := r.nsOwner["storage:"+ns.Storage]; taken {
		return Context{}, fmt.Errorf("%w: storage namespace %s belongs to %s", ErrConflict, ns.Storage, owner)
	}

	tc := Context{
		TenantID:         tenantID,
		DataNamespace:    ns.Data,
		StorageNamespace: ns.Storage,
		CreatedAt:        r.now().UTC(),
	}
	r.tenants[tenantID] = tc
	r.nsOwner["data:"+ns.Data] = tenantID
	r.nsOwner["storage:"+ns.Storage] = tenantID
	return tc, nil
}

func (r *MemoryRegistry) Deactivate(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.tenants[tenantID]
	if !ok || !tc.Active() {
		return ErrNotFound
	}

	now := r.now().UTC()
	tc.DeactivatedAt = &now
	r.tenants[tenantID] = tc
	delete(r.nsOwner, "data:"+tc.DataNamespace)
	delete(r.nsOwner, "storage:"+tc.StorageNamespace)
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Context, 0, len(r.tenants))
	for _, tc := range r.tenants {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
