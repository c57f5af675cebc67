package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/eventcore/internal/model"
)

// RegistryFactory creates the registry for a tenant.
type RegistryFactory func(tenant model.TenantID) (*StreamProcessors, error)

// Tenants holds one StreamProcessors registry per tenant, created on first
// use.
type Tenants struct {
	factory RegistryFactory

	mu         sync.Mutex
	registries map[model.TenantID]*StreamProcessors
}

// NewTenants creates a hub that builds registries with factory.
func NewTenants(factory RegistryFactory) *Tenants {
	return &Tenants{
		factory:    factory,
		registries: make(map[model.TenantID]*StreamProcessors),
	}
}

// ForTenant returns the registry of tenant, creating it if needed.
func (t *Tenants) ForTenant(tenant model.TenantID) (*StreamProcessors, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.registries[tenant]; ok {
		return r, nil
	}
	r, err := t.factory(tenant)
	if err != nil {
		return nil, fmt.Errorf("create registry for tenant %s: %w", tenant, err)
	}
	t.registries[tenant] = r
	return r, nil
}

// Tenants returns the tenants that have a registry, sorted.
func (t *Tenants) Tenants() []model.TenantID {
	t.mu.Lock()
	defer t.mu.Unlock()

	tenants := make([]model.TenantID, 0, len(t.registries))
	for tenant := range t.registries {
		tenants = append(tenants, tenant)
	}
	slices.Sort(tenants)
	return tenants
}

// StopAll cancels every processor of every tenant.
func (t *Tenants) StopAll() {
	for _, r := range t.snapshot() {
		r.StopAll()
	}
}

// Wait blocks until every processor of every tenant has stopped.
func (t *Tenants) Wait() {
	for _, r := range t.snapshot() {
		r.Wait()
	}
}

func (t *Tenants) snapshot() []*StreamProcessors {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*StreamProcessors, 0, len(t.registries))
	for _, r := range t.registries {
		out = append(out, r)
	}
	return out
}
