package memory

import (
	"context"
	"sync"

	domain "github.com/openstall/marketplace-payments/internal/domain/vendor"
)

type VendorRepository struct {
	mu      sync.RWMutex
	vendors map[string]*domain.Vendor
}

func NewVendorRepository() *VendorRepository {
	return &VendorRepository{vendors: make(map[string]*domain.Vendor)}
}

func (r *VendorRepository) Put(ctx context.Context, v *domain.Vendor) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *v
	r.vendors[v.ID] = &clone
}

func (r *VendorRepository) FindByID(ctx context.Context, id string) (*domain.Vendor, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vendors[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *v
	return &clone, nil
}
