package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/openstall/marketplace-payments/internal/domain/suborder"
)

// SubOrderRepository is an in-memory suborder.Repository used by tests and
// DSN-less local runs. ClaimAuthorization performs the compare-and-swap on
// the authorization reference under the write lock, mirroring the
// conditional UPDATE of the durable store.
type SubOrderRepository struct {
	mu        sync.RWMutex
	subOrders map[string]*domain.SubOrder
}

func NewSubOrderRepository() *SubOrderRepository {
	return &SubOrderRepository{subOrders: make(map[string]*domain.SubOrder)}
}

// Insert seeds a sub-order. The order pipeline owns creation in production;
// this exists for tests and local fixtures.
func (r *SubOrderRepository) Insert(ctx context.Context, s *domain.SubOrder) error {
	_ = ctx
	if s == nil || s.ID == "" {
		return fmt.Errorf("suborder repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subOrders[s.ID]; exists {
		return domain.ErrConflict
	}
	r.subOrders[s.ID] = s.Clone()
	return nil
}

func (r *SubOrderRepository) FindByID(ctx context.Context, id string) (*domain.SubOrder, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subOrders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *SubOrderRepository) ListByOrder(ctx context.Context, orderID string) ([]*domain.SubOrder, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SubOrder
	for _, s := range r.subOrders {
		if s.OrderID == orderID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *SubOrderRepository) Update(ctx context.Context, s *domain.SubOrder) error {
	_ = ctx
	if s == nil || s.ID == "" {
		return fmt.Errorf("suborder repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subOrders[s.ID]; !exists {
		return domain.ErrNotFound
	}
	r.subOrders[s.ID] = s.Clone()
	return nil
}

func (r *SubOrderRepository) ClaimAuthorization(ctx context.Context, s *domain.SubOrder, previousRef string) (bool, error) {
	_ = ctx
	if s == nil || s.ID == "" {
		return false, fmt.Errorf("suborder repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.subOrders[s.ID]
	if !exists {
		return false, domain.ErrNotFound
	}
	if stored.AuthorizationReference != previousRef {
		return false, nil
	}
	r.subOrders[s.ID] = s.Clone()
	return true, nil
}

func (r *SubOrderRepository) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.SubOrder, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*domain.SubOrder
	for _, s := range r.subOrders {
		if s.PaymentStatus != domain.StatusFailed || s.NextPaymentRetryAt == nil {
			continue
		}
		if s.NextPaymentRetryAt.After(now) {
			continue
		}
		due = append(due, s.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextPaymentRetryAt.Before(*due[j].NextPaymentRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
