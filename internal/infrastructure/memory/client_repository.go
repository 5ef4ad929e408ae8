package memory

import (
	"context"
	"sync"

	domain "github.com/openstall/marketplace-payments/internal/domain/client"
)

type ClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
}

func NewClientRepository() *ClientRepository {
	return &ClientRepository{clients: make(map[string]*domain.Client)}
}

func (r *ClientRepository) Put(ctx context.Context, c *domain.Client) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *c
	r.clients[c.ID] = &clone
}

func (r *ClientRepository) FindByID(ctx context.Context, id string) (*domain.Client, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *c
	return &clone, nil
}
