package order

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"execution_core/internal/core"
)

// MemoryStore implements core.IOrderStore in memory
type MemoryStore struct {
	orders map[string]core.Order
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]core.Order),
	}
}

func (s *MemoryStore) SaveOrder(ctx context.Context, order *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = *order
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		o := o
		out = append(out, &o)
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortOrders(orders []*core.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
