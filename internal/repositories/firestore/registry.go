package firestore

import (
	"context"
	"fmt"

	pfirestore "github.com/ravintola/ordersync/internal/platform/firestore"
	"github.com/ravintola/ordersync/internal/repositories"
)

// Registry exposes the Firestore-backed stores through repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	merchants *MerchantRepository
	counters  *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Firestore repository on top of provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: orders: %w", err)
	}
	merchants, err := NewMerchantRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: merchants: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: counters: %w", err)
	}
	return &Registry{provider: provider, orders: orders, merchants: merchants, counters: counters}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Merchants() repositories.MerchantRepository { return r.merchants }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
