package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ravintola/ordersync/internal/repositories"
)

// Registry exposes the Postgres-backed stores through repositories.Registry.
type Registry struct {
	pool      *pgxpool.Pool
	orders    *OrderRepository
	merchants *MerchantRepository
	counters  *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Postgres repository on top of pool. The registry owns the pool.
func NewRegistry(pool *pgxpool.Pool) (*Registry, error) {
	orders, err := NewOrderRepository(pool)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: orders: %w", err)
	}
	merchants, err := NewMerchantRepository(pool)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: merchants: %w", err)
	}
	counters, err := NewCounterRepository(pool)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: counters: %w", err)
	}
	return &Registry{pool: pool, orders: orders, merchants: merchants, counters: counters}, nil
}

// Close closes the pool.
func (r *Registry) Close(context.Context) error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Merchants() repositories.MerchantRepository { return r.merchants }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
