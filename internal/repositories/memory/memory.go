// Package memory provides in-process repositories for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

// OrderStore is a mutex-guarded order repository. Reads return deep copies so callers cannot
// mutate stored state.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	now    func() time.Time
}

var _ repositories.OrderRepository = (*OrderStore)(nil)

// NewOrderStore constructs an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order), now: time.Now}
}

func (s *OrderStore) Create(_ context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[id]; exists {
		return repositories.NewStoreError("orders.create", repositories.StoreErrorConflict, fmt.Errorf("order %s already exists", id))
	}
	s.orders[id] = cloneOrder(order)
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order "+orderID)
	}
	return cloneOrder(order), nil
}

func (s *OrderStore) GetByAuthorizationRef(_ context.Context, authorizationRef string) (domain.Order, error) {
	return s.findBy("orders.get_by_authorization_ref", authorizationRef, func(o domain.Order) string { return o.AuthorizationRef })
}

func (s *OrderStore) GetByPaymentRef(_ context.Context, paymentRef string) (domain.Order, error) {
	return s.findBy("orders.get_by_payment_ref", paymentRef, func(o domain.Order) string { return o.PaymentRef })
}

func (s *OrderStore) findBy(op, ref string, field func(domain.Order) string) (domain.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Order{}, notFound(op, "empty reference")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if field(order) == ref {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, notFound(op, "reference "+ref)
}

func (s *OrderStore) ConditionalUpdate(_ context.Context, orderID string, cond repositories.OrderCondition, upd repositories.OrderUpdate) (domain.Order, error) {
	const op = "orders.conditional_update"
	id := strings.TrimSpace(orderID)

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, notFound(op, "order "+id)
	}
	if !cond.Matches(order) {
		return domain.Order{}, repositories.NewStoreError(op, repositories.StoreErrorConflict,
			fmt.Errorf("%w: order %s is %s/%s", repositories.ErrConditionFailed, id, order.Status, order.PaymentStatus))
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = s.now()
	}
	upd.Apply(&order)
	s.orders[id] = order
	return cloneOrder(order), nil
}

// MerchantStore is an in-memory merchant repository.
type MerchantStore struct {
	mu        sync.Mutex
	merchants map[string]domain.Merchant
}

var _ repositories.MerchantRepository = (*MerchantStore)(nil)

// NewMerchantStore constructs a store seeded with the given merchants.
func NewMerchantStore(merchants ...domain.Merchant) *MerchantStore {
	store := &MerchantStore{merchants: make(map[string]domain.Merchant, len(merchants))}
	for _, m := range merchants {
		store.merchants[m.ID] = m
	}
	return store
}

// Put inserts or replaces a merchant.
func (s *MerchantStore) Put(merchant domain.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[merchant.ID] = merchant
}

func (s *MerchantStore) Get(_ context.Context, merchantID string) (domain.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merchant, ok := s.merchants[strings.TrimSpace(merchantID)]
	if !ok {
		return domain.Merchant{}, notFound("merchants.get", "merchant "+merchantID)
	}
	return merchant, nil
}

func (s *MerchantStore) FindByPaymentAccountID(_ context.Context, accountID string) (domain.Merchant, error) {
	accountID = strings.TrimSpace(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, merchant := range s.merchants {
		if accountID != "" && merchant.PaymentAccount.AccountID == accountID {
			return merchant, nil
		}
	}
	return domain.Merchant{}, notFound("merchants.find_by_account", "account "+accountID)
}

func (s *MerchantStore) UpdatePaymentAccount(_ context.Context, merchantID string, account domain.MerchantPaymentAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merchant, ok := s.merchants[strings.TrimSpace(merchantID)]
	if !ok {
		return notFound("merchants.update_payment_account", "merchant "+merchantID)
	}
	merchant.PaymentAccount = account
	s.merchants[merchant.ID] = merchant
	return nil
}

// CounterStore is an in-memory counter repository.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]counterState
}

type counterState struct {
	value int64
	step  int64
	max   *int64
}

var _ repositories.CounterRepository = (*CounterStore)(nil)

// NewCounterStore constructs an empty counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]counterState)}
}

func (s *CounterStore) Next(_ context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.counters[id]
	increment := step
	if increment <= 0 {
		increment = max(state.step, 1)
	}
	next := state.value + increment
	if state.max != nil && next > *state.max {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", id, *state.max), nil)
	}
	state.value = next
	state.step = increment
	s.counters[id] = state
	return next, nil
}

func (s *CounterStore) Configure(_ context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.counters[id]
	if cfg.Step > 0 {
		state.step = cfg.Step
	}
	if cfg.MaxValue != nil {
		limit := *cfg.MaxValue
		state.max = &limit
	}
	if cfg.InitialValue != nil {
		state.value = *cfg.InitialValue
	}
	s.counters[id] = state
	return nil
}

// Registry bundles the memory stores behind repositories.Registry.
type Registry struct {
	OrderStore    *OrderStore
	MerchantStore *MerchantStore
	CounterStore  *CounterStore
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs a registry with fresh stores.
func NewRegistry(merchants ...domain.Merchant) *Registry {
	return &Registry{
		OrderStore:    NewOrderStore(),
		MerchantStore: NewMerchantStore(merchants...),
		CounterStore:  NewCounterStore(),
	}
}

func (r *Registry) Close(context.Context) error                { return nil }
func (r *Registry) Orders() repositories.OrderRepository       { return r.OrderStore }
func (r *Registry) Merchants() repositories.MerchantRepository { return r.MerchantStore }
func (r *Registry) Counters() repositories.CounterRepository   { return r.CounterStore }

func notFound(op, what string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("%s not found", what))
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	if order.DeliveryAddress != nil {
		addr := *order.DeliveryAddress
		clone.DeliveryAddress = &addr
	}
	if order.ShippingCost != nil {
		cost := *order.ShippingCost
		clone.ShippingCost = &cost
	}
	if order.CapturedAmount != nil {
		amount := *order.CapturedAmount
		clone.CapturedAmount = &amount
	}
	if order.CapturedAt != nil {
		at := *order.CapturedAt
		clone.CapturedAt = &at
	}
	if order.Items != nil {
		clone.Items = make([]domain.OrderLineItem, len(order.Items))
		for i, item := range order.Items {
			clone.Items[i] = item
			clone.Items[i].Options = append([]domain.OrderOption(nil), item.Options...)
		}
	}
	return clone
}
