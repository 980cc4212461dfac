package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ravintola/ordersync/internal/repositories"
)

const (
	orderIDPrefix   = "ord_"
	defaultCurrency = "EUR"
)

// OrderServiceDeps bundles the collaborators of the order workflow.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Merchants     repositories.MerchantRepository
	Counters      CounterService
	Payments      *PaymentOrchestrator
	Notifications NotificationService
	Shipping      ShippingPolicy
	Currency      string
	Cache         OrderStatusCache
	Publisher     OrderEventPublisher
	Events        EventSink
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	merchants     repositories.MerchantRepository
	counters      CounterService
	payments      *PaymentOrchestrator
	notifications NotificationService
	shipping      ShippingPolicy
	currency      string
	cache         OrderStatusCache
	sync          *orderSync
	events        EventSink
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs the order workflow service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment orchestrator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &orderService{
		orders:        deps.Orders,
		merchants:     deps.Merchants,
		counters:      deps.Counters,
		payments:      deps.Payments,
		notifications: deps.Notifications,
		shipping:      deps.Shipping,
		currency:      currency,
		cache:         deps.Cache,
		sync: newOrderSync(orderSyncDeps{
			Orders:    deps.Orders,
			Cache:     deps.Cache,
			Publisher: deps.Publisher,
			Events:    deps.Events,
			Clock:     clock,
			Logger:    logger,
		}),
		events: deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// GetOrder reads an order. Customer reads go through the status cache; staff reads always hit the
// store and are scoped to the actor's merchant.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	useCache := s.cache != nil && cmd.Actor == nil
	if useCache {
		cached, ok, err := s.cache.Get(ctx, orderID)
		switch {
		case err != nil:
			s.logger(ctx, "orders.cache.read_failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
		case ok:
			return cached, nil
		}
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return Order{}, translateOrderError(err)
	}
	if cmd.Actor != nil {
		if err := authorizeActor(*cmd.Actor, order); err != nil {
			return Order{}, err
		}
	}

	if useCache {
		if err := s.cache.Put(ctx, order); err != nil {
			s.logger(ctx, "orders.cache.write_failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
		}
	}
	return order, nil
}

// load fetches an order for an operator action.
func (s *orderService) load(ctx context.Context, orderID string, actor Actor) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return Order{}, translateOrderError(err)
	}
	if err := authorizeActor(actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// authorizeActor allows unrestricted staff and staff scoped to the order's merchant.
func authorizeActor(actor Actor, order Order) error {
	if actor.Unrestricted {
		return nil
	}
	merchantID := strings.TrimSpace(actor.MerchantID)
	if merchantID == "" || merchantID != order.MerchantID {
		return fmt.Errorf("%w: actor %s may not act on merchant %s", ErrForbidden, actor.ID, order.MerchantID)
	}
	return nil
}
