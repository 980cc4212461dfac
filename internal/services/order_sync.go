package services

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

const maxSyncAttempts = 5

// orderChange is one conditional write plus the event name published once it commits.
type orderChange struct {
	Cond   repositories.OrderCondition
	Update repositories.OrderUpdate
	Event  string
}

// orderDecider inspects the freshest order and returns the next change, or false when the order
// already reflects the observed state.
type orderDecider func(order Order) (orderChange, bool)

// orderSync owns every conditional order write and the fan-out that follows a commit.
type orderSync struct {
	orders    repositories.OrderRepository
	cache     OrderStatusCache
	publisher OrderEventPublisher
	events    EventSink
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

type orderSyncDeps struct {
	Orders    repositories.OrderRepository
	Cache     OrderStatusCache
	Publisher OrderEventPublisher
	Events    EventSink
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

func newOrderSync(deps orderSyncDeps) *orderSync {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderSync{
		orders:    deps.Orders,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		events:    deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  func() string { return ulid.Make().String() },
		logger: logger,
	}
}

// converge applies decide until it reports no further change. Conflicts reload the order and
// decide again, so a late event never overwrites a state that moved on.
func (s *orderSync) converge(ctx context.Context, order Order, source string, decide orderDecider) (Order, bool, error) {
	changed := false
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		change, ok := decide(order)
		if !ok {
			return order, changed, nil
		}
		updated, err := s.apply(ctx, order.ID, source, change)
		if err == nil {
			order = updated
			changed = true
			continue
		}
		if !isRepoConflict(err) {
			return order, changed, err
		}
		s.logger(ctx, "orders.sync.conflict", map[string]any{
			"orderId": order.ID,
			"source":  source,
			"event":   change.Event,
			"attempt": attempt + 1,
		})
		order, err = s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return Order{}, changed, translateOrderError(err)
		}
	}
	return order, changed, fmt.Errorf("%w: order %s did not settle", ErrOrderConflict, order.ID)
}

// apply performs one conditional update and, on success, runs the post-commit fan-out.
func (s *orderSync) apply(ctx context.Context, orderID, source string, change orderChange) (Order, error) {
	change.Update.UpdatedAt = s.now()
	updated, err := s.orders.ConditionalUpdate(ctx, orderID, change.Cond, change.Update)
	if err != nil {
		return Order{}, err
	}
	s.committed(ctx, updated, source, change.Event)
	return updated, nil
}

func (s *orderSync) committed(ctx context.Context, order Order, source, eventType string) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, order.ID); err != nil {
			s.logger(ctx, "orders.cache.invalidate_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	if s.publisher != nil {
		event := OrderEvent{
			EventID:       s.newID(),
			Type:          eventType,
			OrderID:       order.ID,
			MerchantID:    order.MerchantID,
			OrderStatus:   order.Status,
			PaymentStatus: order.PaymentStatus,
			OccurredAt:    order.UpdatedAt,
		}
		if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
			s.logger(ctx, "orders.event.publish_failed", map[string]any{
				"orderId": order.ID,
				"type":    eventType,
				"error":   err.Error(),
			})
		}
	}

	emit(ctx, s.events, LifecycleEvent{
		Name:    eventType,
		OrderID: order.ID,
		EventID: source,
		Outcome: "committed",
		Fields: map[string]any{
			"orderStatus":   string(order.Status),
			"paymentStatus": string(order.PaymentStatus),
		},
	})
}

func emit(ctx context.Context, sink EventSink, event LifecycleEvent) {
	if sink == nil {
		return
	}
	sink.Emit(ctx, event)
}

func translateOrderError(err error) error {
	switch {
	case err == nil:
		return nil
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return err
	}
}

func statusPtr(status OrderStatus) *OrderStatus {
	return &status
}

func paymentStatusPtr(status PaymentStatus) *PaymentStatus {
	return &status
}

// authorizeDecider moves an unpaid order to AUTHORIZED. An already authorized order only gains a
// missing reference.
func authorizeDecider(authorizationRef string, amount int64) orderDecider {
	return func(order Order) (orderChange, bool) {
		switch order.PaymentStatus {
		case domain.PaymentStatusNone:
			upd := repositories.OrderUpdate{PaymentStatus: paymentStatusPtr(domain.PaymentStatusAuthorized)}
			if authorizationRef != "" {
				upd.AuthorizationRef = &authorizationRef
			}
			if amount > 0 {
				upd.AuthorizedAmount = &amount
			}
			return orderChange{
				Cond:   repositories.OrderCondition{PaymentStatuses: []PaymentStatus{domain.PaymentStatusNone}},
				Update: upd,
				Event:  "payment.authorized",
			}, true
		case domain.PaymentStatusAuthorized:
			if order.AuthorizationRef != "" || authorizationRef == "" {
				return orderChange{}, false
			}
			upd := repositories.OrderUpdate{AuthorizationRef: &authorizationRef}
			if order.AuthorizedAmount <= 0 && amount > 0 {
				upd.AuthorizedAmount = &amount
			}
			return orderChange{
				Cond:   repositories.OrderCondition{PaymentStatuses: []PaymentStatus{domain.PaymentStatusAuthorized}},
				Update: upd,
				Event:  "payment.reference_updated",
			}, true
		default:
			return orderChange{}, false
		}
	}
}

// captureDecider records funds the processor reports as captured. CAPTURED is only reachable
// from AUTHORIZED, so an unpaid order is authorized first; the captured amount never exceeds
// the authorized amount.
func captureDecider(authorizationRef string, authorizedAmount, received int64, capturedAt time.Time) orderDecider {
	return func(order Order) (orderChange, bool) {
		switch order.PaymentStatus {
		case domain.PaymentStatusNone:
			return authorizeDecider(authorizationRef, max(authorizedAmount, received))(order)
		case domain.PaymentStatusAuthorized:
			authorized := max(order.AuthorizedAmount, authorizedAmount)
			captured := min(received, authorized)
			at := capturedAt.UTC()
			upd := repositories.OrderUpdate{
				PaymentStatus:  paymentStatusPtr(domain.PaymentStatusCaptured),
				CapturedAmount: &captured,
				CapturedAt:     &at,
			}
			if authorized != order.AuthorizedAmount {
				upd.AuthorizedAmount = &authorized
			}
			return orderChange{
				Cond:   repositories.OrderCondition{PaymentStatuses: []PaymentStatus{domain.PaymentStatusAuthorized}},
				Update: upd,
				Event:  "payment.captured",
			}, true
		default:
			return orderChange{}, false
		}
	}
}

// releaseDecider records a failed or canceled authorization. Only an AUTHORIZED payment moves:
// a decline before authorization leaves the checkout open for another attempt, and a captured
// payment is settled.
func releaseDecider(target PaymentStatus) orderDecider {
	event := "payment.failed"
	if target == domain.PaymentStatusCanceled {
		event = "payment.canceled"
	}
	return func(order Order) (orderChange, bool) {
		if order.PaymentStatus != domain.PaymentStatusAuthorized {
			return orderChange{}, false
		}
		return orderChange{
			Cond:   repositories.OrderCondition{PaymentStatuses: []PaymentStatus{domain.PaymentStatusAuthorized}},
			Update: repositories.OrderUpdate{PaymentStatus: paymentStatusPtr(target)},
			Event:  event,
		}, true
	}
}

// refundedDecider raises the refunded amount to the processor-reported total. The amount is
// monotonic and capped at the captured amount.
func refundedDecider(reported int64) orderDecider {
	return func(order Order) (orderChange, bool) {
		if order.PaymentStatus != domain.PaymentStatusCaptured || order.CapturedAmount == nil {
			return orderChange{}, false
		}
		target := min(max(order.RefundedAmount, reported), *order.CapturedAmount)
		if target == order.RefundedAmount {
			return orderChange{}, false
		}
		current := order.RefundedAmount
		return orderChange{
			Cond: repositories.OrderCondition{
				PaymentStatuses: []PaymentStatus{domain.PaymentStatusCaptured},
				RefundedAmount:  &current,
			},
			Update: repositories.OrderUpdate{RefundedAmount: &target},
			Event:  "payment.refunded",
		}, true
	}
}
