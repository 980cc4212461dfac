package services

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

// TransitionStatus applies an operator status change. Any processor call the transition needs runs
// first; the order keeps its prior status when that call fails.
func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	order, err := s.load(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	requested := OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.NewStatus))))

	decision, err := DecideTransition(order.Status, order.PaymentStatus, requested)
	if err != nil {
		s.rejected(ctx, order, string(order.Status)+"->"+string(requested), cmd.Actor, err)
		return Order{}, err
	}

	decide, err := s.executePaymentAction(ctx, order, decision)
	if err != nil {
		s.rejected(ctx, order, decision.Label(), cmd.Actor, err)
		return Order{}, err
	}

	updated, _, err := s.sync.converge(ctx, order, cmd.Actor.ID, decide)
	if err == nil && updated.Status != decision.To {
		err = fmt.Errorf("%w: order %s moved to %s/%s", ErrOrderConflict, order.ID, updated.Status, updated.PaymentStatus)
	}
	if err != nil {
		fields := map[string]any{
			"orderId":    order.ID,
			"transition": decision.Label(),
			"action":     decision.Action.String(),
			"error":      err.Error(),
		}
		s.logger(ctx, "orders.transition.commit_failed", fields)
		emit(ctx, s.events, LifecycleEvent{
			Name:       "order.transition",
			OrderID:    order.ID,
			Transition: decision.Label(),
			Outcome:    "commit_failed",
			Fields:     fields,
		})
		return Order{}, translateOrderError(err)
	}

	s.logger(ctx, "orders.transition.applied", map[string]any{
		"orderId":    updated.ID,
		"transition": decision.Label(),
		"action":     decision.Action.String(),
		"actorId":    cmd.Actor.ID,
	})
	emit(ctx, s.events, LifecycleEvent{
		Name:       "order.transition",
		OrderID:    updated.ID,
		Transition: decision.Label(),
		Outcome:    "applied",
		Fields: map[string]any{
			"action":        decision.Action.String(),
			"paymentStatus": string(updated.PaymentStatus),
			"actorId":       cmd.Actor.ID,
		},
	})

	if decision.Notify {
		s.notify(ctx, updated)
	}
	return updated, nil
}

// executePaymentAction performs the processor call required by decision and returns the decider
// that commits the transition together with its payment outcome.
func (s *orderService) executePaymentAction(ctx context.Context, order Order, decision TransitionDecision) (orderDecider, error) {
	event := "order." + strings.ToLower(string(decision.To))

	switch decision.Action {
	case PaymentActionCapture:
		outcome, err := s.payments.Capture(ctx, order, nil)
		if err != nil {
			return nil, err
		}
		return func(current Order) (orderChange, bool) {
			if current.Status != decision.From {
				return orderChange{}, false
			}
			upd := repositories.OrderUpdate{OrderStatus: statusPtr(decision.To)}
			switch current.PaymentStatus {
			case domain.PaymentStatusAuthorized:
				amount := outcome.Amount
				at := outcome.CapturedAt
				upd.PaymentStatus = paymentStatusPtr(domain.PaymentStatusCaptured)
				upd.CapturedAmount = &amount
				upd.CapturedAt = &at
			case domain.PaymentStatusCaptured:
			default:
				return orderChange{}, false
			}
			return orderChange{Cond: transitionCond(decision.From, current.PaymentStatus), Update: upd, Event: event}, true
		}, nil

	case PaymentActionCancel:
		if err := s.payments.Cancel(ctx, order); err != nil {
			return nil, err
		}
		return func(current Order) (orderChange, bool) {
			if current.Status != decision.From {
				return orderChange{}, false
			}
			upd := repositories.OrderUpdate{OrderStatus: statusPtr(decision.To)}
			switch current.PaymentStatus {
			case domain.PaymentStatusAuthorized:
				upd.PaymentStatus = paymentStatusPtr(domain.PaymentStatusCanceled)
			case domain.PaymentStatusCanceled:
			default:
				return orderChange{}, false
			}
			return orderChange{Cond: transitionCond(decision.From, current.PaymentStatus), Update: upd, Event: event}, true
		}, nil

	case PaymentActionRefund:
		outcome, err := s.payments.Refund(ctx, order, nil, "requested_by_customer")
		if err != nil {
			return nil, err
		}
		refunded := refundTarget(order.RefundedAmount, outcome.Amount)
		return func(current Order) (orderChange, bool) {
			if current.Status != decision.From || current.PaymentStatus != domain.PaymentStatusCaptured {
				return orderChange{}, false
			}
			change := orderChange{Cond: transitionCond(decision.From, current.PaymentStatus), Event: event}
			change.Update.OrderStatus = statusPtr(decision.To)
			if target := refunded(current); target != current.RefundedAmount {
				previous := current.RefundedAmount
				change.Cond.RefundedAmount = &previous
				change.Update.RefundedAmount = &target
			}
			return change, true
		}, nil

	default:
		expected := order.PaymentStatus
		return func(current Order) (orderChange, bool) {
			if current.Status != decision.From || current.PaymentStatus != expected {
				return orderChange{}, false
			}
			return orderChange{
				Cond:   transitionCond(decision.From, expected),
				Update: repositories.OrderUpdate{OrderStatus: statusPtr(decision.To)},
				Event:  event,
			}, true
		}, nil
	}
}

// RefundOrder refunds captured funds without changing the order status.
func (s *orderService) RefundOrder(ctx context.Context, cmd RefundOrderCommand) (Order, error) {
	order, err := s.load(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	outcome, err := s.payments.Refund(ctx, order, cmd.Amount, cmd.Reason)
	if err != nil {
		s.rejected(ctx, order, "refund", cmd.Actor, err)
		return Order{}, err
	}

	refunded := refundTarget(order.RefundedAmount, outcome.Amount)
	updated, _, err := s.sync.converge(ctx, order, cmd.Actor.ID, func(current Order) (orderChange, bool) {
		if current.PaymentStatus != domain.PaymentStatusCaptured {
			return orderChange{}, false
		}
		target := refunded(current)
		if target == current.RefundedAmount {
			return orderChange{}, false
		}
		previous := current.RefundedAmount
		return orderChange{
			Cond: repositories.OrderCondition{
				PaymentStatuses: []PaymentStatus{domain.PaymentStatusCaptured},
				RefundedAmount:  &previous,
			},
			Update: repositories.OrderUpdate{RefundedAmount: &target},
			Event:  "payment.refunded",
		}, true
	})
	if err != nil {
		s.logger(ctx, "orders.refund.commit_failed", map[string]any{
			"orderId":  order.ID,
			"refundId": outcome.RefundID,
			"amount":   outcome.Amount,
			"error":    err.Error(),
		})
		return Order{}, translateOrderError(err)
	}

	emit(ctx, s.events, LifecycleEvent{
		Name:    "order.refund",
		OrderID: updated.ID,
		Outcome: "applied",
		Fields: map[string]any{
			"refundId":       outcome.RefundID,
			"amount":         outcome.Amount,
			"refundedAmount": updated.RefundedAmount,
			"actorId":        cmd.Actor.ID,
		},
	})
	return updated, nil
}

func (s *orderService) notify(ctx context.Context, order Order) {
	if s.notifications == nil {
		return
	}
	result, err := s.notifications.NotifyStatusChange(ctx, order)
	if err != nil {
		s.logger(ctx, "orders.notification.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"queued":  len(result.Messages),
			"error":   err.Error(),
		})
	}
	emit(ctx, s.events, LifecycleEvent{
		Name:    "order.notification",
		OrderID: order.ID,
		Outcome: "queued",
		Fields: map[string]any{
			"status":   string(order.Status),
			"messages": len(result.Messages),
		},
	})
}

func (s *orderService) rejected(ctx context.Context, order Order, transition string, actor Actor, err error) {
	fields := map[string]any{
		"orderId":       order.ID,
		"transition":    transition,
		"orderStatus":   string(order.Status),
		"paymentStatus": string(order.PaymentStatus),
		"actorId":       actor.ID,
		"error":         err.Error(),
	}
	s.logger(ctx, "orders.action.rejected", fields)
	emit(ctx, s.events, LifecycleEvent{
		Name:       "order.transition",
		OrderID:    order.ID,
		Transition: transition,
		Outcome:    "rejected",
		Fields:     fields,
	})
}

func transitionCond(from OrderStatus, payment PaymentStatus) repositories.OrderCondition {
	return repositories.OrderCondition{
		OrderStatuses:   []OrderStatus{from},
		PaymentStatuses: []PaymentStatus{payment},
	}
}

// refundTarget returns the refunded total after a refund of amount issued against base. A webhook
// that already recorded the refund is never counted twice.
func refundTarget(base, amount int64) func(Order) int64 {
	return func(current Order) int64 {
		target := max(current.RefundedAmount, base+amount)
		if current.CapturedAmount != nil {
			target = min(target, *current.CapturedAmount)
		}
		return target
	}
}
