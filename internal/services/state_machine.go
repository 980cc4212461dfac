package services

import (
	"fmt"

	domain "github.com/ravintola/ordersync/internal/domain"
)

// PaymentAction is the processor call an order transition requires before it may be committed.
type PaymentAction int

const (
	PaymentActionNone PaymentAction = iota
	PaymentActionCapture
	PaymentActionCancel
	PaymentActionRefund
)

func (a PaymentAction) String() string {
	switch a {
	case PaymentActionCapture:
		return "capture"
	case PaymentActionCancel:
		return "cancel"
	case PaymentActionRefund:
		return "refund"
	default:
		return "none"
	}
}

// TransitionDecision is the outcome of an allowed transition.
type TransitionDecision struct {
	From   OrderStatus
	To     OrderStatus
	Action PaymentAction
	// Notify is set for statuses the customer is told about.
	Notify bool
}

// Label renders the transition for logs and lifecycle events.
func (d TransitionDecision) Label() string {
	return string(d.From) + "->" + string(d.To)
}

var fulfilmentSequence = map[OrderStatus]OrderStatus{
	domain.OrderStatusAccepted:       domain.OrderStatusProcessing,
	domain.OrderStatusProcessing:     domain.OrderStatusReadyForPickup,
	domain.OrderStatusReadyForPickup: domain.OrderStatusFulfilled,
}

// DecideTransition applies the order workflow rules. It performs no I/O; rejected requests
// return an error wrapping ErrInvalidTransition.
func DecideTransition(current OrderStatus, payment PaymentStatus, requested OrderStatus) (TransitionDecision, error) {
	decision := TransitionDecision{From: current, To: requested}

	if !requested.Valid() {
		return TransitionDecision{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, requested)
	}
	if current.IsTerminal() {
		return TransitionDecision{}, fmt.Errorf("%w: order is %s", ErrInvalidTransition, current)
	}

	switch {
	case current == domain.OrderStatusPlaced && requested == domain.OrderStatusAccepted:
		if payment != domain.PaymentStatusAuthorized {
			return TransitionDecision{}, fmt.Errorf("%w: cannot accept order with payment status %s", ErrInvalidTransition, payment)
		}
		decision.Action = PaymentActionCapture
	case current == domain.OrderStatusPlaced && requested == domain.OrderStatusRejected:
		switch payment {
		case domain.PaymentStatusAuthorized:
			decision.Action = PaymentActionCancel
		case domain.PaymentStatusCaptured:
			decision.Action = PaymentActionRefund
		}
	case fulfilmentSequence[current] == requested:
	default:
		return TransitionDecision{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, requested)
	}

	decision.Notify = notifiableStatus(requested)
	return decision, nil
}

func notifiableStatus(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusAccepted, domain.OrderStatusRejected, domain.OrderStatusReadyForPickup:
		return true
	default:
		return false
	}
}
