package services

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
)

// Reconcile pulls the authorization state from the processor and applies it with the same
// deciders the payment webhooks use. It repairs orders left behind by a timed-out operator call.
func (s *orderService) Reconcile(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return Order{}, translateOrderError(err)
	}

	details, err := s.payments.Lookup(ctx, order)
	if err != nil {
		s.logger(ctx, "orders.reconcile.lookup_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return Order{}, err
	}

	decide := s.reconcileDecider(details)
	if decide == nil {
		s.reconciled(ctx, order, details, false)
		return order, nil
	}

	updated, changed, err := s.sync.converge(ctx, order, "reconcile:"+order.ID, decide)
	if err != nil {
		return Order{}, translateOrderError(err)
	}
	s.reconciled(ctx, updated, details, changed)
	return updated, nil
}

func (s *orderService) reconcileDecider(details payments.PaymentDetails) orderDecider {
	switch details.Status {
	case payments.IntentAuthorized:
		return authorizeDecider(details.IntentID, max(details.AmountCapturable, details.Amount))
	case payments.IntentSucceeded:
		capturedAt := s.now()
		if details.CapturedAt != nil {
			capturedAt = *details.CapturedAt
		}
		return captureDecider(details.IntentID, details.Amount, details.AmountReceived, capturedAt)
	case payments.IntentCanceled:
		return releaseDecider(domain.PaymentStatusCanceled)
	default:
		return nil
	}
}

func (s *orderService) reconciled(ctx context.Context, order Order, details payments.PaymentDetails, changed bool) {
	outcome := "unchanged"
	if changed {
		outcome = "updated"
	}
	fields := map[string]any{
		"intentStatus":  string(details.Status),
		"paymentStatus": string(order.PaymentStatus),
		"received":      details.AmountReceived,
	}
	s.logger(ctx, "orders.reconcile."+outcome, map[string]any{
		"orderId":       order.ID,
		"intentStatus":  string(details.Status),
		"paymentStatus": string(order.PaymentStatus),
	})
	emit(ctx, s.events, LifecycleEvent{Name: "order.reconcile", OrderID: order.ID, Outcome: outcome, Fields: fields})
}
