package services

import (
	"context"
	"strings"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
)

func (s *webhookService) handlerTable() map[string]webhookHandler {
	return map[string]webhookHandler{
		payments.EventCheckoutSessionCompleted:    s.handleCheckoutCompleted,
		payments.EventCheckoutSessionExpired:      s.logOnly("checkout session expired"),
		payments.EventPaymentIntentSucceeded:      s.handleIntentProgress,
		payments.EventPaymentIntentCapturable:     s.handleIntentProgress,
		payments.EventPaymentIntentFailed:         s.handleIntentReleased(domain.PaymentStatusFailed),
		payments.EventPaymentIntentCanceled:       s.handleIntentReleased(domain.PaymentStatusCanceled),
		payments.EventPaymentIntentRequiresAction: s.logOnly("payment requires customer action"),
		payments.EventAccountUpdated:              s.handleAccountUpdated,
		payments.EventPayoutFailed:                s.alert("payout failed"),
		payments.EventChargeDisputeCreated:        s.alert("dispute created"),
		payments.EventChargeRefunded:              s.handleChargeRefunded,
	}
}

func (s *webhookService) handleCheckoutCompleted(ctx context.Context, event payments.Event) error {
	session, err := payments.DecodeCheckoutSession(event)
	if err != nil {
		return err
	}
	order, found, err := s.findOrder(ctx, event, session.Metadata["order_id"], func(ctx context.Context) (Order, error) {
		return s.orders.GetByPaymentRef(ctx, session.SessionID)
	})
	if err != nil || !found {
		return err
	}
	_, _, err = s.sync.converge(ctx, order, event.ID, authorizeDecider(session.PaymentIntentID, session.AmountTotal))
	return err
}

// handleIntentProgress treats any received amount as a capture and otherwise as an authorization.
func (s *webhookService) handleIntentProgress(ctx context.Context, event payments.Event) error {
	intent, err := payments.DecodePaymentIntent(event)
	if err != nil {
		return err
	}
	order, found, err := s.findIntentOrder(ctx, event, intent.PaymentDetails)
	if err != nil || !found {
		return err
	}

	decide := authorizeDecider(intent.IntentID, max(intent.AmountCapturable, intent.Amount))
	if intent.AmountReceived > 0 {
		capturedAt := event.CreatedAt
		if intent.CapturedAt != nil {
			capturedAt = *intent.CapturedAt
		}
		if capturedAt.IsZero() {
			capturedAt = s.now()
		}
		decide = captureDecider(intent.IntentID, intent.Amount, intent.AmountReceived, capturedAt)
	}
	_, _, err = s.sync.converge(ctx, order, event.ID, decide)
	return err
}

func (s *webhookService) handleIntentReleased(target PaymentStatus) webhookHandler {
	return func(ctx context.Context, event payments.Event) error {
		intent, err := payments.DecodePaymentIntent(event)
		if err != nil {
			return err
		}
		order, found, err := s.findIntentOrder(ctx, event, intent.PaymentDetails)
		if err != nil || !found {
			return err
		}
		if intent.FailureCode != "" {
			s.logger(ctx, "webhooks.payment.failure_reason", map[string]any{
				"orderId": order.ID,
				"code":    intent.FailureCode,
				"message": intent.FailureMessage,
			})
		}
		if order.PaymentStatus == domain.PaymentStatusNone {
			s.logger(ctx, "webhooks.payment.attempt_declined", map[string]any{
				"orderId": order.ID,
				"type":    event.Type,
			})
			return nil
		}
		_, _, err = s.sync.converge(ctx, order, event.ID, releaseDecider(target))
		return err
	}
}

func (s *webhookService) handleChargeRefunded(ctx context.Context, event payments.Event) error {
	charge, err := payments.DecodeCharge(event)
	if err != nil {
		return err
	}
	order, found, err := s.findOrder(ctx, event, "", func(ctx context.Context) (Order, error) {
		return s.orders.GetByAuthorizationRef(ctx, charge.PaymentIntentID)
	})
	if err != nil || !found {
		return err
	}
	_, _, err = s.sync.converge(ctx, order, event.ID, refundedDecider(charge.AmountRefunded))
	return err
}

// handleAccountUpdated mirrors the sub-account capability flags onto the merchant.
func (s *webhookService) handleAccountUpdated(ctx context.Context, event payments.Event) error {
	account, err := payments.DecodeAccount(event)
	if err != nil {
		return err
	}
	accountID := account.AccountID
	if accountID == "" {
		accountID = event.Account
	}
	merchant, err := s.merchants.FindByPaymentAccountID(ctx, accountID)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "webhooks.merchant_missing", map[string]any{
				"eventId":   event.ID,
				"accountId": accountID,
			})
			return nil
		}
		return err
	}

	updated := domain.MerchantPaymentAccount{
		AccountID:               accountID,
		Enabled:                 account.ChargesEnabled && account.PayoutsEnabled,
		RequirementsOutstanding: account.RequirementsDue,
		UpdatedAt:               s.now(),
	}
	if err := s.merchants.UpdatePaymentAccount(ctx, merchant.ID, updated); err != nil {
		return err
	}
	emit(ctx, s.events, LifecycleEvent{
		Name:    "merchant.payment_account",
		EventID: event.ID,
		Outcome: "updated",
		Fields: map[string]any{
			"merchantId":   merchant.ID,
			"enabled":      updated.Enabled,
			"requirements": updated.RequirementsOutstanding,
		},
	})
	return nil
}

func (s *webhookService) logOnly(description string) webhookHandler {
	return func(ctx context.Context, event payments.Event) error {
		s.logger(ctx, "webhooks.informational", map[string]any{
			"eventId":     event.ID,
			"type":        event.Type,
			"objectId":    payments.ObjectID(event),
			"description": description,
		})
		return nil
	}
}

// alert reports operational events that do not touch order state.
func (s *webhookService) alert(description string) webhookHandler {
	return func(ctx context.Context, event payments.Event) error {
		fields := map[string]any{
			"eventId":     event.ID,
			"type":        event.Type,
			"account":     event.Account,
			"objectId":    payments.ObjectID(event),
			"description": description,
		}
		s.logger(ctx, "webhooks.alert", fields)
		emit(ctx, s.events, LifecycleEvent{Name: "webhook.alert", EventID: event.ID, Outcome: "alerted", Fields: fields})
		return nil
	}
}

func (s *webhookService) findIntentOrder(ctx context.Context, event payments.Event, intent payments.PaymentDetails) (Order, bool, error) {
	return s.findOrder(ctx, event, intent.Metadata["order_id"], func(ctx context.Context) (Order, error) {
		return s.orders.GetByAuthorizationRef(ctx, intent.IntentID)
	})
}

// findOrder resolves the order referenced by an event: the processor reference first, then the
// order id carried in metadata. A missing order is logged and reported as not found.
func (s *webhookService) findOrder(ctx context.Context, event payments.Event, orderID string, byRef func(context.Context) (Order, error)) (Order, bool, error) {
	order, err := byRef(ctx)
	if err == nil {
		return order, true, nil
	}
	if !isRepoNotFound(err) {
		return Order{}, false, err
	}

	if orderID = strings.TrimSpace(orderID); orderID != "" {
		order, err = s.orders.GetByID(ctx, orderID)
		if err == nil {
			return order, true, nil
		}
		if !isRepoNotFound(err) {
			return Order{}, false, err
		}
	}

	s.logger(ctx, "webhooks.order_missing", map[string]any{
		"eventId": event.ID,
		"type":    event.Type,
		"orderId": orderID,
	})
	emit(ctx, s.events, LifecycleEvent{Name: "webhook.order_missing", OrderID: orderID, EventID: event.ID, Outcome: "ignored"})
	return Order{}, false, nil
}
