package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
)

// PaymentOrchestratorDeps wires the processor gateway used for operator-driven payment actions.
type PaymentOrchestratorDeps struct {
	Gateway     payments.Gateway
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// PaymentOrchestrator enforces amount and status bounds before calling the gateway. It never
// writes order state; callers commit the returned outcome with a conditional update.
type PaymentOrchestrator struct {
	gateway payments.Gateway
	now     func() time.Time
	newKey  func() string
	logger  func(context.Context, string, map[string]any)
}

// CaptureOutcome is the confirmed result of a capture.
type CaptureOutcome struct {
	Amount     int64
	CapturedAt time.Time
}

// RefundOutcome is the confirmed result of a refund.
type RefundOutcome struct {
	RefundID string
	Amount   int64
}

// NewPaymentOrchestrator constructs the orchestrator.
func NewPaymentOrchestrator(deps PaymentOrchestratorDeps) (*PaymentOrchestrator, error) {
	if deps.Gateway == nil {
		return nil, errors.New("payment orchestrator: gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newKey := deps.IDGenerator
	if newKey == nil {
		newKey = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentOrchestrator{
		gateway: deps.Gateway,
		now: func() time.Time {
			return clock().UTC()
		},
		newKey: newKey,
		logger: logger,
	}, nil
}

// Capture captures the authorization. amount defaults to the full authorized amount.
func (o *PaymentOrchestrator) Capture(ctx context.Context, order Order, amount *int64) (CaptureOutcome, error) {
	if order.PaymentStatus != domain.PaymentStatusAuthorized {
		return CaptureOutcome{}, fmt.Errorf("%w: capture requires %s, order %s is %s", ErrPaymentActionNotAllowed, domain.PaymentStatusAuthorized, order.ID, order.PaymentStatus)
	}
	ref, err := authorizationRef(order)
	if err != nil {
		return CaptureOutcome{}, err
	}

	authorized := order.AuthorizedAmount
	if authorized <= 0 {
		authorized = order.TotalAmount
	}
	requested := authorized
	if amount != nil {
		requested = *amount
	}
	if requested <= 0 {
		return CaptureOutcome{}, ErrInvalidAmount
	}
	if requested > authorized {
		return CaptureOutcome{}, fmt.Errorf("%w: %d > %d", ErrCaptureExceedsAuthorization, requested, authorized)
	}

	req := payments.CaptureRequest{IntentID: ref, IdempotencyKey: "capture:" + ref}
	if requested < authorized {
		req.Amount = &requested
	}
	details, err := o.gateway.Capture(ctx, req)
	if err != nil {
		o.logger(ctx, "payments.capture.failed", map[string]any{
			"orderId":   order.ID,
			"intentId":  ref,
			"amount":    requested,
			"transient": payments.IsTransient(err),
			"error":     err.Error(),
		})
		return CaptureOutcome{}, err
	}

	outcome := CaptureOutcome{Amount: requested, CapturedAt: o.now()}
	if details.AmountReceived > 0 && details.AmountReceived <= authorized {
		outcome.Amount = details.AmountReceived
	}
	if details.CapturedAt != nil {
		outcome.CapturedAt = details.CapturedAt.UTC()
	}
	return outcome, nil
}

// Cancel releases the authorization.
func (o *PaymentOrchestrator) Cancel(ctx context.Context, order Order) error {
	if order.PaymentStatus != domain.PaymentStatusAuthorized {
		return fmt.Errorf("%w: cancel requires %s, order %s is %s", ErrPaymentActionNotAllowed, domain.PaymentStatusAuthorized, order.ID, order.PaymentStatus)
	}
	ref, err := authorizationRef(order)
	if err != nil {
		return err
	}
	if _, err := o.gateway.Cancel(ctx, payments.CancelRequest{IntentID: ref, IdempotencyKey: "cancel:" + ref}); err != nil {
		o.logger(ctx, "payments.cancel.failed", map[string]any{
			"orderId":   order.ID,
			"intentId":  ref,
			"transient": payments.IsTransient(err),
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// Refund refunds captured funds. amount defaults to everything not yet refunded.
func (o *PaymentOrchestrator) Refund(ctx context.Context, order Order, amount *int64, reason string) (RefundOutcome, error) {
	if order.PaymentStatus != domain.PaymentStatusCaptured {
		return RefundOutcome{}, fmt.Errorf("%w: refund requires %s, order %s is %s", ErrPaymentActionNotAllowed, domain.PaymentStatusCaptured, order.ID, order.PaymentStatus)
	}
	ref, err := authorizationRef(order)
	if err != nil {
		return RefundOutcome{}, err
	}

	var captured int64
	if order.CapturedAmount != nil {
		captured = *order.CapturedAmount
	}
	remaining := captured - order.RefundedAmount
	requested := remaining
	if amount != nil {
		requested = *amount
	}
	if requested <= 0 {
		if amount == nil {
			return RefundOutcome{}, fmt.Errorf("%w: nothing left to refund", ErrRefundExceedsCapture)
		}
		return RefundOutcome{}, ErrInvalidAmount
	}
	if requested > remaining {
		return RefundOutcome{}, fmt.Errorf("%w: %d > %d", ErrRefundExceedsCapture, requested, remaining)
	}

	refund, err := o.gateway.Refund(ctx, payments.RefundRequest{
		IntentID:       ref,
		Amount:         &requested,
		Reason:         strings.TrimSpace(reason),
		IdempotencyKey: "refund:" + o.newKey(),
	})
	if err != nil {
		o.logger(ctx, "payments.refund.failed", map[string]any{
			"orderId":   order.ID,
			"intentId":  ref,
			"amount":    requested,
			"transient": payments.IsTransient(err),
			"error":     err.Error(),
		})
		return RefundOutcome{}, err
	}

	outcome := RefundOutcome{RefundID: refund.RefundID, Amount: requested}
	if refund.Amount > 0 && refund.Amount <= remaining {
		outcome.Amount = refund.Amount
	}
	return outcome, nil
}

// Lookup fetches the processor's current view of the authorization.
func (o *PaymentOrchestrator) Lookup(ctx context.Context, order Order) (payments.PaymentDetails, error) {
	ref, err := authorizationRef(order)
	if err != nil {
		return payments.PaymentDetails{}, err
	}
	return o.gateway.LookupPayment(ctx, payments.LookupRequest{IntentID: ref})
}

func authorizationRef(order Order) (string, error) {
	ref := strings.TrimSpace(order.AuthorizationRef)
	if ref == "" {
		return "", fmt.Errorf("%w: order %s has no authorization reference", ErrPaymentActionNotAllowed, order.ID)
	}
	return ref, nil
}
