package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
)

func newTestOrchestrator(t *testing.T, gateway *stubGateway) *PaymentOrchestrator {
	t.Helper()
	orchestrator, err := NewPaymentOrchestrator(PaymentOrchestratorDeps{
		Gateway:     gateway,
		Clock:       fixedClock,
		IDGenerator: func() string { return "key-1" },
	})
	require.NoError(t, err)
	return orchestrator
}

func TestNewPaymentOrchestratorRequiresGateway(t *testing.T) {
	_, err := NewPaymentOrchestrator(PaymentOrchestratorDeps{})
	require.Error(t, err)
}

func TestPaymentOrchestratorCaptureBounds(t *testing.T) {
	gateway := &stubGateway{}
	orchestrator := newTestOrchestrator(t, gateway)
	ctx := context.Background()
	order := authorizedOrder("ord_1")

	outcome, err := orchestrator.Capture(ctx, order, int64Ptr(3000))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), outcome.Amount)
	require.Len(t, gateway.captures, 1)
	require.NotNil(t, gateway.captures[0].Amount)
	assert.Equal(t, int64(3000), *gateway.captures[0].Amount)

	_, err = orchestrator.Capture(ctx, order, int64Ptr(4201))
	assert.ErrorIs(t, err, ErrCaptureExceedsAuthorization)

	_, err = orchestrator.Capture(ctx, order, int64Ptr(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	for _, status := range []domain.PaymentStatus{domain.PaymentStatusNone, domain.PaymentStatusFailed, domain.PaymentStatusCanceled, domain.PaymentStatusCaptured} {
		_, err = orchestrator.Capture(ctx, withPayment(order, status), nil)
		assert.ErrorIs(t, err, ErrPaymentActionNotAllowed, "capture from %s", status)
	}
	assert.Len(t, gateway.captures, 1, "rejected captures never reach the gateway")
}

func TestPaymentOrchestratorCaptureUsesProcessorReport(t *testing.T) {
	capturedAt := time.Date(2025, 3, 14, 11, 59, 0, 0, time.UTC)
	gateway := &stubGateway{captureFn: func(_ context.Context, req payments.CaptureRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.IntentSucceeded, AmountReceived: 4100, CapturedAt: &capturedAt}, nil
	}}
	orchestrator := newTestOrchestrator(t, gateway)

	outcome, err := orchestrator.Capture(context.Background(), authorizedOrder("ord_1"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4100), outcome.Amount)
	assert.Equal(t, capturedAt, outcome.CapturedAt)
	assert.Equal(t, "capture:pi_ord_1", gateway.captures[0].IdempotencyKey)
	assert.Nil(t, gateway.captures[0].Amount)
}

func TestPaymentOrchestratorCancel(t *testing.T) {
	gateway := &stubGateway{}
	orchestrator := newTestOrchestrator(t, gateway)

	require.NoError(t, orchestrator.Cancel(context.Background(), authorizedOrder("ord_1")))
	assert.Equal(t, "cancel:pi_ord_1", gateway.cancels[0].IdempotencyKey)

	err := orchestrator.Cancel(context.Background(), capturedOrder("ord_1"))
	assert.ErrorIs(t, err, ErrPaymentActionNotAllowed)

	missingRef := authorizedOrder("ord_2")
	missingRef.AuthorizationRef = ""
	err = orchestrator.Cancel(context.Background(), missingRef)
	assert.ErrorIs(t, err, ErrPaymentActionNotAllowed)
}

func TestPaymentOrchestratorRefundBounds(t *testing.T) {
	gateway := &stubGateway{}
	orchestrator := newTestOrchestrator(t, gateway)
	ctx := context.Background()
	order := capturedOrder("ord_1")
	order.RefundedAmount = 1200

	outcome, err := orchestrator.Refund(ctx, order, nil, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), outcome.Amount)
	assert.Equal(t, "refund:key-1", gateway.refunds[0].IdempotencyKey)

	_, err = orchestrator.Refund(ctx, order, int64Ptr(3001), "")
	assert.ErrorIs(t, err, ErrRefundExceedsCapture)

	_, err = orchestrator.Refund(ctx, order, int64Ptr(-5), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	order.RefundedAmount = 4200
	_, err = orchestrator.Refund(ctx, order, nil, "")
	assert.ErrorIs(t, err, ErrRefundExceedsCapture)

	_, err = orchestrator.Refund(ctx, authorizedOrder("ord_2"), nil, "")
	assert.ErrorIs(t, err, ErrPaymentActionNotAllowed)
}

func TestPaymentOrchestratorSurfacesGatewayErrors(t *testing.T) {
	rejected := &payments.GatewayError{Op: "refund", Kind: payments.ErrGatewayRejected, Code: "charge_already_refunded"}
	gateway := &stubGateway{refundFn: func(context.Context, payments.RefundRequest) (payments.RefundDetails, error) {
		return payments.RefundDetails{}, rejected
	}}
	orchestrator := newTestOrchestrator(t, gateway)

	_, err := orchestrator.Refund(context.Background(), capturedOrder("ord_1"), nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, payments.ErrGatewayRejected))
	assert.False(t, payments.IsTransient(err))
}
