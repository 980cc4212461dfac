package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/idempotency"
	"github.com/ravintola/ordersync/internal/repositories"
	"github.com/ravintola/ordersync/internal/repositories/memory"
)

// stubVerifier treats the payload as a pre-parsed event envelope and the signature as a switch.
type stubVerifier struct {
	calls int
}

type stubEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Account string          `json:"account,omitempty"`
	Object  json.RawMessage `json:"object"`
}

func (v *stubVerifier) Verify(payload []byte, signature string) (payments.Event, error) {
	v.calls++
	if signature != "valid" {
		return payments.Event{}, payments.ErrInvalidSignature
	}
	var env stubEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return payments.Event{}, payments.ErrMalformedPayload
	}
	return payments.Event{ID: env.ID, Type: env.Type, Account: env.Account, CreatedAt: fixedNow, Object: env.Object}, nil
}

type recordingArchive struct {
	archived []string
	err      error
}

func (a *recordingArchive) Archive(_ context.Context, eventID string, _ time.Time, _ []byte) error {
	a.archived = append(a.archived, eventID)
	return a.err
}

type webhookHarness struct {
	svc       WebhookService
	orders    repositories.OrderRepository
	merchants *memory.MerchantStore
	ledger    *idempotency.MemoryLedger
	verifier  *stubVerifier
	archive   *recordingArchive
	events    *recordingSink
	published *recordingOrderEvents
}

func newWebhookHarness(t *testing.T, orders repositories.OrderRepository) *webhookHarness {
	t.Helper()
	h := &webhookHarness{
		orders:    orders,
		merchants: memory.NewMerchantStore(testMerchant()),
		ledger:    idempotency.NewMemoryLedger(),
		verifier:  &stubVerifier{},
		archive:   &recordingArchive{},
		events:    &recordingSink{},
		published: &recordingOrderEvents{},
	}
	svc, err := NewWebhookService(WebhookServiceDeps{
		Verifier:  h.verifier,
		Ledger:    h.ledger,
		Orders:    orders,
		Merchants: h.merchants,
		Archive:   h.archive,
		Publisher: h.published,
		Events:    h.events,
		Clock:     fixedClock,
	})
	if err != nil {
		t.Fatalf("NewWebhookService: %v", err)
	}
	h.svc = svc
	return h
}

func webhookPayload(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	payload, err := json.Marshal(stubEnvelope{ID: id, Type: eventType, Object: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

func sessionCompleted(t *testing.T, eventID, orderID string) []byte {
	return webhookPayload(t, eventID, payments.EventCheckoutSessionCompleted, map[string]any{
		"id":             "cs_" + orderID,
		"object":         "checkout.session",
		"payment_intent": "pi_" + orderID,
		"amount_total":   4200,
		"currency":       "eur",
		"metadata":       map[string]string{"order_id": orderID},
	})
}

func intentEvent(t *testing.T, eventID, eventType, orderID, status string, amount, capturable, received int64) []byte {
	return webhookPayload(t, eventID, eventType, map[string]any{
		"id":                "pi_" + orderID,
		"object":            "payment_intent",
		"status":            status,
		"amount":            amount,
		"amount_capturable": capturable,
		"amount_received":   received,
		"currency":          "eur",
		"metadata":          map[string]string{"order_id": orderID},
	})
}

func TestNewWebhookServiceValidatesDependencies(t *testing.T) {
	if _, err := NewWebhookService(WebhookServiceDeps{}); err == nil {
		t.Fatalf("expected error without verifier")
	}
	if _, err := NewWebhookService(WebhookServiceDeps{Verifier: &stubVerifier{}}); err == nil {
		t.Fatalf("expected error without ledger")
	}
}

func TestWebhookServiceSessionCompletedAuthorizesOnce(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, placedOrder("ord_1")))
	ctx := context.Background()
	payload := sessionCompleted(t, "evt_1", "ord_1")

	result, err := h.svc.HandleWebhook(ctx, payload, "valid")
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !result.Handled || result.Duplicate {
		t.Fatalf("unexpected result %+v", result)
	}
	order := mustGetOrder(t, h.orders, "ord_1")
	if order.PaymentStatus != domain.PaymentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", order.PaymentStatus)
	}
	if order.AuthorizationRef != "pi_ord_1" || order.AuthorizedAmount != 4200 {
		t.Fatalf("unexpected authorization %s/%d", order.AuthorizationRef, order.AuthorizedAmount)
	}

	replay, err := h.svc.HandleWebhook(ctx, payload, "valid")
	if err != nil {
		t.Fatalf("HandleWebhook replay: %v", err)
	}
	if !replay.Duplicate {
		t.Fatalf("expected duplicate on replay, got %+v", replay)
	}
	after := mustGetOrder(t, h.orders, "ord_1")
	if after.UpdatedAt != order.UpdatedAt || after.PaymentStatus != order.PaymentStatus {
		t.Fatalf("expected replay to leave order untouched")
	}
	if got := h.published.types(); len(got) != 1 || got[0] != "payment.authorized" {
		t.Fatalf("expected handler effects once, got %v", got)
	}
	entry, ok := h.ledger.Entry("evt_1")
	if !ok || entry.State != idempotency.StateCompleted {
		t.Fatalf("expected completed ledger entry, got %+v", entry)
	}
	if len(h.archive.archived) != 2 {
		t.Fatalf("expected both deliveries archived, got %v", h.archive.archived)
	}
}

func TestWebhookServiceInvalidSignatureTouchesNothing(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, placedOrder("ord_1")))

	_, err := h.svc.HandleWebhook(context.Background(), sessionCompleted(t, "evt_1", "ord_1"), "forged")
	if !errors.Is(err, payments.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, ok := h.ledger.Entry("evt_1"); ok {
		t.Fatalf("expected no ledger entry")
	}
	if len(h.archive.archived) != 0 {
		t.Fatalf("expected nothing archived")
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusNone {
		t.Fatalf("expected order untouched, got %s", order.PaymentStatus)
	}
	if h.events.count("webhook.rejected", "invalid") != 1 {
		t.Fatalf("expected rejection event")
	}
}

func TestWebhookServiceInFlightEvent(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, placedOrder("ord_1")))
	ctx := context.Background()
	if _, err := h.ledger.Claim(ctx, "evt_1", payments.EventCheckoutSessionCompleted, fixedNow, time.Minute); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	_, err := h.svc.HandleWebhook(ctx, sessionCompleted(t, "evt_1", "ord_1"), "valid")
	if !errors.Is(err, ErrEventInFlight) {
		t.Fatalf("expected ErrEventInFlight, got %v", err)
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusNone {
		t.Fatalf("expected handler not run, got %s", order.PaymentStatus)
	}
}

func TestWebhookServiceHandlerFailureReleasesClaim(t *testing.T) {
	orders := &failingOrders{
		OrderStore:  seedOrders(t, placedOrder("ord_1")),
		failUpdates: repositories.NewStoreError("orders.conditional_update", repositories.StoreErrorUnavailable, errors.New("deadline exceeded")),
	}
	h := newWebhookHarness(t, orders)
	ctx := context.Background()
	payload := sessionCompleted(t, "evt_1", "ord_1")

	if _, err := h.svc.HandleWebhook(ctx, payload, "valid"); err == nil {
		t.Fatalf("expected handler error")
	}
	if _, ok := h.ledger.Entry("evt_1"); ok {
		t.Fatalf("expected claim released after failure")
	}

	orders.failUpdates = nil
	result, err := h.svc.HandleWebhook(ctx, payload, "valid")
	if err != nil {
		t.Fatalf("HandleWebhook retry: %v", err)
	}
	if result.Duplicate || !result.Handled {
		t.Fatalf("expected retry to be processed, got %+v", result)
	}
	if order := mustGetOrder(t, orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED after retry, got %s", order.PaymentStatus)
	}
}

func TestWebhookServiceUnknownEventIsRecorded(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t))

	result, err := h.svc.HandleWebhook(context.Background(), webhookPayload(t, "evt_x", "customer.created", map[string]any{"id": "cus_1"}), "valid")
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if result.Handled {
		t.Fatalf("expected unhandled result")
	}
	if entry, ok := h.ledger.Entry("evt_x"); !ok || entry.State != idempotency.StateCompleted {
		t.Fatalf("expected ignored event recorded")
	}
	if h.events.count("webhook.delivery", "ignored") != 1 {
		t.Fatalf("expected ignored delivery event")
	}
}

func TestWebhookServiceMissingOrderIsNotAnError(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t))

	result, err := h.svc.HandleWebhook(context.Background(), sessionCompleted(t, "evt_1", "ord_elsewhere"), "valid")
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !result.Handled {
		t.Fatalf("expected handled result")
	}
	if h.events.count("webhook.order_missing", "ignored") != 1 {
		t.Fatalf("expected order_missing event")
	}
}

func TestWebhookServiceMalformedObjectReleasesClaim(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, placedOrder("ord_1")))

	payload := webhookPayload(t, "evt_bad", payments.EventChargeRefunded, []int{1, 2, 3})
	_, err := h.svc.HandleWebhook(context.Background(), payload, "valid")
	if !errors.Is(err, payments.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, ok := h.ledger.Entry("evt_bad"); ok {
		t.Fatalf("expected claim released")
	}
}

func TestWebhookServiceCaptureNeverExceedsAuthorization(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, authorizedOrder("ord_1")))

	payload := intentEvent(t, "evt_cap", payments.EventPaymentIntentSucceeded, "ord_1", "succeeded", 4200, 0, 9999)
	if _, err := h.svc.HandleWebhook(context.Background(), payload, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	order := mustGetOrder(t, h.orders, "ord_1")
	if order.PaymentStatus != domain.PaymentStatusCaptured {
		t.Fatalf("expected CAPTURED, got %s", order.PaymentStatus)
	}
	if order.CapturedAmount == nil || *order.CapturedAmount > order.AuthorizedAmount {
		t.Fatalf("captured %v exceeds authorized %d", order.CapturedAmount, order.AuthorizedAmount)
	}
}

func TestWebhookServiceLateAuthorizationDoesNotClobberCapture(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, capturedOrder("ord_1")))

	late := intentEvent(t, "evt_late", payments.EventPaymentIntentCapturable, "ord_1", "requires_capture", 4200, 4200, 0)
	if _, err := h.svc.HandleWebhook(context.Background(), late, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusCaptured {
		t.Fatalf("expected CAPTURED preserved, got %s", order.PaymentStatus)
	}

	failed := intentEvent(t, "evt_failed", payments.EventPaymentIntentFailed, "ord_1", "requires_payment_method", 4200, 0, 0)
	if _, err := h.svc.HandleWebhook(context.Background(), failed, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusCaptured {
		t.Fatalf("expected CAPTURED preserved after failure event, got %s", order.PaymentStatus)
	}
	if len(h.published.types()) != 0 {
		t.Fatalf("expected no state changes, got %v", h.published.types())
	}
}

func TestWebhookServicePaymentFailedAndCanceled(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, authorizedOrder("ord_1"), authorizedOrder("ord_2")))
	ctx := context.Background()

	if _, err := h.svc.HandleWebhook(ctx, intentEvent(t, "evt_f", payments.EventPaymentIntentFailed, "ord_1", "requires_payment_method", 4200, 0, 0), "valid"); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if _, err := h.svc.HandleWebhook(ctx, intentEvent(t, "evt_c", payments.EventPaymentIntentCanceled, "ord_2", "canceled", 4200, 0, 0), "valid"); err != nil {
		t.Fatalf("HandleWebhook canceled: %v", err)
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %s", order.PaymentStatus)
	}
	if order := mustGetOrder(t, h.orders, "ord_2"); order.PaymentStatus != domain.PaymentStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", order.PaymentStatus)
	}
}

func TestWebhookServiceDeclineBeforeAuthorizationKeepsCheckoutOpen(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, placedOrder("ord_1")))
	ctx := context.Background()

	if _, err := h.svc.HandleWebhook(ctx, intentEvent(t, "evt_1", payments.EventPaymentIntentFailed, "ord_1", "requires_payment_method", 4200, 0, 0), "valid"); err != nil {
		t.Fatalf("HandleWebhook declined: %v", err)
	}
	if order := mustGetOrder(t, h.orders, "ord_1"); order.PaymentStatus != domain.PaymentStatusNone {
		t.Fatalf("expected NONE after a declined attempt, got %s", order.PaymentStatus)
	}

	if _, err := h.svc.HandleWebhook(ctx, intentEvent(t, "evt_2", payments.EventPaymentIntentCapturable, "ord_1", "requires_capture", 4200, 4200, 0), "valid"); err != nil {
		t.Fatalf("HandleWebhook capturable: %v", err)
	}
	if _, err := h.svc.HandleWebhook(ctx, sessionCompleted(t, "evt_3", "ord_1"), "valid"); err != nil {
		t.Fatalf("HandleWebhook session completed: %v", err)
	}

	order := mustGetOrder(t, h.orders, "ord_1")
	if order.PaymentStatus != domain.PaymentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED after the retry succeeded, got %s", order.PaymentStatus)
	}
	if order.AuthorizationRef != "pi_ord_1" || order.AuthorizedAmount != 4200 {
		t.Fatalf("unexpected authorization %q/%d", order.AuthorizationRef, order.AuthorizedAmount)
	}
}

func TestWebhookServiceChargeRefunded(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, capturedOrder("ord_1")))
	ctx := context.Background()

	refund := func(eventID string, amount int64) {
		payload := webhookPayload(t, eventID, payments.EventChargeRefunded, map[string]any{
			"id":              "ch_1",
			"object":          "charge",
			"payment_intent":  "pi_ord_1",
			"amount_captured": 4200,
			"amount_refunded": amount,
		})
		if _, err := h.svc.HandleWebhook(ctx, payload, "valid"); err != nil {
			t.Fatalf("HandleWebhook %s: %v", eventID, err)
		}
	}

	refund("evt_r1", 1500)
	refund("evt_r2", 900)
	refund("evt_r3", 99999)

	order := mustGetOrder(t, h.orders, "ord_1")
	if order.RefundedAmount != 4200 {
		t.Fatalf("expected refunded capped at captured 4200, got %d", order.RefundedAmount)
	}
	if got := h.published.types(); len(got) != 2 {
		t.Fatalf("expected two refund updates, got %v", got)
	}
}

func TestWebhookServiceAccountUpdated(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t))
	ctx := context.Background()

	payload := webhookPayload(t, "evt_acct", payments.EventAccountUpdated, map[string]any{
		"id":              "acct_kallio",
		"object":          "account",
		"charges_enabled": true,
		"payouts_enabled": false,
		"requirements":    map[string]any{"currently_due": []string{"external_account"}},
	})
	if _, err := h.svc.HandleWebhook(ctx, payload, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	merchant, err := h.merchants.Get(ctx, "mer_kallio")
	if err != nil {
		t.Fatalf("get merchant: %v", err)
	}
	if merchant.PaymentAccount.Enabled {
		t.Fatalf("expected account disabled while payouts are off")
	}
	if !merchant.PaymentAccount.RequirementsOutstanding {
		t.Fatalf("expected outstanding requirements recorded")
	}
}

func TestWebhookServiceAlertsDoNotTouchOrders(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t, capturedOrder("ord_1")))

	payload := webhookPayload(t, "evt_dp", payments.EventChargeDisputeCreated, map[string]any{"id": "dp_1", "object": "dispute"})
	if _, err := h.svc.HandleWebhook(context.Background(), payload, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if h.events.count("webhook.alert", "alerted") != 1 {
		t.Fatalf("expected alert event")
	}
	if len(h.published.types()) != 0 {
		t.Fatalf("expected no order changes")
	}
}

func TestWebhookServiceCleanupLedger(t *testing.T) {
	h := newWebhookHarness(t, seedOrders(t))
	ctx := context.Background()
	if _, err := h.ledger.Claim(ctx, "evt_old", "x", fixedNow.Add(-60*24*time.Hour), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.ledger.Complete(ctx, "evt_old", fixedNow.Add(-60*24*time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	removed, err := h.svc.CleanupLedger(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupLedger: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one entry removed, got %d", removed)
	}
}
