package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(t *testing.T, secret string, payload []byte, at time.Time) string {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestVerifier(t *testing.T) *StripeWebhookVerifier {
	t.Helper()
	verifier, err := NewStripeWebhookVerifier(testWebhookSecret, time.Minute)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestStripeWebhookVerifierAcceptsSignedEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_123","type":"payment_intent.amount_capturable_updated","account":"acct_9","created":1700000000,"livemode":false,"data":{"object":{"id":"pi_1","object":"payment_intent","status":"requires_capture","amount":2500,"amount_capturable":2500,"currency":"eur","metadata":{"order_id":"ord_1"}}}}`)
	header := signPayload(t, testWebhookSecret, payload, time.Now())

	event, err := newTestVerifier(t).Verify(payload, header)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.ID != "evt_123" || event.Type != EventPaymentIntentCapturable {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Account != "acct_9" {
		t.Fatalf("expected account acct_9, got %q", event.Account)
	}
	if !event.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected created at %s", event.CreatedAt)
	}

	intent, err := DecodePaymentIntent(event)
	if err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if intent.IntentID != "pi_1" || intent.Status != IntentAuthorized {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.AmountCapturable != 2500 || intent.Currency != "EUR" {
		t.Fatalf("unexpected amounts %+v", intent)
	}
	if intent.Metadata["order_id"] != "ord_1" {
		t.Fatalf("expected order metadata, got %#v", intent.Metadata)
	}
}

func TestStripeWebhookVerifierRejectsBadSignatures(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	verifier := newTestVerifier(t)

	cases := map[string]string{
		"missing header": "",
		"wrong secret":   signPayload(t, "whsec_other", payload, time.Now()),
		"stale":          signPayload(t, testWebhookSecret, payload, time.Now().Add(-time.Hour)),
		"garbage":        "not-a-signature",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(payload, header)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected invalid signature, got %v", err)
			}
		})
	}
}

func TestStripeWebhookVerifierRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	header := signPayload(t, testWebhookSecret, payload, time.Now())
	tampered := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_2"}}}`)

	if _, err := newTestVerifier(t).Verify(tampered, header); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestStripeWebhookVerifierMalformedEnvelope(t *testing.T) {
	verifier := newTestVerifier(t)
	cases := map[string][]byte{
		"not json":     []byte(`{"id":`),
		"missing id":   []byte(`{"type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`),
		"missing data": []byte(`{"id":"evt_1","type":"charge.refunded"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			header := signPayload(t, testWebhookSecret, payload, time.Now())
			_, err := verifier.Verify(payload, header)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected malformed payload, got %v", err)
			}
		})
	}
}

func TestNewStripeWebhookVerifierRequiresSecret(t *testing.T) {
	if _, err := NewStripeWebhookVerifier("  ", 0); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestDecodeCheckoutSessionAndCharge(t *testing.T) {
	session, err := DecodeCheckoutSession(Event{Object: []byte(`{"id":"cs_1","amount_total":4200,"currency":"eur","payment_intent":"pi_7","metadata":{"order_id":"ord_7"}}`)})
	if err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.SessionID != "cs_1" || session.PaymentIntentID != "pi_7" || session.AmountTotal != 4200 {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Metadata["order_id"] != "ord_7" {
		t.Fatalf("expected order metadata, got %#v", session.Metadata)
	}

	charge, err := DecodeCharge(Event{Object: []byte(`{"id":"ch_1","payment_intent":"pi_7","amount_captured":4200,"amount_refunded":1200,"refunded":false}`)})
	if err != nil {
		t.Fatalf("decode charge: %v", err)
	}
	if charge.PaymentIntentID != "pi_7" || charge.AmountRefunded != 1200 || charge.Refunded {
		t.Fatalf("unexpected charge %+v", charge)
	}

	if id := ObjectID(Event{Object: []byte(`{"id":"po_1"}`)}); id != "po_1" {
		t.Fatalf("expected po_1, got %q", id)
	}
	if id := ObjectID(Event{Object: []byte(`[`)}); id != "" {
		t.Fatalf("expected empty id for invalid object, got %q", id)
	}
}
