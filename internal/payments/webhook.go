package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

var (
	// ErrInvalidSignature indicates the payload signature did not verify.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedPayload indicates the payload could not be parsed as an event envelope.
	ErrMalformedPayload = errors.New("payments: malformed webhook payload")
)

// Processor event types routed by the webhook dispatcher.
const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventCheckoutSessionExpired      = "checkout.session.expired"
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventPaymentIntentCapturable     = "payment_intent.amount_capturable_updated"
	EventPaymentIntentFailed         = "payment_intent.payment_failed"
	EventPaymentIntentCanceled       = "payment_intent.canceled"
	EventPaymentIntentRequiresAction = "payment_intent.requires_action"
	EventAccountUpdated              = "account.updated"
	EventPayoutFailed                = "payout.failed"
	EventChargeDisputeCreated        = "charge.dispute.created"
	EventChargeRefunded              = "charge.refunded"
)

const defaultSignatureTolerance = 5 * time.Minute

// Event is a verified processor notification. Object holds the raw nested object so handlers
// decode only what they need.
type Event struct {
	ID        string
	Type      string
	Account   string
	CreatedAt time.Time
	Livemode  bool
	Object    json.RawMessage
}

// WebhookVerifier authenticates and parses inbound payloads.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}

// StripeWebhookVerifier validates Stripe-Signature headers against the endpoint secret.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

var _ WebhookVerifier = (*StripeWebhookVerifier)(nil)

// NewStripeWebhookVerifier constructs a verifier. A zero tolerance falls back to five minutes.
func NewStripeWebhookVerifier(secret string, tolerance time.Duration) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance}, nil
}

// Verify checks the signature first and only then parses the envelope, so unauthenticated
// payloads never reach the JSON decoder.
func (v *StripeWebhookVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(string(raw.Type)) == "" {
		return Event{}, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, raw.ID)
	}

	return Event{
		ID:        raw.ID,
		Type:      string(raw.Type),
		Account:   raw.Account,
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
		Livemode:  raw.Livemode,
		Object:    raw.Data.Raw,
	}, nil
}

// CheckoutSessionObject is the subset of a checkout session the handlers use.
type CheckoutSessionObject struct {
	SessionID       string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

// PaymentIntentObject is the subset of a payment intent the handlers use.
type PaymentIntentObject struct {
	PaymentDetails
	FailureCode    string
	FailureMessage string
}

// AccountObject is the subset of a connected account the handlers use.
type AccountObject struct {
	AccountStatus
}

// ChargeObject is the subset of a charge the handlers use.
type ChargeObject struct {
	ChargeID        string
	PaymentIntentID string
	AmountCaptured  int64
	AmountRefunded  int64
	Refunded        bool
}

// DecodeCheckoutSession decodes the event object as a checkout session.
func DecodeCheckoutSession(event Event) (CheckoutSessionObject, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Object, &session); err != nil {
		return CheckoutSessionObject{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	obj := CheckoutSessionObject{
		SessionID:   session.ID,
		AmountTotal: session.AmountTotal,
		Currency:    strings.ToUpper(string(session.Currency)),
		Metadata:    copyMetadata(session.Metadata),
	}
	if session.PaymentIntent != nil {
		obj.PaymentIntentID = session.PaymentIntent.ID
	}
	return obj, nil
}

// DecodePaymentIntent decodes the event object as a payment intent.
func DecodePaymentIntent(event Event) (PaymentIntentObject, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Object, &intent); err != nil {
		return PaymentIntentObject{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
	}
	obj := PaymentIntentObject{PaymentDetails: intentDetails(&intent)}
	if intent.LastPaymentError != nil {
		obj.FailureCode = string(intent.LastPaymentError.Code)
		obj.FailureMessage = intent.LastPaymentError.Msg
	}
	return obj, nil
}

// DecodeAccount decodes the event object as a connected account.
func DecodeAccount(event Event) (AccountObject, error) {
	var account stripe.Account
	if err := json.Unmarshal(event.Object, &account); err != nil {
		return AccountObject{}, fmt.Errorf("%w: account: %v", ErrMalformedPayload, err)
	}
	return AccountObject{AccountStatus: accountStatus(&account)}, nil
}

// DecodeCharge decodes the event object as a charge.
func DecodeCharge(event Event) (ChargeObject, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Object, &charge); err != nil {
		return ChargeObject{}, fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
	}
	obj := ChargeObject{
		ChargeID:       charge.ID,
		AmountCaptured: charge.AmountCaptured,
		AmountRefunded: charge.AmountRefunded,
		Refunded:       charge.Refunded,
	}
	if charge.PaymentIntent != nil {
		obj.PaymentIntentID = charge.PaymentIntent.ID
	}
	return obj, nil
}

// ObjectID extracts the id of the nested object for log-only events.
func ObjectID(event Event) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Object, &probe); err != nil {
		return ""
	}
	return probe.ID
}
