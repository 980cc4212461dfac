package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeSessions struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return f.session, f.err
}

type fakeIntents struct {
	captureParams *stripe.PaymentIntentCaptureParams
	cancelParams  *stripe.PaymentIntentCancelParams
	intent        *stripe.PaymentIntent
	err           error
}

func (f *fakeIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	f.captureParams = params
	return f.intent, f.err
}

func (f *fakeIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelParams = params
	return f.intent, f.err
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, f.err
}

type fakeRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

type fakeAccounts struct {
	account *stripe.Account
	err     error
}

func (f *fakeAccounts) GetByID(id string, params *stripe.AccountParams) (*stripe.Account, error) {
	return f.account, f.err
}

type fakeStripe struct {
	sessions *fakeSessions
	intents  *fakeIntents
	refunds  *fakeRefunds
	accounts *fakeAccounts
}

func newFakeStripeGateway(t *testing.T, now time.Time) (*StripeGateway, *fakeStripe) {
	t.Helper()
	fakes := &fakeStripe{
		sessions: &fakeSessions{},
		intents:  &fakeIntents{},
		refunds:  &fakeRefunds{},
		accounts: &fakeAccounts{},
	}
	gw, err := NewStripeGateway(StripeGatewayConfig{
		Clock: func() time.Time { return now },
		Clients: &stripeClients{
			sessions: fakes.sessions,
			intents:  fakes.intents,
			refunds:  fakes.refunds,
			accounts: fakes.accounts,
		},
	})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}
	return gw, fakes
}

func TestStripeGatewayCreateCheckoutSessionSplit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gw, fakes := newFakeStripeGateway(t, now)
	fakes.sessions.session = &stripe.CheckoutSession{
		ID:            "cs_1",
		URL:           "https://checkout.example/cs_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
		ExpiresAt:     now.Add(time.Hour).Unix(),
	}

	session, err := gw.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:         3100,
		Currency:       "EUR",
		CustomerEmail:  "guest@example.com",
		SuccessURL:     "https://shop.example/ok",
		CancelURL:      "https://shop.example/cancel",
		Items:          []CheckoutLineItem{{Name: "Pizza", Quantity: 2, UnitAmount: 1300}, {Name: "Delivery", Quantity: 0, UnitAmount: 500}},
		Metadata:       map[string]string{"order_id": "ord_1"},
		IdempotencyKey: "checkout:key",
		Split:          &SplitPayment{Destination: "acct_m", ApplicationFee: 155},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "cs_1" || session.IntentID != "pi_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}

	params := fakes.sessions.params
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "checkout:key" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if len(params.LineItems) != 2 || *params.LineItems[1].Quantity != 1 {
		t.Fatalf("expected quantities clamped to one, got %+v", params.LineItems)
	}
	if *params.LineItems[0].PriceData.Currency != "eur" {
		t.Fatalf("expected lower-case currency, got %s", *params.LineItems[0].PriceData.Currency)
	}
	intentData := params.PaymentIntentData
	if intentData == nil || *intentData.CaptureMethod != string(stripe.PaymentIntentCaptureMethodManual) {
		t.Fatalf("expected manual capture")
	}
	if intentData.ApplicationFeeAmount == nil || *intentData.ApplicationFeeAmount != 155 {
		t.Fatalf("expected application fee 155")
	}
	if intentData.TransferData == nil || *intentData.TransferData.Destination != "acct_m" {
		t.Fatalf("expected destination acct_m")
	}
}

func TestStripeGatewayCreateCheckoutSessionDirect(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gw, fakes := newFakeStripeGateway(t, now)
	fakes.sessions.session = &stripe.CheckoutSession{ID: "cs_2"}

	session, err := gw.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Amount: 100, Currency: "EUR"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if fakes.sessions.params.PaymentIntentData.TransferData != nil {
		t.Fatalf("expected no transfer data for direct charges")
	}
	if !session.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("expected default expiry, got %s", session.ExpiresAt)
	}
}

func TestStripeGatewayCaptureAndCancel(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gw, fakes := newFakeStripeGateway(t, now)
	fakes.intents.intent = &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded, Amount: 2000, AmountReceived: 1500, Currency: "eur"}

	amount := int64(1500)
	details, err := gw.Capture(context.Background(), CaptureRequest{IntentID: "pi_1", Amount: &amount, IdempotencyKey: "capture:pi_1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if details.Status != IntentSucceeded || details.AmountReceived != 1500 || details.Currency != "EUR" {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.CapturedAt == nil || !details.CapturedAt.Equal(now) {
		t.Fatalf("expected captured at to default to clock, got %v", details.CapturedAt)
	}
	if *fakes.intents.captureParams.AmountToCapture != 1500 {
		t.Fatalf("expected partial capture amount")
	}

	fakes.intents.intent = &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusCanceled}
	details, err = gw.Cancel(context.Background(), CancelRequest{IntentID: "pi_1", IdempotencyKey: "cancel:pi_1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if details.Status != IntentCanceled {
		t.Fatalf("expected canceled, got %s", details.Status)
	}
	if *fakes.intents.cancelParams.IdempotencyKey != "cancel:pi_1" {
		t.Fatalf("expected cancel idempotency key")
	}
}

func TestStripeGatewayRefund(t *testing.T) {
	gw, fakes := newFakeStripeGateway(t, time.Now())
	fakes.refunds.refund = &stripe.Refund{ID: "re_1", Amount: 700, Status: stripe.RefundStatusSucceeded}

	amount := int64(700)
	refund, err := gw.Refund(context.Background(), RefundRequest{IntentID: "pi_1", Amount: &amount, Reason: "Requested_By_Customer"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.RefundID != "re_1" || refund.Amount != 700 || refund.IntentID != "pi_1" {
		t.Fatalf("unexpected refund %+v", refund)
	}
	if fakes.refunds.params.Reason == nil || *fakes.refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected mapped refund reason")
	}

	_, _ = gw.Refund(context.Background(), RefundRequest{IntentID: "pi_1", Reason: "changed mind"})
	if fakes.refunds.params.Reason != nil {
		t.Fatalf("expected unknown reasons to be dropped")
	}
}

func TestStripeGatewayClassifiesErrors(t *testing.T) {
	gw, fakes := newFakeStripeGateway(t, time.Now())
	fakes.intents.err = &stripe.Error{HTTPStatusCode: http.StatusInternalServerError, Msg: "upstream"}

	_, err := gw.LookupPayment(context.Background(), LookupRequest{IntentID: "pi_1"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	fakes.accounts.err = &stripe.Error{HTTPStatusCode: http.StatusNotFound, Type: stripe.ErrorTypeInvalidRequest}
	_, err = gw.AccountStatus(context.Background(), "acct_missing")
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
}

func TestStripeGatewayAccountStatus(t *testing.T) {
	gw, fakes := newFakeStripeGateway(t, time.Now())
	fakes.accounts.account = &stripe.Account{
		ID:             "acct_1",
		ChargesEnabled: true,
		PayoutsEnabled: false,
		Requirements:   &stripe.AccountRequirements{CurrentlyDue: []string{"external_account"}},
	}

	status, err := gw.AccountStatus(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("account status: %v", err)
	}
	if !status.ChargesEnabled || status.PayoutsEnabled || !status.RequirementsDue {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{}}); err == nil {
		t.Fatalf("expected error for incomplete clients")
	}
}
