package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeAccountAPI interface {
	GetByID(id string, params *stripe.AccountParams) (*stripe.Account, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
	accounts stripeAccountAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   Logger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeGateway implements Gateway using Stripe Checkout and Connect destination charges.
type StripeGateway struct {
	api    stripeClients
	clock  func() time.Time
	logger Logger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe-backed gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
			accounts: sc.Accounts,
		}
	}
	if clients.sessions == nil || clients.intents == nil || clients.refunds == nil || clients.accounts == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:    clients,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a hosted checkout in manual-capture mode. Split requests become
// destination charges with an application fee.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	const op = "stripe.checkout_session.create"
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   copyMetadata(req.Metadata),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		})
	}

	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata:      copyMetadata(req.Metadata),
	}
	if split := req.Split; split != nil {
		params.PaymentIntentData.ApplicationFeeAmount = stripe.Int64(split.ApplicationFee)
		params.PaymentIntentData.TransferData = &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripe.String(split.Destination),
		}
	}

	session, err := g.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, classifyStripeError(op, err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intentID,
		"amount":        req.Amount,
		"split":         req.Split != nil,
	})

	expiresAt := g.clock().Add(24 * time.Hour)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		IntentID:    intentID,
		ExpiresAt:   expiresAt,
	}, nil
}

// Capture captures an authorized intent.
func (g *StripeGateway) Capture(ctx context.Context, req CaptureRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.AmountToCapture = stripe.Int64(*req.Amount)
	}
	intent, err := g.api.intents.Capture(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, classifyStripeError("stripe.payment_intent.capture", err)
	}
	g.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"amountReceived": intent.AmountReceived,
	})
	return g.details(intent), nil
}

// Cancel releases an authorized intent.
func (g *StripeGateway) Cancel(ctx context.Context, req CancelRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	intent, err := g.api.intents.Cancel(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, classifyStripeError("stripe.payment_intent.cancel", err)
	}
	g.logger(ctx, "payments.stripe.intent.canceled", map[string]any{"paymentIntent": intent.ID})
	return g.details(intent), nil
}

// Refund creates a refund against a captured intent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundDetails, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	refund, err := g.api.refunds.New(params)
	if err != nil {
		return RefundDetails{}, classifyStripeError("stripe.refund.create", err)
	}
	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
		"refundId":      refund.ID,
		"amount":        refund.Amount,
	})
	return RefundDetails{
		RefundID: refund.ID,
		IntentID: req.IntentID,
		Amount:   refund.Amount,
		Status:   string(refund.Status),
	}, nil
}

// LookupPayment retrieves the current intent state.
func (g *StripeGateway) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, classifyStripeError("stripe.payment_intent.get", err)
	}
	return g.details(intent), nil
}

// AccountStatus reads the capability flags of a connected account.
func (g *StripeGateway) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	account, err := g.api.accounts.GetByID(accountID, params)
	if err != nil {
		return AccountStatus{}, classifyStripeError("stripe.account.get", err)
	}
	return accountStatus(account), nil
}

func (g *StripeGateway) details(intent *stripe.PaymentIntent) PaymentDetails {
	details := intentDetails(intent)
	if details.Status == IntentSucceeded && details.CapturedAt == nil {
		now := g.clock()
		details.CapturedAt = &now
	}
	return details
}

func intentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}
	details := PaymentDetails{
		IntentID:         intent.ID,
		Status:           intentStatus(intent.Status),
		Amount:           intent.Amount,
		AmountCapturable: intent.AmountCapturable,
		AmountReceived:   intent.AmountReceived,
		Currency:         strings.ToUpper(string(intent.Currency)),
		Metadata:         copyMetadata(intent.Metadata),
	}
	if charge := intent.LatestCharge; charge != nil && charge.Captured && charge.Created > 0 {
		at := time.Unix(charge.Created, 0).UTC()
		details.CapturedAt = &at
	}
	return details
}

func intentStatus(status stripe.PaymentIntentStatus) IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return IntentAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return IntentCanceled
	case stripe.PaymentIntentStatusRequiresAction:
		return IntentRequiresAction
	default:
		return IntentPending
	}
}

func accountStatus(account *stripe.Account) AccountStatus {
	if account == nil {
		return AccountStatus{}
	}
	status := AccountStatus{
		AccountID:      account.ID,
		ChargesEnabled: account.ChargesEnabled,
		PayoutsEnabled: account.PayoutsEnabled,
	}
	if req := account.Requirements; req != nil {
		status.RequirementsDue = len(req.CurrentlyDue) > 0 || len(req.PastDue) > 0
	}
	return status
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
