package payments

import (
	"context"
	"time"
)

// IntentStatus normalises processor payment-intent states.
type IntentStatus string

const (
	// IntentPending covers intents still waiting for a payment method or confirmation.
	IntentPending IntentStatus = "pending"
	// IntentRequiresAction indicates customer authentication (3-D Secure) is outstanding.
	IntentRequiresAction IntentStatus = "requires_action"
	// IntentAuthorized indicates funds are reserved and awaiting capture.
	IntentAuthorized IntentStatus = "authorized"
	// IntentSucceeded indicates funds were captured.
	IntentSucceeded IntentStatus = "succeeded"
	// IntentCanceled indicates the authorization was released.
	IntentCanceled IntentStatus = "canceled"
)

// CheckoutLineItem is a single line shown on the hosted checkout page.
type CheckoutLineItem struct {
	Name     string
	Quantity int64
	// UnitAmount is in minor units and already includes option modifiers.
	UnitAmount int64
}

// SplitPayment routes the captured funds to a merchant sub-account minus the platform fee.
type SplitPayment struct {
	Destination    string
	ApplicationFee int64
}

// CheckoutSessionRequest captures the payload required to create a manual-capture checkout.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Items          []CheckoutLineItem
	Metadata       map[string]string
	IdempotencyKey string
	// Split is nil for direct (non-marketplace) charges.
	Split *SplitPayment
}

// CheckoutSession is the processor session returned to the customer.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// CaptureRequest captures an authorization, optionally for a partial amount.
type CaptureRequest struct {
	IntentID       string
	Amount         *int64
	IdempotencyKey string
}

// CancelRequest releases an authorization.
type CancelRequest struct {
	IntentID       string
	IdempotencyKey string
}

// RefundRequest refunds captured funds, optionally partially.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
}

// LookupRequest fetches the current state of an authorization.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises processor intent fields.
type PaymentDetails struct {
	IntentID         string
	Status           IntentStatus
	Amount           int64
	AmountCapturable int64
	AmountReceived   int64
	Currency         string
	CapturedAt       *time.Time
	Metadata         map[string]string
}

// RefundDetails describes a created refund.
type RefundDetails struct {
	RefundID string
	IntentID string
	Amount   int64
	Status   string
}

// AccountStatus reports the capability flags of a merchant sub-account.
type AccountStatus struct {
	AccountID       string
	ChargesEnabled  bool
	PayoutsEnabled  bool
	RequirementsDue bool
}

// Gateway is the boundary to the payment processor. Implementations return *GatewayError values
// matching ErrGatewayTransient or ErrGatewayRejected.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Capture(ctx context.Context, req CaptureRequest) (PaymentDetails, error)
	Cancel(ctx context.Context, req CancelRequest) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (RefundDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	AccountStatus(ctx context.Context, accountID string) (AccountStatus, error)
}
