package domain

import (
	"time"
)

// OrderStatus is the operator-facing workflow state of an order.
type OrderStatus string

const (
	OrderStatusPlaced         OrderStatus = "PLACED"
	OrderStatusAccepted       OrderStatus = "ACCEPTED"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusProcessing     OrderStatus = "PROCESSING"
	OrderStatusReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	OrderStatusFulfilled      OrderStatus = "FULFILLED"
)

// IsTerminal reports whether no further operator transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusRejected || s == OrderStatusFulfilled
}

// Valid reports whether the status is one of the known workflow states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPlaced, OrderStatusAccepted, OrderStatusRejected,
		OrderStatusProcessing, OrderStatusReadyForPickup, OrderStatusFulfilled:
		return true
	default:
		return false
	}
}

// PaymentStatus is the processor-facing workflow state of an order's payment.
type PaymentStatus string

const (
	PaymentStatusNone       PaymentStatus = "NONE"
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	PaymentStatusCaptured   PaymentStatus = "CAPTURED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCanceled   PaymentStatus = "CANCELED"
)

// IsTerminal reports whether the payment can no longer change state.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusFailed || s == PaymentStatusCanceled
}

// FulfilmentType selects how the customer receives the order.
type FulfilmentType string

const (
	FulfilmentPickup   FulfilmentType = "pickup"
	FulfilmentShipping FulfilmentType = "shipping"
)

// Valid reports whether the fulfilment type is supported.
func (f FulfilmentType) Valid() bool {
	return f == FulfilmentPickup || f == FulfilmentShipping
}

// Customer holds the contact fields captured by the ordering flow.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Address is the delivery address of a shipping order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	PostalCode string
	City       string
	Country    string
}

// OrderOption is a selected option value with its signed price delta.
type OrderOption struct {
	Name       string
	PriceDelta int64
}

// OrderLineItem is an immutable snapshot of a catalog product at order time.
type OrderLineItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int64
	Options   []OrderOption
}

// EffectiveUnitPrice returns the unit price with all option deltas applied.
func (i OrderLineItem) EffectiveUnitPrice() int64 {
	price := i.UnitPrice
	for _, opt := range i.Options {
		price += opt.PriceDelta
	}
	return price
}

// Total returns the effective unit price multiplied by quantity.
func (i OrderLineItem) Total() int64 {
	return i.EffectiveUnitPrice() * i.Quantity
}

// Order is the durable record mutated by the lifecycle engine.
type Order struct {
	ID              string
	DisplayNumber   string
	MerchantID      string
	Customer        Customer
	Fulfilment      FulfilmentType
	DeliveryAddress *Address
	Items           []OrderLineItem
	Currency        string

	Subtotal     int64
	ShippingCost *int64
	TotalAmount  int64

	Status        OrderStatus
	PaymentStatus PaymentStatus

	// PaymentRef is the processor checkout session id.
	PaymentRef string
	// AuthorizationRef is the processor payment intent id.
	AuthorizationRef string
	AuthorizedAmount int64
	CapturedAmount   *int64
	CapturedAt       *time.Time
	RefundedAmount   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemsSubtotal recomputes the subtotal from the line items.
func (o Order) ItemsSubtotal() int64 {
	var sum int64
	for _, item := range o.Items {
		sum += item.Total()
	}
	return sum
}

// ShippingAmount returns the shipping cost or zero when absent.
func (o Order) ShippingAmount() int64 {
	if o.ShippingCost == nil {
		return 0
	}
	return *o.ShippingCost
}

// MerchantPaymentAccount is the merchant's connected sub-account at the processor.
type MerchantPaymentAccount struct {
	AccountID               string
	Enabled                 bool
	RequirementsOutstanding bool
	UpdatedAt               time.Time
}

// Merchant is the restaurant location owning orders.
type Merchant struct {
	ID             string
	Name           string
	Email          string
	PaymentAccount MerchantPaymentAccount
}

// WebhookEvent is an entry in the processed-event ledger.
type WebhookEvent struct {
	EventID    string
	Type       string
	ReceivedAt time.Time
}

// LifecycleEvent is a structured record of something the engine did or refused to do.
type LifecycleEvent struct {
	Name       string
	OrderID    string
	EventID    string
	Transition string
	Outcome    string
	Fields     map[string]any
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
