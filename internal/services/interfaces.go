package services

import (
	"context"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                  = domain.Order
	OrderLineItem          = domain.OrderLineItem
	OrderStatus            = domain.OrderStatus
	PaymentStatus          = domain.PaymentStatus
	Merchant               = domain.Merchant
	MerchantPaymentAccount = domain.MerchantPaymentAccount
	LifecycleEvent         = domain.LifecycleEvent
	SystemHealthReport     = domain.SystemHealthReport
)

// CheckoutService turns placed orders into manual-capture processor sessions.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// OrderService owns order placement, operator transitions, refunds and reconciliation.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	RefundOrder(ctx context.Context, cmd RefundOrderCommand) (Order, error)
	Reconcile(ctx context.Context, orderID string) (Order, error)
}

// WebhookService authenticates processor notifications and applies them exactly once per event id.
type WebhookService interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	CleanupLedger(ctx context.Context, limit int) (int, error)
}

// NotificationService enqueues customer notifications for order status changes.
type NotificationService interface {
	NotifyStatusChange(ctx context.Context, order Order) (NotificationResult, error)
}

// CounterService issues human-facing order numbers.
type CounterService interface {
	NextDisplayNumber(ctx context.Context, merchantID string) (string, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// EventSink receives structured lifecycle events.
type EventSink interface {
	Emit(ctx context.Context, event LifecycleEvent)
}

// OrderEventPublisher streams committed order state changes to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderStatusCache is a read-through cache for the order status API.
type OrderStatusCache interface {
	Get(ctx context.Context, orderID string) (Order, bool, error)
	Put(ctx context.Context, order Order) error
	Invalidate(ctx context.Context, orderID string) error
}

// NotificationPublisher delivers notification messages to the background queue.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, message NotificationMessage) (string, error)
}

// WebhookArchive keeps a copy of verified processor payloads.
type WebhookArchive interface {
	Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error
}

// CreateCheckoutSessionCommand is the inbound checkout request.
type CreateCheckoutSessionCommand struct {
	OrderID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is returned to the customer so they can be redirected to the hosted page.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// PlaceOrderCommand carries an order submitted by the upstream ordering flow.
type PlaceOrderCommand struct {
	MerchantID      string
	Customer        domain.Customer
	Fulfilment      domain.FulfilmentType
	DeliveryAddress *domain.Address
	Items           []OrderLineItem
	Currency        string
}

// GetOrderCommand reads an order. A nil Actor marks a customer-facing read.
type GetOrderCommand struct {
	OrderID string
	Actor   *Actor
}

// Actor identifies the staff member performing an operator action.
type Actor struct {
	ID string
	// MerchantID restricts the actor to a single merchant unless Unrestricted is set.
	MerchantID   string
	Unrestricted bool
}

// TransitionOrderCommand requests an operator status change.
type TransitionOrderCommand struct {
	OrderID   string
	NewStatus OrderStatus
	Actor     Actor
}

// RefundOrderCommand requests a full or partial refund of captured funds.
type RefundOrderCommand struct {
	OrderID string
	Amount  *int64
	Reason  string
	Actor   Actor
}

// WebhookResult describes how a delivery was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Handled   bool
}

// OrderEvent is the envelope published on the order event stream.
type OrderEvent struct {
	EventID       string        `json:"eventId"`
	Type          string        `json:"type"`
	OrderID       string        `json:"orderId"`
	MerchantID    string        `json:"merchantId"`
	OrderStatus   OrderStatus   `json:"orderStatus"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

// NotificationChannel selects the delivery medium of a notification.
type NotificationChannel string

const (
	NotificationChannelEmail NotificationChannel = "email"
	NotificationChannelSMS   NotificationChannel = "sms"
)

// NotificationMessage is the payload delivered to notification workers via Pub/Sub.
type NotificationMessage struct {
	ID          string              `json:"id"`
	Channel     NotificationChannel `json:"channel"`
	OrderID     string              `json:"orderId"`
	MerchantID  string              `json:"merchantId"`
	OrderStatus OrderStatus         `json:"orderStatus"`
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject,omitempty"`
	Body        string              `json:"body"`
	QueuedAt    time.Time           `json:"queuedAt"`
}

// NotificationResult lists the messages enqueued for a status change.
type NotificationResult struct {
	Messages []NotificationMessage
}
