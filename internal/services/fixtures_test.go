package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/repositories"
	"github.com/ravintola/ordersync/internal/repositories/memory"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type recordingSink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (s *recordingSink) Emit(_ context.Context, event LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(name, outcome string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, event := range s.events {
		if event.Name == name && (outcome == "" || event.Outcome == outcome) {
			n++
		}
	}
	return n
}

type recordingOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingOrderEvents) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingNotifications struct {
	mu       sync.Mutex
	messages []NotificationMessage
	failFn   func(NotificationMessage) error
}

func (p *recordingNotifications) PublishNotification(_ context.Context, msg NotificationMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFn != nil {
		if err := p.failFn(msg); err != nil {
			return "", err
		}
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *recordingNotifications) byChannel(channel NotificationChannel) []NotificationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []NotificationMessage
	for _, msg := range p.messages {
		if msg.Channel == channel {
			out = append(out, msg)
		}
	}
	return out
}

type mapStatusCache struct {
	mu          sync.Mutex
	orders      map[string]Order
	gets        int
	invalidated []string
}

func newMapStatusCache() *mapStatusCache {
	return &mapStatusCache{orders: map[string]Order{}}
}

func (c *mapStatusCache) Get(_ context.Context, orderID string) (Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	order, ok := c.orders[orderID]
	return order, ok, nil
}

func (c *mapStatusCache) Put(_ context.Context, order Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[order.ID] = order
	return nil
}

func (c *mapStatusCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, orderID)
	c.invalidated = append(c.invalidated, orderID)
	return nil
}

type stubGateway struct {
	mu            sync.Mutex
	createFn      func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	captureFn     func(context.Context, payments.CaptureRequest) (payments.PaymentDetails, error)
	cancelFn      func(context.Context, payments.CancelRequest) (payments.PaymentDetails, error)
	refundFn      func(context.Context, payments.RefundRequest) (payments.RefundDetails, error)
	lookupFn      func(context.Context, payments.LookupRequest) (payments.PaymentDetails, error)
	sessions      []payments.CheckoutSessionRequest
	captures      []payments.CaptureRequest
	cancels       []payments.CancelRequest
	refunds       []payments.RefundRequest
	lookups       []payments.LookupRequest
	accountChecks []string
}

var _ payments.Gateway = (*stubGateway)(nil)

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	g.mu.Lock()
	g.sessions = append(g.sessions, req)
	g.mu.Unlock()
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return payments.CheckoutSession{ID: "cs_test", RedirectURL: "https://pay.example/cs_test", IntentID: "pi_test", ExpiresAt: fixedNow.Add(24 * time.Hour)}, nil
}

func (g *stubGateway) Capture(ctx context.Context, req payments.CaptureRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.captures = append(g.captures, req)
	g.mu.Unlock()
	if g.captureFn != nil {
		return g.captureFn(ctx, req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.IntentSucceeded}, nil
}

func (g *stubGateway) Cancel(ctx context.Context, req payments.CancelRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.cancels = append(g.cancels, req)
	g.mu.Unlock()
	if g.cancelFn != nil {
		return g.cancelFn(ctx, req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.IntentCanceled}, nil
}

func (g *stubGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundDetails, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	g.mu.Unlock()
	if g.refundFn != nil {
		return g.refundFn(ctx, req)
	}
	var amount int64
	if req.Amount != nil {
		amount = *req.Amount
	}
	return payments.RefundDetails{RefundID: "re_test", IntentID: req.IntentID, Amount: amount, Status: "succeeded"}, nil
}

func (g *stubGateway) LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	g.lookups = append(g.lookups, req)
	g.mu.Unlock()
	if g.lookupFn != nil {
		return g.lookupFn(ctx, req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.IntentPending}, nil
}

func (g *stubGateway) AccountStatus(_ context.Context, accountID string) (payments.AccountStatus, error) {
	g.mu.Lock()
	g.accountChecks = append(g.accountChecks, accountID)
	g.mu.Unlock()
	return payments.AccountStatus{AccountID: accountID, ChargesEnabled: true, PayoutsEnabled: true}, nil
}

// failingOrders wraps an order store and fails conditional updates while failUpdates is set.
type failingOrders struct {
	*memory.OrderStore
	failUpdates error
	beforeWrite func()
}

func (f *failingOrders) ConditionalUpdate(ctx context.Context, orderID string, cond repositories.OrderCondition, upd repositories.OrderUpdate) (domain.Order, error) {
	if f.beforeWrite != nil {
		hook := f.beforeWrite
		f.beforeWrite = nil
		hook()
	}
	if f.failUpdates != nil {
		return domain.Order{}, f.failUpdates
	}
	return f.OrderStore.ConditionalUpdate(ctx, orderID, cond, upd)
}

func testMerchant() domain.Merchant {
	return domain.Merchant{
		ID:    "mer_kallio",
		Name:  "Kallio Kitchen",
		Email: "owner@kallio.example",
		PaymentAccount: domain.MerchantPaymentAccount{
			AccountID: "acct_kallio",
			Enabled:   true,
		},
	}
}

// placedOrder returns a pickup order for testMerchant: 2 × 12.50 + 1 × (15.00 + 2.00) = 42.00.
func placedOrder(id string) domain.Order {
	return domain.Order{
		ID:            id,
		DisplayNumber: "000042",
		MerchantID:    "mer_kallio",
		Customer: domain.Customer{
			Name:  "Aino Virtanen",
			Email: "aino@example.fi",
			Phone: "+358 40 123 4567",
		},
		Fulfilment: domain.FulfilmentPickup,
		Items: []domain.OrderLineItem{
			{ProductID: "prd_soup", Name: "Salmon soup", UnitPrice: 1250, Quantity: 2},
			{ProductID: "prd_burger", Name: "Reindeer burger", UnitPrice: 1500, Quantity: 1, Options: []domain.OrderOption{{Name: "Extra cheese", PriceDelta: 200}}},
		},
		Currency:      "EUR",
		Subtotal:      4200,
		TotalAmount:   4200,
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusNone,
		CreatedAt:     fixedNow.Add(-time.Hour),
		UpdatedAt:     fixedNow.Add(-time.Hour),
	}
}

func authorizedOrder(id string) domain.Order {
	order := placedOrder(id)
	order.PaymentRef = "cs_" + id
	order.AuthorizationRef = "pi_" + id
	order.PaymentStatus = domain.PaymentStatusAuthorized
	order.AuthorizedAmount = order.TotalAmount
	return order
}

func capturedOrder(id string) domain.Order {
	order := authorizedOrder(id)
	order.Status = domain.OrderStatusAccepted
	order.PaymentStatus = domain.PaymentStatusCaptured
	captured := order.TotalAmount
	at := fixedNow.Add(-30 * time.Minute)
	order.CapturedAmount = &captured
	order.CapturedAt = &at
	return order
}

func seedOrders(t *testing.T, orders ...domain.Order) *memory.OrderStore {
	t.Helper()
	store := memory.NewOrderStore()
	for _, order := range orders {
		if err := store.Create(context.Background(), order); err != nil {
			t.Fatalf("seed order %s: %v", order.ID, err)
		}
	}
	return store
}

func mustGetOrder(t *testing.T, repo repositories.OrderRepository, id string) domain.Order {
	t.Helper()
	order, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return order
}

func int64Ptr(v int64) *int64 {
	return &v
}
