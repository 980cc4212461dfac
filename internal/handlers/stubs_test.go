package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/ravintola/ordersync/internal/platform/auth"
	"github.com/ravintola/ordersync/internal/services"
)

type stubOrderService struct {
	placeFn      func(context.Context, services.PlaceOrderCommand) (services.Order, error)
	getFn        func(context.Context, services.GetOrderCommand) (services.Order, error)
	transitionFn func(context.Context, services.TransitionOrderCommand) (services.Order, error)
	refundFn     func(context.Context, services.RefundOrderCommand) (services.Order, error)
	reconcileFn  func(context.Context, string) (services.Order, error)
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) RefundOrder(ctx context.Context, cmd services.RefundOrderCommand) (services.Order, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Reconcile(ctx context.Context, orderID string) (services.Order, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubWebhookService struct {
	handleFn  func(context.Context, []byte, string) (services.WebhookResult, error)
	cleanupFn func(context.Context, int) (int, error)
}

func (s *stubWebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, payload, signature)
	}
	return services.WebhookResult{}, errors.New("not implemented")
}

func (s *stubWebhookService) CleanupLedger(ctx context.Context, limit int) (int, error) {
	if s.cleanupFn != nil {
		return s.cleanupFn(ctx, limit)
	}
	return 0, nil
}

type stubCheckoutService struct {
	createFn func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error)
}

func (s *stubCheckoutService) CreateCheckoutSession(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutSession{}, errors.New("not implemented")
}

func staffContext(merchantID string, roles ...string) context.Context {
	if len(roles) == 0 {
		roles = []string{auth.RoleStaff}
	}
	return auth.WithIdentity(context.Background(), &auth.Identity{UID: "staff-1", MerchantID: merchantID, Roles: roles})
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}
