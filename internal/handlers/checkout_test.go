package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/services"
)

func serveCheckout(t *testing.T, svc services.CheckoutService, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	NewCheckoutHandlers(svc).Routes(router)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)))
	return rr
}

func TestCheckoutHandlersCreateSession(t *testing.T) {
	var captured services.CreateCheckoutSessionCommand
	svc := &stubCheckoutService{createFn: func(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
		captured = cmd
		return services.CheckoutSession{
			SessionID:   "cs_test_1",
			RedirectURL: "https://checkout.stripe.test/cs_test_1",
			ExpiresAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}, nil
	}}

	rr := serveCheckout(t, svc, `{"orderId":" ord_1 ","successUrl":"https://shop.test/ok","cancelUrl":"https://shop.test/cancel"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.SuccessURL != "https://shop.test/ok" {
		t.Fatalf("unexpected command %+v", captured)
	}
	body := decodeBody(t, rr)
	if body["sessionId"] != "cs_test_1" || body["redirectUrl"] != "https://checkout.stripe.test/cs_test_1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutHandlersRequiresFields(t *testing.T) {
	svc := &stubCheckoutService{createFn: func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
		t.Fatalf("service should not be called")
		return services.CheckoutSession{}, nil
	}}
	for _, body := range []string{``, `not json`, `{"orderId":"ord_1"}`} {
		if rr := serveCheckout(t, svc, body); rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestCheckoutHandlersErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{services.ErrOrderAlreadyPaid, http.StatusConflict, "order_already_paid"},
		{services.ErrCheckoutOrderClosed, http.StatusConflict, "order_closed"},
		{services.ErrPaymentAccountNotEnabled, http.StatusConflict, "payments_unavailable"},
		{services.ErrPaymentAccountNotConfigured, http.StatusConflict, "payments_unavailable"},
		{&payments.GatewayError{Op: "checkout", Kind: payments.ErrGatewayTransient}, http.StatusServiceUnavailable, "checkout_unavailable"},
		{&payments.GatewayError{Op: "checkout", Kind: payments.ErrGatewayRejected, Message: "Your card was declined.", Code: "card_declined"}, http.StatusUnprocessableEntity, "payment_declined"},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError, "checkout_error"},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubCheckoutService{createFn: func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
				return services.CheckoutSession{}, fmt.Errorf("wrapped: %w", tc.err)
			}}
			rr := serveCheckout(t, svc, `{"orderId":"ord_1","successUrl":"https://a","cancelUrl":"https://b"}`)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
			if msg, _ := body["message"].(string); strings.Contains(msg, "merchant") || strings.Contains(msg, "card_declined") {
				t.Fatalf("message leaks internals: %q", msg)
			}
			if tc.status == http.StatusServiceUnavailable && rr.Header().Get("Retry-After") != "5" {
				t.Fatalf("expected Retry-After 5, got %q", rr.Header().Get("Retry-After"))
			}
		})
	}
}
