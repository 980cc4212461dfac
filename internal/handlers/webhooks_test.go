package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/services"
)

func serveWebhook(t *testing.T, svc services.WebhookService, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	NewWebhookHandlers(svc).Routes(router)
	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandlersAcknowledges(t *testing.T) {
	var gotPayload, gotSignature string
	svc := &stubWebhookService{handleFn: func(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
		gotPayload = string(payload)
		gotSignature = signature
		return services.WebhookResult{EventID: "evt_1", EventType: payments.EventPaymentIntentSucceeded, Handled: true}, nil
	}}

	rr := serveWebhook(t, svc, `{"id":"evt_1"}`, "t=1,v1=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotPayload != `{"id":"evt_1"}` || gotSignature != "t=1,v1=abc" {
		t.Fatalf("unexpected delivery %q %q", gotPayload, gotSignature)
	}
	if decodeBody(t, rr)["received"] != true {
		t.Fatalf("expected received=true, got %s", rr.Body.String())
	}
}

func TestWebhookHandlersDuplicateIsAcknowledged(t *testing.T) {
	svc := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
		return services.WebhookResult{EventID: "evt_1", Duplicate: true}, nil
	}}
	rr := serveWebhook(t, svc, `{"id":"evt_1"}`, "sig")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["received"] != true || body["duplicate"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestWebhookHandlersErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad signature", fmt.Errorf("verify: %w", payments.ErrInvalidSignature), http.StatusBadRequest},
		{"malformed", payments.ErrMalformedPayload, http.StatusBadRequest},
		{"in flight", fmt.Errorf("%w: evt_1", services.ErrEventInFlight), http.StatusConflict},
		{"store failure", errors.New("firestore unavailable"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
				return services.WebhookResult{}, tc.err
			}}
			rr := serveWebhook(t, svc, `{"id":"evt_1"}`, "sig")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if _, ok := decodeBody(t, rr)["error"].(string); !ok {
				t.Fatalf("expected error body, got %s", rr.Body.String())
			}
		})
	}
}

func TestWebhookHandlersRejectsEmptyBody(t *testing.T) {
	svc := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
		t.Fatalf("service should not be called")
		return services.WebhookResult{}, nil
	}}
	if rr := serveWebhook(t, svc, "", "sig"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
