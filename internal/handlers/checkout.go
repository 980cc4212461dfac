package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/httpx"
	"github.com/ravintola/ordersync/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes checkout session creation to customers.
type CheckoutHandlers struct {
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout", h.createSession)
}

type checkoutSessionRequest struct {
	OrderID    string `json:"orderId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type checkoutSessionResponse struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutSessionRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	cmd := services.CreateCheckoutSessionCommand{
		OrderID:    strings.TrimSpace(req.OrderID),
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	}
	if cmd.OrderID == "" || cmd.SuccessURL == "" || cmd.CancelURL == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId, successUrl and cancelUrl are required", http.StatusBadRequest))
		return
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, checkoutSessionResponse{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   formatTime(session.ExpiresAt),
	})
}

// writeCheckoutError keeps customer-facing messages generic; the service logs the cause.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkout request is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order has already been paid", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOrderClosed):
		httpx.WriteError(ctx, w, httpx.NewError("order_closed", "order is no longer awaiting payment", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentAccountNotConfigured), errors.Is(err, services.ErrPaymentAccountNotEnabled):
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "online payment is not available for this restaurant", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable), errors.Is(err, payments.ErrGatewayTransient):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable).WithRetryAfter(transientRetryAfter))
	case errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", "payment processor declined the checkout", http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to start checkout", http.StatusInternalServerError))
	}
}
