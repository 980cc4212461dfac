package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/httpx"
	"github.com/ravintola/ordersync/internal/services"
)

const (
	maxWebhookBodySize    = 512 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives processor notifications.
type WebhookHandlers struct {
	webhooks services.WebhookService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{webhooks: webhooks}
}

// Routes registers webhook endpoints under the /webhooks group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookAckResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleStripe acknowledges verified deliveries with 200. Signature and parse failures return
// 400; anything else returns a 5xx so the processor redelivers.
func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook processing unavailable"})
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteJSON(w, status, webhookErrorResponse{Error: err.Error()})
		return
	}

	result, err := h.webhooks.HandleWebhook(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, webhookAckResponse{Received: true, Duplicate: result.Duplicate})
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid signature"})
	case errors.Is(err, payments.ErrMalformedPayload):
		httpx.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "malformed payload"})
	case errors.Is(err, services.ErrEventInFlight):
		httpx.WriteJSON(w, http.StatusConflict, webhookErrorResponse{Error: "event is being processed"})
	default:
		httpx.WriteJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "webhook processing failed"})
	}
}
