package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/auth"
	"github.com/ravintola/ordersync/internal/platform/httpx"
	"github.com/ravintola/ordersync/internal/platform/storage"
	"github.com/ravintola/ordersync/internal/services"
)

const (
	maxAdminOrderRequestBody = 4 * 1024
	webhookPayloadLinkTTL    = 5 * time.Minute
	receivedOnLayout         = "2006-01-02"
)

// WebhookPayloadLinker signs short-lived links to archived webhook payloads.
type WebhookPayloadLinker interface {
	DownloadURL(ctx context.Context, eventID string, receivedOn time.Time, expiresIn time.Duration) (storage.SignedURL, error)
}

// AdminOrderHandlers exposes operator endpoints. Routes expect auth.Authenticator to have placed
// an Identity on the request context.
type AdminOrderHandlers struct {
	orders  services.OrderService
	archive WebhookPayloadLinker
}

// AdminOrderOption customises AdminOrderHandlers.
type AdminOrderOption func(*AdminOrderHandlers)

// WithWebhookPayloadLinker enables the archived webhook payload download route.
func WithWebhookPayloadLinker(linker WebhookPayloadLinker) AdminOrderOption {
	return func(h *AdminOrderHandlers) {
		h.archive = linker
	}
}

// NewAdminOrderHandlers constructs operator handlers.
func NewAdminOrderHandlers(orders services.OrderService, opts ...AdminOrderOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers operator endpoints under the /admin group.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderId}", h.getOrder)
	r.Post("/orders/{orderId}/status", h.transitionStatus)
	r.Post("/orders/{orderId}/refund", h.refundOrder)
	if h.archive != nil {
		r.Get("/webhooks/{eventId}/payload", h.webhookPayload)
	}
}

type adminAddressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

type adminCustomerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type adminOrderPayload struct {
	orderStatusPayload
	MerchantID       string               `json:"merchantId"`
	Customer         adminCustomerPayload `json:"customer"`
	DeliveryAddress  *adminAddressPayload `json:"deliveryAddress,omitempty"`
	PaymentRef       string               `json:"paymentRef,omitempty"`
	AuthorizationRef string               `json:"authorizationRef,omitempty"`
	AuthorizedAmount int64                `json:"authorizedAmount"`
	CapturedAmount   *int64               `json:"capturedAmount,omitempty"`
	CapturedAt       string               `json:"capturedAt,omitempty"`
	RefundedAmount   int64                `json:"refundedAmount"`
	CreatedAt        string               `json:"createdAt,omitempty"`
}

type transitionRequest struct {
	NewStatus string `json:"newStatus"`
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type webhookPayloadLinkResponse struct {
	URL       string `json:"url"`
	Object    string `json:"object"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, Actor: &actor})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminOrderPayload(order))
}

func (h *AdminOrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if !decodeJSONBody(w, r, maxAdminOrderRequestBody, &req) {
		return
	}
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.NewStatus)))
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "newStatus is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionOrderCommand{
		OrderID:   orderID,
		NewStatus: status,
		Actor:     actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminOrderPayload(order))
}

func (h *AdminOrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if r.ContentLength != 0 {
		if !decodeJSONBody(w, r, maxAdminOrderRequestBody, &req) {
			return
		}
	}

	order, err := h.orders.RefundOrder(ctx, services.RefundOrderCommand{
		OrderID: orderID,
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminOrderPayload(order))
}

func (h *AdminOrderHandlers) webhookPayload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if !identity.Unrestricted() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "webhook payloads require the admin role", http.StatusForbidden))
		return
	}

	eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
	receivedOn, err := time.Parse(receivedOnLayout, strings.TrimSpace(r.URL.Query().Get("receivedOn")))
	if eventID == "" || err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "eventId and receivedOn (YYYY-MM-DD) are required", http.StatusBadRequest))
		return
	}

	link, err := h.archive.DownloadURL(ctx, eventID, receivedOn, webhookPayloadLinkTTL)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_unavailable", "unable to sign payload link", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookPayloadLinkResponse{
		URL:       link.URL,
		Object:    link.Object,
		ExpiresAt: formatTime(link.ExpiresAt),
	})
}

// prepare resolves the acting staff member and the order id path parameter.
func (h *AdminOrderHandlers) prepare(w http.ResponseWriter, r *http.Request) (services.Actor, string, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return services.Actor{}, "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_id", "order id is required", http.StatusBadRequest))
		return services.Actor{}, "", false
	}
	return services.Actor{
		ID:           identity.UID,
		MerchantID:   identity.MerchantID,
		Unrestricted: identity.Unrestricted(),
	}, orderID, true
}

func buildAdminOrderPayload(order domain.Order) adminOrderPayload {
	payload := adminOrderPayload{
		orderStatusPayload: buildOrderStatusPayload(order),
		MerchantID:         order.MerchantID,
		Customer: adminCustomerPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		PaymentRef:       order.PaymentRef,
		AuthorizationRef: order.AuthorizationRef,
		AuthorizedAmount: order.AuthorizedAmount,
		CapturedAmount:   order.CapturedAmount,
		RefundedAmount:   order.RefundedAmount,
		CreatedAt:        formatTime(order.CreatedAt),
	}
	if order.CapturedAt != nil {
		payload.CapturedAt = formatTime(*order.CapturedAt)
	}
	if addr := order.DeliveryAddress; addr != nil {
		payload.DeliveryAddress = &adminAddressPayload{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			City:       addr.City,
			Country:    addr.Country,
		}
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorDetail(err, services.ErrOrderInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order belongs to another merchant", http.StatusForbidden))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", errorDetail(err, services.ErrInvalidTransition), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentActionNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_action_not_allowed", errorDetail(err, services.ErrPaymentActionNotAllowed), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrRefundExceedsCapture),
		errors.Is(err, services.ErrCaptureExceedsAuthorization):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_amount", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayTransient):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_unavailable", "payment processor temporarily unavailable; retry", http.StatusServiceUnavailable).WithRetryAfter(transientRetryAfter))
	case errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_rejected", gatewayRejection(err), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

// gatewayRejection describes a declined processor call with the processor's own reason and code.
func gatewayRejection(err error) string {
	const fallback = "payment processor rejected the request"
	var gwErr *payments.GatewayError
	if !errors.As(err, &gwErr) {
		return fallback
	}
	reason := strings.TrimSpace(gwErr.Message)
	if reason == "" {
		reason = fallback
	}
	if code := strings.TrimSpace(gwErr.Code); code != "" {
		return reason + " (" + code + ")"
	}
	return reason
}

// errorDetail returns the text that follows sentinel in err's message, or the sentinel text.
func errorDetail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if idx := strings.Index(msg, prefix); idx >= 0 {
		if detail := strings.TrimSpace(msg[idx+len(prefix):]); detail != "" {
			return detail
		}
	}
	return sentinel.Error()
}
