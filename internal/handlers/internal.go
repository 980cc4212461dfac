package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/platform/httpx"
	"github.com/ravintola/ordersync/internal/services"
)

const (
	maxPlaceOrderRequestBody = 64 * 1024
	maxLedgerCleanupLimit    = 1000
)

// InternalHandlers serves service-to-service endpoints. The /internal group is expected to be
// guarded by auth.OIDCValidator.
type InternalHandlers struct {
	orders   services.OrderService
	webhooks services.WebhookService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(orders services.OrderService, webhooks services.WebhookService) *InternalHandlers {
	return &InternalHandlers{orders: orders, webhooks: webhooks}
}

// Routes registers internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders", h.placeOrder)
	r.Post("/orders/{orderId}:reconcile", h.reconcileOrder)
	r.Post("/maintenance/webhook-ledger:cleanup", h.cleanupLedger)
}

type placeOrderOptionRequest struct {
	Name       string `json:"name"`
	PriceDelta int64  `json:"priceDelta"`
}

type placeOrderItemRequest struct {
	ProductID string                    `json:"productId"`
	Name      string                    `json:"name"`
	UnitPrice int64                     `json:"unitPrice"`
	Quantity  int64                     `json:"quantity"`
	Options   []placeOrderOptionRequest `json:"options"`
}

type placeOrderAddressRequest struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

type placeOrderRequest struct {
	MerchantID string `json:"merchantId"`
	Customer   struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"customer"`
	Fulfilment      string                    `json:"fulfilment"`
	DeliveryAddress *placeOrderAddressRequest `json:"deliveryAddress"`
	Items           []placeOrderItemRequest   `json:"items"`
	Currency        string                    `json:"currency"`
}

type ledgerCleanupResponse struct {
	Removed int `json:"removed"`
}

func (h *InternalHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req placeOrderRequest
	if !decodeJSONBody(w, r, maxPlaceOrderRequestBody, &req) {
		return
	}

	cmd := services.PlaceOrderCommand{
		MerchantID: strings.TrimSpace(req.MerchantID),
		Customer: domain.Customer{
			Name:  strings.TrimSpace(req.Customer.Name),
			Email: strings.TrimSpace(req.Customer.Email),
			Phone: strings.TrimSpace(req.Customer.Phone),
		},
		Fulfilment: domain.FulfilmentType(strings.ToLower(strings.TrimSpace(req.Fulfilment))),
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Items:      make([]domain.OrderLineItem, 0, len(req.Items)),
	}
	if addr := req.DeliveryAddress; addr != nil {
		cmd.DeliveryAddress = &domain.Address{
			Recipient:  strings.TrimSpace(addr.Recipient),
			Line1:      strings.TrimSpace(addr.Line1),
			Line2:      strings.TrimSpace(addr.Line2),
			PostalCode: strings.TrimSpace(addr.PostalCode),
			City:       strings.TrimSpace(addr.City),
			Country:    strings.TrimSpace(addr.Country),
		}
	}
	for _, item := range req.Items {
		line := domain.OrderLineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		for _, opt := range item.Options {
			line.Options = append(line.Options, domain.OrderOption{Name: strings.TrimSpace(opt.Name), PriceDelta: opt.PriceDelta})
		}
		cmd.Items = append(cmd.Items, line)
	}

	order, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildAdminOrderPayload(order))
}

func (h *InternalHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_id", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Reconcile(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminOrderPayload(order))
}

func (h *InternalHandlers) cleanupLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_service_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLedgerCleanupLimit {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be between 1 and 1000", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	removed, err := h.webhooks.CleanupLedger(ctx, limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("ledger_cleanup_failed", "failed to clean up webhook ledger", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ledgerCleanupResponse{Removed: removed})
}
