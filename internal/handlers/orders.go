package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/platform/httpx"
	"github.com/ravintola/ordersync/internal/services"
)

// OrderHandlers exposes the customer-facing order status endpoint.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs customer order handlers.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers order endpoints under the /orders group.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderId}", h.getOrder)
}

type orderOptionPayload struct {
	Name       string `json:"name"`
	PriceDelta int64  `json:"priceDelta"`
}

type orderItemPayload struct {
	ProductID string               `json:"productId"`
	Name      string               `json:"name"`
	UnitPrice int64                `json:"unitPrice"`
	Quantity  int64                `json:"quantity"`
	Options   []orderOptionPayload `json:"options,omitempty"`
	Total     int64                `json:"total"`
}

type orderStatusPayload struct {
	ID            string             `json:"id"`
	DisplayNumber string             `json:"displayNumber"`
	Status        string             `json:"status"`
	PaymentStatus string             `json:"paymentStatus"`
	Fulfilment    string             `json:"fulfilment"`
	Items         []orderItemPayload `json:"items"`
	Subtotal      int64              `json:"subtotal"`
	ShippingCost  *int64             `json:"shippingCost"`
	Total         int64              `json:"total"`
	Currency      string             `json:"currency"`
	UpdatedAt     string             `json:"updatedAt,omitempty"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildOrderStatusPayload(order))
}

func buildOrderStatusPayload(order domain.Order) orderStatusPayload {
	return orderStatusPayload{
		ID:            order.ID,
		DisplayNumber: order.DisplayNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Fulfilment:    string(order.Fulfilment),
		Items:         buildOrderItemsPayload(order.Items),
		Subtotal:      order.Subtotal,
		ShippingCost:  order.ShippingCost,
		Total:         order.TotalAmount,
		Currency:      order.Currency,
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
}

func buildOrderItemsPayload(items []domain.OrderLineItem) []orderItemPayload {
	out := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		payload := orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Total:     item.Total(),
		}
		for _, opt := range item.Options {
			payload.Options = append(payload.Options, orderOptionPayload{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		out = append(out, payload)
	}
	return out
}
