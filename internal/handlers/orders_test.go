package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/services"
)

func sampleOrder() services.Order {
	shipping := int64(700)
	captured := int64(5200)
	capturedAt := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	return services.Order{
		ID:            "ord_1",
		DisplayNumber: "K-0042",
		MerchantID:    "m_kallio",
		Customer:      domain.Customer{Name: "Aino", Email: "aino@example.test"},
		Fulfilment:    domain.FulfilmentShipping,
		DeliveryAddress: &domain.Address{
			Recipient:  "Aino",
			Line1:      "Helsinginkatu 1",
			PostalCode: "00500",
			City:       "Helsinki",
			Country:    "FI",
		},
		Items: []domain.OrderLineItem{{
			ProductID: "p_soup",
			Name:      "Salmon soup",
			UnitPrice: 1500,
			Quantity:  3,
			Options:   []domain.OrderOption{{Name: "rye bread", PriceDelta: 0}},
		}},
		Currency:         "EUR",
		Subtotal:         4500,
		ShippingCost:     &shipping,
		TotalAmount:      5200,
		Status:           domain.OrderStatusAccepted,
		PaymentStatus:    domain.PaymentStatusCaptured,
		PaymentRef:       "cs_test_1",
		AuthorizationRef: "pi_test_1",
		AuthorizedAmount: 5200,
		CapturedAmount:   &captured,
		CapturedAt:       &capturedAt,
		CreatedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:        capturedAt,
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	var captured services.GetOrderCommand
	svc := &stubOrderService{getFn: func(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
		captured = cmd
		return sampleOrder(), nil
	}}
	router := chi.NewRouter()
	NewOrderHandlers(svc).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Actor != nil {
		t.Fatalf("expected customer read of ord_1, got %+v", captured)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ACCEPTED" || body["paymentStatus"] != "CAPTURED" {
		t.Fatalf("unexpected statuses %v", body)
	}
	if body["total"] != float64(5200) || body["shippingCost"] != float64(700) || body["subtotal"] != float64(4500) {
		t.Fatalf("unexpected amounts %v", body)
	}
	for _, field := range []string{"paymentRef", "authorizationRef", "customer", "deliveryAddress", "merchantId"} {
		if _, ok := body[field]; ok {
			t.Fatalf("customer payload must not expose %s", field)
		}
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one item, got %v", body["items"])
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	svc := &stubOrderService{getFn: func(context.Context, services.GetOrderCommand) (services.Order, error) {
		return services.Order{}, services.ErrOrderNotFound
	}}
	router := chi.NewRouter()
	NewOrderHandlers(svc).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
