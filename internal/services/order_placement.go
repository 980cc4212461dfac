package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	domain "github.com/ravintola/ordersync/internal/domain"
)

var currencyCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// PlaceOrder validates and persists an order handed over by the ordering flow. Totals are always
// recomputed here; the caller never supplies them.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	order, err := s.buildOrder(cmd)
	if err != nil {
		return Order{}, err
	}

	if s.merchants != nil {
		if _, err := s.merchants.Get(ctx, order.MerchantID); err != nil {
			if isRepoNotFound(err) {
				return Order{}, fmt.Errorf("%w: merchant %s not found", ErrOrderInvalidInput, order.MerchantID)
			}
			return Order{}, translateOrderError(err)
		}
	}

	displayNumber, err := s.counters.NextDisplayNumber(ctx, order.MerchantID)
	if err != nil {
		return Order{}, fmt.Errorf("orders: allocate display number: %w", err)
	}
	order.DisplayNumber = displayNumber
	order.ID = orderIDPrefix + s.newID()

	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := s.orders.Create(ctx, order); err != nil {
		return Order{}, translateOrderError(err)
	}

	s.logger(ctx, "orders.placed", map[string]any{
		"orderId":       order.ID,
		"merchantId":    order.MerchantID,
		"displayNumber": order.DisplayNumber,
		"total":         order.TotalAmount,
	})
	s.sync.committed(ctx, order, order.ID, "order.placed")
	return order, nil
}

func (s *orderService) buildOrder(cmd PlaceOrderCommand) (Order, error) {
	merchantID := strings.TrimSpace(cmd.MerchantID)
	if merchantID == "" {
		return Order{}, fmt.Errorf("%w: merchantId is required", ErrOrderInvalidInput)
	}
	if !cmd.Fulfilment.Valid() {
		return Order{}, fmt.Errorf("%w: unsupported fulfilment %q", ErrOrderInvalidInput, cmd.Fulfilment)
	}
	switch {
	case cmd.Fulfilment == domain.FulfilmentShipping && cmd.DeliveryAddress == nil:
		return Order{}, fmt.Errorf("%w: shipping orders require a delivery address", ErrOrderInvalidInput)
	case cmd.Fulfilment == domain.FulfilmentPickup && cmd.DeliveryAddress != nil:
		return Order{}, fmt.Errorf("%w: pickup orders must not carry a delivery address", ErrOrderInvalidInput)
	}

	customer := domain.Customer{
		Name:  strings.TrimSpace(cmd.Customer.Name),
		Email: strings.TrimSpace(cmd.Customer.Email),
		Phone: strings.TrimSpace(cmd.Customer.Phone),
	}
	if customer.Email == "" && customer.Phone == "" {
		return Order{}, fmt.Errorf("%w: customer email or phone is required", ErrOrderInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	if !currencyCodePattern.MatchString(currency) {
		return Order{}, fmt.Errorf("%w: invalid currency %q", ErrOrderInvalidInput, cmd.Currency)
	}

	items, err := normaliseItems(cmd.Items)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		MerchantID:    merchantID,
		Customer:      customer,
		Fulfilment:    cmd.Fulfilment,
		Items:         items,
		Currency:      currency,
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusNone,
	}
	if cmd.DeliveryAddress != nil {
		addr := *cmd.DeliveryAddress
		order.DeliveryAddress = &addr
	}
	order.Subtotal = order.ItemsSubtotal()
	order.ShippingCost = s.shipping.Quote(order.Subtotal, order.Fulfilment)
	order.TotalAmount = order.Subtotal + order.ShippingAmount()
	return order, nil
}

func normaliseItems(items []OrderLineItem) ([]OrderLineItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	out := make([]OrderLineItem, 0, len(items))
	for i, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Name = strings.TrimSpace(item.Name)
		switch {
		case item.Name == "":
			return nil, fmt.Errorf("%w: items[%d].name is required", ErrOrderInvalidInput, i)
		case item.Quantity < 1:
			return nil, fmt.Errorf("%w: items[%d].quantity must be at least 1", ErrOrderInvalidInput, i)
		case item.UnitPrice < 0:
			return nil, fmt.Errorf("%w: items[%d].unitPrice must not be negative", ErrOrderInvalidInput, i)
		case item.EffectiveUnitPrice() < 0:
			return nil, fmt.Errorf("%w: items[%d] options reduce the price below zero", ErrOrderInvalidInput, i)
		}
		if len(item.Options) > 0 {
			item.Options = append([]domain.OrderOption(nil), item.Options...)
		}
		out = append(out, item)
	}
	return out, nil
}
