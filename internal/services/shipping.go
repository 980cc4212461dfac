package services

import (
	domain "github.com/ravintola/ordersync/internal/domain"
)

const (
	// DefaultShippingFlatFee is the delivery fee in minor units below the free-shipping threshold.
	DefaultShippingFlatFee int64 = 700
	// DefaultFreeShippingThreshold is the subtotal in minor units from which delivery is free.
	DefaultFreeShippingThreshold int64 = 5000
)

// ShippingPolicy computes delivery fees. The zero value charges nothing.
type ShippingPolicy struct {
	FlatFee       int64
	FreeThreshold int64
}

// DefaultShippingPolicy returns the flat 7.00 / free from 50.00 policy.
func DefaultShippingPolicy() ShippingPolicy {
	return ShippingPolicy{FlatFee: DefaultShippingFlatFee, FreeThreshold: DefaultFreeShippingThreshold}
}

// Quote returns the shipping cost for an order, or nil when the order is picked up. A subtotal
// equal to the threshold ships free.
func (p ShippingPolicy) Quote(subtotal int64, fulfilment domain.FulfilmentType) *int64 {
	if fulfilment != domain.FulfilmentShipping {
		return nil
	}
	fee := p.FlatFee
	if p.FreeThreshold > 0 && subtotal >= p.FreeThreshold {
		fee = 0
	}
	if fee < 0 {
		fee = 0
	}
	return &fee
}

// Total returns subtotal plus the quoted shipping cost.
func (p ShippingPolicy) Total(subtotal int64, fulfilment domain.FulfilmentType) int64 {
	if fee := p.Quote(subtotal, fulfilment); fee != nil {
		return subtotal + *fee
	}
	return subtotal
}
