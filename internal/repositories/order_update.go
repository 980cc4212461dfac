package repositories

import (
	"slices"

	domain "github.com/ravintola/ordersync/internal/domain"
)

// Matches reports whether order satisfies the condition.
func (c OrderCondition) Matches(order domain.Order) bool {
	if len(c.PaymentStatuses) > 0 && !slices.Contains(c.PaymentStatuses, order.PaymentStatus) {
		return false
	}
	if len(c.OrderStatuses) > 0 && !slices.Contains(c.OrderStatuses, order.Status) {
		return false
	}
	if c.RefundedAmount != nil && *c.RefundedAmount != order.RefundedAmount {
		return false
	}
	return true
}

// Apply copies the non-nil fields of the update onto order.
func (u OrderUpdate) Apply(order *domain.Order) {
	if order == nil {
		return
	}
	if u.OrderStatus != nil {
		order.Status = *u.OrderStatus
	}
	if u.PaymentStatus != nil {
		order.PaymentStatus = *u.PaymentStatus
	}
	if u.PaymentRef != nil {
		order.PaymentRef = *u.PaymentRef
	}
	if u.AuthorizationRef != nil {
		order.AuthorizationRef = *u.AuthorizationRef
	}
	if u.AuthorizedAmount != nil {
		order.AuthorizedAmount = *u.AuthorizedAmount
	}
	if u.CapturedAmount != nil {
		amount := *u.CapturedAmount
		order.CapturedAmount = &amount
	}
	if u.CapturedAt != nil {
		at := u.CapturedAt.UTC()
		order.CapturedAt = &at
	}
	if u.RefundedAmount != nil {
		order.RefundedAmount = *u.RefundedAmount
	}
	if !u.UpdatedAt.IsZero() {
		order.UpdatedAt = u.UpdatedAt.UTC()
	}
}

// IsEmpty reports whether the update would change nothing besides the timestamp.
func (u OrderUpdate) IsEmpty() bool {
	return u.OrderStatus == nil && u.PaymentStatus == nil && u.PaymentRef == nil &&
		u.AuthorizationRef == nil && u.AuthorizedAmount == nil && u.CapturedAmount == nil &&
		u.CapturedAt == nil && u.RefundedAmount == nil
}
