package services

import (
	"errors"

	"github.com/ravintola/ordersync/internal/repositories"
)

var (
	// ErrOrderNotFound indicates the referenced order does not exist.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrOrderInvalidInput indicates the caller supplied invalid order parameters.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderConflict indicates a concurrent modification won the conditional update.
	ErrOrderConflict = errors.New("orders: concurrent modification")
	// ErrOrderUnavailable indicates the order store is currently unavailable.
	ErrOrderUnavailable = errors.New("orders: unavailable")
	// ErrInvalidTransition indicates the requested status change is not allowed.
	ErrInvalidTransition = errors.New("orders: invalid transition")
	// ErrForbidden indicates the actor may not act on the order's merchant.
	ErrForbidden = errors.New("orders: forbidden")

	// ErrPaymentActionNotAllowed indicates the payment status does not permit the requested action.
	ErrPaymentActionNotAllowed = errors.New("payments: action not allowed in current payment status")
	// ErrCaptureExceedsAuthorization indicates a capture larger than the authorized amount.
	ErrCaptureExceedsAuthorization = errors.New("payments: capture exceeds authorized amount")
	// ErrRefundExceedsCapture indicates a refund larger than the refundable remainder.
	ErrRefundExceedsCapture = errors.New("payments: refund exceeds captured amount")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("payments: amount must be positive")

	// ErrEventInFlight indicates another delivery of the same event currently holds the ledger claim.
	ErrEventInFlight = errors.New("webhooks: event is being processed")
)

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsUnavailable()
	}
	return false
}
