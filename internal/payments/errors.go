package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v78"
)

var (
	// ErrGatewayTransient marks processor failures worth retrying (5xx, rate limits, timeouts).
	ErrGatewayTransient = errors.New("payments: gateway transient error")
	// ErrGatewayRejected marks processor refusals that must not be retried.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
)

// GatewayError carries the processor's classification of a failed call.
type GatewayError struct {
	Op         string
	Kind       error
	StatusCode int
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes the underlying error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the classification sentinel.
func (e *GatewayError) Is(target error) bool {
	return e != nil && e.Kind != nil && target == e.Kind
}

// Transient reports whether the failure may succeed on retry.
func (e *GatewayError) Transient() bool {
	return e != nil && e.Kind == ErrGatewayTransient
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayTransient)
}

// classifyStripeError maps processor SDK errors onto the gateway taxonomy.
func classifyStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *GatewayError
	if errors.As(err, &already) {
		return err
	}

	gwErr := &GatewayError{Op: op, Kind: ErrGatewayRejected, Err: err}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gwErr.StatusCode = stripeErr.HTTPStatusCode
		gwErr.Code = string(stripeErr.Code)
		gwErr.Message = stripeErr.Msg
		switch {
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.Type == stripe.ErrorTypeAPI:
			gwErr.Kind = ErrGatewayTransient
		case stripeErr.Code == "lock_timeout":
			gwErr.Kind = ErrGatewayTransient
		}
		return gwErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		gwErr.Kind = ErrGatewayTransient
		return gwErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		gwErr.Kind = ErrGatewayTransient
	}
	return gwErr
}
