package repositories

import (
	"errors"
	"fmt"
)

// CounterErrorCode tells callers why a sequence could not advance.
type CounterErrorCode string

const (
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the next value would pass the configured maximum.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError is returned by every CounterRepository implementation.
type CounterError struct {
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError builds a CounterError; message defaults to the code.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}

// CounterErrorCodeOf extracts the code of a wrapped CounterError.
func CounterErrorCodeOf(err error) (CounterErrorCode, bool) {
	var counterErr *CounterError
	if errors.As(err, &counterErr) && counterErr != nil {
		return counterErr.Code, true
	}
	return "", false
}
