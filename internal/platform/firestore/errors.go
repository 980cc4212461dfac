package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ravintola/ordersync/internal/repositories"
)

// NewConflictError reports a precondition that failed inside a transaction, such as the status
// guard of a conditional order update.
func NewConflictError(op string, err error) error {
	return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
}

// NewNotFoundError reports a document that application code could not locate.
func NewNotFoundError(op string, err error) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
}

// WrapError classifies a Firestore error by its gRPC code into a *repositories.StoreError.
// Cancellation and deadline errors are returned as the context sentinels so callers can tell a
// client going away from a backend fault.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		if storeErr.Op == "" {
			storeErr.Op = op
		}
		return storeErr
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return repositories.NewStoreError(op, kindForCode(code), err)
}

func kindForCode(code codes.Code) repositories.StoreErrorKind {
	switch code {
	case codes.NotFound:
		return repositories.StoreErrorNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return repositories.StoreErrorConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return repositories.StoreErrorUnavailable
	default:
		return repositories.StoreErrorUnknown
	}
}
