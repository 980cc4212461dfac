package repositories

import (
	"context"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Merchants() MerchantRepository
	Counters() CounterRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the narrow order store used by the lifecycle engine. Every state write goes
// through ConditionalUpdate so concurrent webhook deliveries cannot clobber each other.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) error
	GetByID(ctx context.Context, orderID string) (domain.Order, error)
	GetByAuthorizationRef(ctx context.Context, authorizationRef string) (domain.Order, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error)
	// ConditionalUpdate applies upd only when the stored order satisfies cond. A failed condition
	// is reported as a conflict RepositoryError; a missing order as not found.
	ConditionalUpdate(ctx context.Context, orderID string, cond OrderCondition, upd OrderUpdate) (domain.Order, error)
}

// OrderCondition restricts a conditional update to orders currently in one of the listed states.
// Empty slices match any value.
type OrderCondition struct {
	PaymentStatuses []domain.PaymentStatus
	OrderStatuses   []domain.OrderStatus
	// RefundedAmount, when set, must equal the stored refunded amount.
	RefundedAmount *int64
}

// OrderUpdate carries the fields a conditional update may mutate. Nil fields are left untouched.
type OrderUpdate struct {
	OrderStatus      *domain.OrderStatus
	PaymentStatus    *domain.PaymentStatus
	PaymentRef       *string
	AuthorizationRef *string
	AuthorizedAmount *int64
	CapturedAmount   *int64
	CapturedAt       *time.Time
	RefundedAmount   *int64
	UpdatedAt        time.Time
}

// MerchantRepository reads merchants and records payment account status reported by the processor.
type MerchantRepository interface {
	Get(ctx context.Context, merchantID string) (domain.Merchant, error)
	FindByPaymentAccountID(ctx context.Context, accountID string) (domain.Merchant, error)
	UpdatePaymentAccount(ctx context.Context, merchantID string, account domain.MerchantPaymentAccount) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
