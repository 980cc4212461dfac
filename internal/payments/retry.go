package payments

import (
	"context"
	"errors"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Second
	tracerName            = "github.com/ravintola/ordersync/internal/payments"
)

// RetryConfig bounds remote calls: each attempt gets its own timeout and only transient failures
// are retried.
type RetryConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        gax.Backoff
	Logger         Logger
	Tracer         trace.Tracer
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryingGateway decorates a Gateway with bounded retries. Callers must supply idempotency keys
// so a retried mutation is applied once by the processor.
type RetryingGateway struct {
	next Gateway
	cfg  RetryConfig
}

var _ Gateway = (*RetryingGateway)(nil)

// NewRetryingGateway wraps next.
func NewRetryingGateway(next Gateway, cfg RetryConfig) (*RetryingGateway, error) {
	if next == nil {
		return nil, errors.New("payments: retrying gateway requires a gateway")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	}
	if cfg.Logger == nil {
		cfg.Logger = func(context.Context, string, map[string]any) {}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = gax.Sleep
	}
	return &RetryingGateway{next: next, cfg: cfg}, nil
}

func (g *RetryingGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	return retry(ctx, g, "checkout_session.create", func(ctx context.Context) (CheckoutSession, error) {
		return g.next.CreateCheckoutSession(ctx, req)
	})
}

func (g *RetryingGateway) Capture(ctx context.Context, req CaptureRequest) (PaymentDetails, error) {
	return retry(ctx, g, "payment_intent.capture", func(ctx context.Context) (PaymentDetails, error) {
		return g.next.Capture(ctx, req)
	})
}

func (g *RetryingGateway) Cancel(ctx context.Context, req CancelRequest) (PaymentDetails, error) {
	return retry(ctx, g, "payment_intent.cancel", func(ctx context.Context) (PaymentDetails, error) {
		return g.next.Cancel(ctx, req)
	})
}

func (g *RetryingGateway) Refund(ctx context.Context, req RefundRequest) (RefundDetails, error) {
	return retry(ctx, g, "refund.create", func(ctx context.Context) (RefundDetails, error) {
		return g.next.Refund(ctx, req)
	})
}

func (g *RetryingGateway) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	return retry(ctx, g, "payment_intent.get", func(ctx context.Context) (PaymentDetails, error) {
		return g.next.LookupPayment(ctx, req)
	})
}

func (g *RetryingGateway) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	return retry(ctx, g, "account.get", func(ctx context.Context) (AccountStatus, error) {
		return g.next.AccountStatus(ctx, accountID)
	})
}

func retry[T any](ctx context.Context, g *RetryingGateway, op string, call func(context.Context) (T, error)) (T, error) {
	ctx, span := g.cfg.Tracer.Start(ctx, "payments."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	backoff := g.cfg.Backoff
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		result, err := call(attemptCtx)
		cancel()
		if err == nil {
			span.SetAttributes(attribute.Int("payments.attempts", attempt))
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) || attempt == g.cfg.MaxAttempts {
			break
		}
		pause := backoff.Pause()
		g.cfg.Logger(ctx, "payments.gateway.retry", map[string]any{
			"operation": op,
			"attempt":   attempt,
			"backoff":   pause.String(),
			"error":     err.Error(),
		})
		if sleepErr := g.cfg.Sleep(ctx, pause); sleepErr != nil {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return zero, lastErr
}
