package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/config"
	"github.com/ravintola/ordersync/internal/platform/idempotency"
	"github.com/ravintola/ordersync/internal/repositories"
	"github.com/ravintola/ordersync/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Checkout      services.CheckoutService
	Orders        services.OrderService
	Webhooks      services.WebhookService
	Notifications services.NotificationService
	Counters      services.CounterService
	System        services.SystemService
}

// Infrastructure carries the adapters built by the entrypoint. Optional adapters are left nil
// when their backend is not configured.
type Infrastructure struct {
	Gateway  payments.Gateway
	Verifier payments.WebhookVerifier
	Ledger   idempotency.Ledger
	Health   repositories.HealthRepository

	Notifications services.NotificationPublisher
	Publisher     services.OrderEventPublisher
	Cache         services.OrderStatusCache
	Archive       services.WebhookArchive
	Events        services.EventSink

	Build services.BuildInfo
	Clock func() time.Time
	// Logger returns the service logger for a component name such as "orders".
	Logger func(component string) func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests supply the memory registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	if infra.Gateway == nil {
		return svc, errors.New("payment gateway is required")
	}

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := func(component string) func(context.Context, string, map[string]any) {
		if infra.Logger == nil {
			return nil
		}
		return infra.Logger(component)
	}
	shipping := services.ShippingPolicy{
		FlatFee:       cfg.Shipping.FlatFee,
		FreeThreshold: cfg.Shipping.FreeThreshold,
	}

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Logger:     logger("counters"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	if infra.Notifications != nil {
		notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
			Publisher:   infra.Notifications,
			Merchants:   reg.Merchants(),
			SMSPrefixes: cfg.Notify.SMSPrefixes,
			Clock:       clock,
			Logger:      logger("notifications"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification service: %w", err)
		}
		svc.Notifications = notificationSvc
	}

	orchestrator, err := services.NewPaymentOrchestrator(services.PaymentOrchestratorDeps{
		Gateway: infra.Gateway,
		Clock:   clock,
		Logger:  logger("payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment orchestrator: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Merchants:     reg.Merchants(),
		Counters:      counterSvc,
		Payments:      orchestrator,
		Notifications: svc.Notifications,
		Shipping:      shipping,
		Currency:      cfg.Checkout.Currency,
		Cache:         infra.Cache,
		Publisher:     infra.Publisher,
		Events:        infra.Events,
		Clock:         clock,
		Logger:        logger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:         reg.Orders(),
		Merchants:      reg.Merchants(),
		Gateway:        infra.Gateway,
		Shipping:       shipping,
		Mode:           services.CheckoutMode(cfg.Checkout.Mode),
		PlatformFeeBps: cfg.Checkout.PlatformFeeBPS,
		Cache:          infra.Cache,
		Publisher:      infra.Publisher,
		Events:         infra.Events,
		Clock:          clock,
		Logger:         logger("checkout"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	if infra.Verifier != nil && infra.Ledger != nil {
		webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
			Verifier:    infra.Verifier,
			Ledger:      infra.Ledger,
			Orders:      reg.Orders(),
			Merchants:   reg.Merchants(),
			Archive:     infra.Archive,
			Cache:       infra.Cache,
			Publisher:   infra.Publisher,
			Events:      infra.Events,
			LedgerTTL:   cfg.Ledger.TTL,
			LedgerLease: cfg.Ledger.Lease,
			Clock:       clock,
			Logger:      logger("webhooks"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build webhook service: %w", err)
		}
		svc.Webhooks = webhookSvc
	}

	if infra.Health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: infra.Health,
			Clock:            clock,
			Build:            infra.Build,
			Logger:           logger("system"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
