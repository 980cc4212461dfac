package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ravintola/ordersync/internal/di"
	"github.com/ravintola/ordersync/internal/handlers"
	"github.com/ravintola/ordersync/internal/platform/auth"
	"github.com/ravintola/ordersync/internal/platform/config"
	"github.com/ravintola/ordersync/internal/platform/observability"
	"github.com/ravintola/ordersync/internal/services"
)

const meterName = "github.com/ravintola/ordersync/cmd/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	logger = logger.With(zap.String("environment", buildInfo.Environment), zap.String("version", buildInfo.Version))

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise backends", zap.Error(err))
	}
	defer backends.Close(logger)

	emitter, err := observability.NewEventEmitter(logger.Named("lifecycle"), otel.GetMeterProvider().Meter(meterName))
	if err != nil {
		logger.Fatal("failed to initialise lifecycle events", zap.Error(err))
	}

	gateway, err := newPaymentGateway(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}
	verifier, err := newWebhookVerifier(cfg)
	if err != nil {
		logger.Fatal("failed to initialise webhook verifier", zap.Error(err))
	}

	infra := di.Infrastructure{
		Gateway:  gateway,
		Verifier: verifier,
		Ledger:   backends.ledger,
		Health:   backends.health(),
		Events:   emitter,
		Build:    buildInfo,
		Clock:    time.Now,
		Logger: func(component string) func(context.Context, string, map[string]any) {
			return observability.ServiceLogger(logger.Named(component))
		},
	}
	if backends.statusCache != nil {
		infra.Cache = backends.statusCache
	}
	if backends.notifications != nil {
		infra.Notifications = backends.notifications
	}
	if backends.orderEvents != nil {
		infra.Publisher = backends.orderEvents
	}
	if backends.archive != nil {
		infra.Archive = backends.archive
	}

	container, err := di.NewContainer(ctx, cfg, backends.registry, infra)
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services
	if svc.Webhooks == nil {
		logger.Warn("webhooks: stripe webhook secret not configured; webhook routes disabled")
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if svc.Webhooks != nil && cfg.Ledger.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runLedgerCleanup(cleanupCtx, svc.Webhooks, cfg.Ledger, logger.Named("ledger"))
		}()
	}

	router := handlers.NewRouter(routerOptions(ctx, cfg, logger, svc, backends, buildInfo)...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("ordersync api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("ledger", cfg.Ledger.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func routerOptions(ctx context.Context, cfg config.Config, logger *zap.Logger, svc di.Services, backends *backendSet, build services.BuildInfo) []handlers.Option {
	httpLogger := logger.Named("http")
	projectID := traceProjectID(cfg)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.RequestLoggerMiddleware(httpLogger),
			observability.RecoveryMiddleware(httpLogger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(svc.Orders).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(svc.Checkout).Routes),
	}

	if svc.Webhooks != nil {
		opts = append(opts, handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(svc.Webhooks).Routes))
	}

	if staff := buildStaffMiddleware(ctx, cfg, logger.Named("auth")); staff != nil {
		var adminOpts []handlers.AdminOrderOption
		if backends.archive != nil {
			adminOpts = append(adminOpts, handlers.WithWebhookPayloadLinker(backends.archive))
		}
		opts = append(opts,
			handlers.WithAdminMiddlewares(staff),
			handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(svc.Orders, adminOpts...).Routes),
		)
	} else {
		logger.Warn("auth: firebase project not configured; operator routes disabled")
	}

	if oidc := buildOIDCMiddleware(cfg, logger.Named("auth")); oidc != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(oidc),
			handlers.WithInternalRoutes(handlers.NewInternalHandlers(svc.Orders, svc.Webhooks).Routes),
		)
	}

	return opts
}

func buildStaffMiddleware(ctx context.Context, cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		return nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier, auth.WithLogger(logger))
	return authenticator.RequireStaff(cfg.Security.StaffRoles...)
}

func buildOIDCMiddleware(cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	keys := auth.NewKeySet(cfg.Security.OIDC.JWKSURL, auth.WithKeySetLogger(logger))
	validator := auth.NewOIDCValidator(keys, logger)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func runLedgerCleanup(ctx context.Context, webhooks services.WebhookService, cfg config.LedgerConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := webhooks.CleanupLedger(runCtx, cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("ledger cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("ledger cleanup removed entries", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func requiredSecretNames() []string {
	return []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
}
