package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/config"
	pfirestore "github.com/ravintola/ordersync/internal/platform/firestore"
	"github.com/ravintola/ordersync/internal/platform/idempotency"
	"github.com/ravintola/ordersync/internal/platform/jobs"
	"github.com/ravintola/ordersync/internal/platform/observability"
	"github.com/ravintola/ordersync/internal/platform/secrets"
	"github.com/ravintola/ordersync/internal/platform/storage"
	"github.com/ravintola/ordersync/internal/repositories"
	firestorerepo "github.com/ravintola/ordersync/internal/repositories/firestore"
	"github.com/ravintola/ordersync/internal/repositories/memory"
	pgrepo "github.com/ravintola/ordersync/internal/repositories/postgres"
	redisrepo "github.com/ravintola/ordersync/internal/repositories/redis"
)

const redisLedgerPrefix = "ordersync:webhook-ledger:"

// backendSet holds the clients opened at startup. The registry is closed by the container; the
// rest is released by Close.
type backendSet struct {
	registry repositories.Registry
	ledger   idempotency.Ledger

	firestore *pfirestore.Provider
	ownsStore bool
	pgPool    *pgxpool.Pool
	ownsPool  bool
	redis     goredis.UniversalClient

	statusCache   *redisrepo.OrderStatusCache
	pubsubClient  *pubsub.Client
	notifications *jobs.PubSubNotificationPublisher
	orderEvents   *jobs.KafkaOrderEventPublisher
	storageClient *gcs.Client
	archive       *storage.WebhookArchive
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backendSet, error) {
	b := &backendSet{}
	ok := false
	defer func() {
		if !ok {
			b.Close(logger)
			if b.registry != nil {
				_ = b.registry.Close(context.Background())
			}
		}
	}()

	if err := b.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := b.openRedis(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := b.openLedger(ctx, cfg); err != nil {
		return nil, err
	}
	if err := b.openPublishers(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if bucket := strings.TrimSpace(cfg.Storage.WebhookArchiveBucket); bucket != "" {
		client, err := gcs.NewClient(ctx, storageClientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		b.storageClient = client
		archive, err := storage.NewWebhookArchive(client, bucket)
		if err != nil {
			return nil, fmt.Errorf("webhook archive: %w", err)
		}
		b.archive = archive
	}

	ok = true
	return b, nil
}

func (b *backendSet) openStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		b.firestore = newFirestoreProvider(cfg)
		reg, err := firestorerepo.NewRegistry(b.firestore)
		if err != nil {
			return err
		}
		b.registry = reg
	case config.BackendPostgres:
		pool, err := pgrepo.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return err
		}
		b.pgPool = pool
		reg, err := pgrepo.NewRegistry(pool)
		if err != nil {
			pool.Close()
			return err
		}
		b.registry = reg
	case config.BackendMemory:
		b.registry = memory.NewRegistry()
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
	return nil
}

func (b *backendSet) openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// the cache is optional; readiness reports the outage
		logger.Warn("redis unreachable at startup", zap.String("addr", addr), zap.Error(err))
	}

	cache, err := redisrepo.NewOrderStatusCache(client, cfg.Redis.StatusCacheTTL)
	if err != nil {
		return fmt.Errorf("order status cache: %w", err)
	}
	b.statusCache = cache
	return nil
}

func (b *backendSet) openLedger(ctx context.Context, cfg config.Config) error {
	switch cfg.Ledger.Backend {
	case config.BackendFirestore:
		if b.firestore == nil {
			b.firestore = newFirestoreProvider(cfg)
			b.ownsStore = true
		}
		client, err := b.firestore.Client(ctx)
		if err != nil {
			return fmt.Errorf("webhook ledger: %w", err)
		}
		b.ledger = idempotency.NewFirestoreLedger(client)
	case config.BackendPostgres:
		if b.pgPool == nil {
			pool, err := pgrepo.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
			if err != nil {
				return fmt.Errorf("webhook ledger: %w", err)
			}
			b.pgPool = pool
			b.ownsPool = true
		}
		b.ledger = idempotency.NewPostgresLedger(b.pgPool)
	case config.BackendRedis:
		if b.redis == nil {
			return errors.New("webhook ledger: redis backend requires API_REDIS_ADDR")
		}
		b.ledger = idempotency.NewRedisLedger(b.redis, redisLedgerPrefix)
	case config.BackendMemory:
		b.ledger = idempotency.NewMemoryLedger()
	default:
		return fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
	}
	return nil
}

func (b *backendSet) openPublishers(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		b.pubsubClient = client
		publisher, err := jobs.NewPubSubNotificationPublisher(client.Topic(cfg.PubSub.NotificationTopic))
		if err != nil {
			return fmt.Errorf("notification publisher: %w", err)
		}
		b.notifications = publisher
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaLogger := logger.Named("kafka")
		publisher, err := jobs.NewKafkaOrderEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic,
			jobs.WithKafkaWriteTimeout(5*time.Second),
			jobs.WithKafkaLogger(
				observability.NewPrintfAdapter(kafkaLogger, zapcore.DebugLevel),
				observability.NewPrintfAdapter(kafkaLogger, zapcore.ErrorLevel),
			),
		)
		if err != nil {
			return fmt.Errorf("order event publisher: %w", err)
		}
		b.orderEvents = publisher
	}
	return nil
}

// health builds the readiness probes. The store and ledger are required; everything else only
// degrades the report.
func (b *backendSet) health() repositories.HealthRepository {
	var checks []repositories.DependencyCheck
	if b.firestore != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 2 * time.Second,
			Check:   b.firestore.Ping,
		})
	}
	if b.pgPool != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "postgres",
			Timeout: 2 * time.Second,
			Check:   b.pgPool.Ping,
		})
	}
	if b.redis != nil {
		client := b.redis
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if b.storageClient != nil && b.archive != nil {
		client := b.storageClient
		bucket := b.archive.Bucket()
		checks = append(checks, repositories.DependencyCheck{
			Name:     "webhook_archive",
			Timeout:  2 * time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := client.Bucket(bucket).Attrs(ctx)
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil
	}
	return repo
}

// Close releases publishers and clients opened by openBackends.
func (b *backendSet) Close(logger *zap.Logger) {
	if b == nil {
		return
	}
	if b.orderEvents != nil {
		if err := b.orderEvents.Close(); err != nil {
			logger.Warn("kafka publisher close error", zap.Error(err))
		}
	}
	if b.pubsubClient != nil {
		if err := b.pubsubClient.Close(); err != nil {
			logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
	if b.storageClient != nil {
		if err := b.storageClient.Close(); err != nil {
			logger.Warn("storage client close error", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("redis client close error", zap.Error(err))
		}
	}
	if b.ownsStore && b.firestore != nil {
		_ = b.firestore.Close(context.Background())
	}
	if b.ownsPool && b.pgPool != nil {
		b.pgPool.Close()
	}
}

func newPaymentGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	paymentsLogger := observability.ServiceLogger(logger.Named("payments"))
	stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: paymentsLogger,
	})
	if err != nil {
		return nil, err
	}
	return payments.NewRetryingGateway(stripeGateway, payments.RetryConfig{
		MaxAttempts:    cfg.PSP.GatewayMaxAttempts,
		AttemptTimeout: cfg.PSP.GatewayTimeout,
		Logger:         paymentsLogger,
	})
}

func newWebhookVerifier(cfg config.Config) (payments.WebhookVerifier, error) {
	if strings.TrimSpace(cfg.PSP.StripeWebhookSecret) == "" {
		return nil, nil
	}
	return payments.NewStripeWebhookVerifier(cfg.PSP.StripeWebhookSecret, cfg.PSP.WebhookTolerance)
}

func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	project := strings.TrimSpace(os.Getenv("API_SECRET_DEFAULT_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("API_FIREBASE_PROJECT_ID"))
	}
	fallbackPath := strings.TrimSpace(os.Getenv("API_SECRET_FALLBACK_FILE"))
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := strings.TrimSpace(os.Getenv("API_FIREBASE_CREDENTIALS_FILE")); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewResolver(ctx, opts...)
}

func storageClientOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func newFirestoreProvider(cfg config.Config) *pfirestore.Provider {
	var opts []pfirestore.ProviderOption
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return pfirestore.NewProvider(cfg.Firestore, opts...)
}
