package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultWebhookTolerance    = 5 * time.Minute
	defaultGatewayTimeout      = 10 * time.Second
	defaultGatewayMaxAttempts  = 3
	defaultCheckoutMode        = CheckoutModeMarketplace
	defaultPlatformFeeBPS      = 300
	defaultCurrency            = "EUR"
	defaultShippingFlatFee     = 700
	defaultShippingThreshold   = 5000
	defaultStoreBackend        = BackendFirestore
	defaultLedgerBackend       = BackendFirestore
	defaultPostgresMaxConns    = 8
	defaultLedgerTTL           = 30 * 24 * time.Hour
	defaultLedgerLease         = 2 * time.Minute
	defaultLedgerInterval      = time.Hour
	defaultLedgerBatchSize     = 200
	defaultStatusCacheTTL      = 5 * time.Minute
	defaultNotificationTopic   = "order-notifications"
	defaultOrderEventsTopic    = "order-events"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
)

// Checkout modes.
const (
	CheckoutModeMarketplace = "marketplace"
	CheckoutModeDirect      = "direct"
)

// Backend names accepted by API_STORE_BACKEND and API_LEDGER_BACKEND.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

var (
	defaultSMSPrefixes = []string{"+358", "00358"}
	defaultStaffRoles  = []string{"staff", "admin"}
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	PSP       PSPConfig
	Checkout  CheckoutConfig
	Shipping  ShippingConfig
	Store     StoreConfig
	Postgres  PostgresConfig
	Ledger    LedgerConfig
	Redis     RedisConfig
	PubSub    PubSubConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Notify    NotifyConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PSPConfig collects payment processor credentials and call bounds.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	GatewayTimeout      time.Duration
	GatewayMaxAttempts  int
}

// CheckoutConfig controls session construction.
type CheckoutConfig struct {
	Mode           string
	PlatformFeeBPS int64
	Currency       string
}

// ShippingConfig is the delivery fee policy in minor units.
type ShippingConfig struct {
	FlatFee       int64
	FreeThreshold int64
}

// StoreConfig selects the order/merchant/counter backend.
type StoreConfig struct {
	Backend string
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// LedgerConfig controls the webhook event ledger.
type LedgerConfig struct {
	Backend          string
	TTL              time.Duration
	Lease            time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig configures the Redis client shared by the ledger and the status cache.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	StatusCacheTTL time.Duration
}

// PubSubConfig configures notification job publishing.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
}

// KafkaConfig configures the order event stream. Empty brokers disable it.
type KafkaConfig struct {
	Brokers          []string
	OrderEventsTopic string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	WebhookArchiveBucket string
}

// NotifyConfig controls customer notification routing.
type NotifyConfig struct {
	SMSPrefixes []string
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	StaffRoles  []string
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing secret field names.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns short hashes of the missing names, safe to print in startup logs.
func (e *MissingSecretsError) RedactedNames() []string {
	names := e.Names()
	for i, name := range names {
		sum := sha256.Sum256([]byte(name))
		names[i] = hex.EncodeToString(sum[:8])
	}
	sort.Strings(names)
	return names
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields (e.g. "PSP.StripeWebhookSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration. Precedence is explicit map, then the process
// environment, then the .env file, then defaults.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	var invalid []string
	parse := parser{lookup: lookup, invalid: &invalid}

	cfg := Config{
		Server: ServerConfig{
			Port:         parse.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  parse.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: parse.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  parse.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       parse.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: parse.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    parse.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: parse.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        parse.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: parse.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance:    parse.duration("API_PSP_STRIPE_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			GatewayTimeout:      parse.duration("API_PSP_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			GatewayMaxAttempts:  parse.integer("API_PSP_GATEWAY_MAX_ATTEMPTS", defaultGatewayMaxAttempts),
		},
		Checkout: CheckoutConfig{
			Mode:           strings.ToLower(parse.str("API_CHECKOUT_MODE", defaultCheckoutMode)),
			PlatformFeeBPS: int64(parse.integer("API_CHECKOUT_PLATFORM_FEE_BPS", defaultPlatformFeeBPS)),
			Currency:       strings.ToUpper(parse.str("API_CHECKOUT_CURRENCY", defaultCurrency)),
		},
		Shipping: ShippingConfig{
			FlatFee:       int64(parse.integer("API_SHIPPING_FLAT_FEE", defaultShippingFlatFee)),
			FreeThreshold: int64(parse.integer("API_SHIPPING_FREE_THRESHOLD", defaultShippingThreshold)),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(parse.str("API_STORE_BACKEND", defaultStoreBackend)),
		},
		Postgres: PostgresConfig{
			DSN:      parse.str("API_POSTGRES_DSN", ""),
			MaxConns: int32(parse.integer("API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns)),
		},
		Ledger: LedgerConfig{
			Backend:          strings.ToLower(parse.str("API_LEDGER_BACKEND", defaultLedgerBackend)),
			TTL:              parse.duration("API_LEDGER_TTL", defaultLedgerTTL),
			Lease:            parse.duration("API_LEDGER_LEASE", defaultLedgerLease),
			CleanupInterval:  parse.duration("API_LEDGER_CLEANUP_INTERVAL", defaultLedgerInterval),
			CleanupBatchSize: parse.integer("API_LEDGER_CLEANUP_BATCH", defaultLedgerBatchSize),
		},
		Redis: RedisConfig{
			Addr:           parse.str("API_REDIS_ADDR", ""),
			Password:       parse.str("API_REDIS_PASSWORD", ""),
			DB:             parse.integer("API_REDIS_DB", 0),
			StatusCacheTTL: parse.duration("API_REDIS_STATUS_CACHE_TTL", defaultStatusCacheTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:         parse.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: parse.str("API_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
		},
		Kafka: KafkaConfig{
			Brokers:          parse.csv("API_KAFKA_BROKERS", nil),
			OrderEventsTopic: parse.str("API_KAFKA_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket: parse.str("API_STORAGE_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		Notify: NotifyConfig{
			SMSPrefixes: parse.csv("API_NOTIFY_SMS_PREFIXES", defaultSMSPrefixes),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(parse.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   parse.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  parse.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: parse.keyValues("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   parse.csv("API_SECURITY_OIDC_ISSUERS", []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}),
			},
			StaffRoles: parse.csv("API_SECURITY_STAFF_ROLES", defaultStaffRoles),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Checkout.PlatformFeeBPS < 0 || cfg.Checkout.PlatformFeeBPS > 10000 {
		missing = append(missing, "Checkout.PlatformFeeBPS")
	}
	if cfg.Checkout.Mode != CheckoutModeMarketplace && cfg.Checkout.Mode != CheckoutModeDirect {
		missing = append(missing, "Checkout.Mode")
	}
	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Shipping.FlatFee < 0 || cfg.Shipping.FreeThreshold < 0 {
		missing = append(missing, "Shipping")
	}
	if cfg.PSP.GatewayMaxAttempts < 1 {
		missing = append(missing, "PSP.GatewayMaxAttempts")
	}

	switch cfg.Store.Backend {
	case BackendFirestore, BackendPostgres, BackendMemory:
	default:
		missing = append(missing, "Store.Backend")
	}
	switch cfg.Ledger.Backend {
	case BackendFirestore, BackendPostgres, BackendRedis, BackendMemory:
	default:
		missing = append(missing, "Ledger.Backend")
	}
	usesFirestore := cfg.Store.Backend == BackendFirestore || cfg.Ledger.Backend == BackendFirestore
	if usesFirestore && cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	usesPostgres := cfg.Store.Backend == BackendPostgres || cfg.Ledger.Backend == BackendPostgres
	if usesPostgres && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		missing = append(missing, "Postgres.DSN")
	}
	if cfg.Ledger.Backend == BackendRedis && strings.TrimSpace(cfg.Redis.Addr) == "" {
		missing = append(missing, "Redis.Addr")
	}
	if cfg.Ledger.TTL <= 0 {
		missing = append(missing, "Ledger.TTL")
	}
	if cfg.Ledger.Lease <= 0 {
		missing = append(missing, "Ledger.Lease")
	}
	if cfg.Ledger.CleanupInterval <= 0 {
		missing = append(missing, "Ledger.CleanupInterval")
	}
	if cfg.Ledger.CleanupBatchSize <= 0 {
		missing = append(missing, "Ledger.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

// parser reads typed values and records keys whose values fail to parse.
type parser struct {
	lookup  func(string) (string, bool)
	invalid *[]string
}

func (p parser) raw(key string) (string, bool) {
	value, ok := p.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (p parser) str(key, fallback string) string {
	if value, ok := p.raw(key); ok {
		return value
	}
	return fallback
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	value, ok := p.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return d
}

func (p parser) integer(key string, fallback int) int {
	value, ok := p.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return parsed
}

func (p parser) csv(key string, fallback []string) []string {
	value, ok := p.raw(key)
	if !ok {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (p parser) keyValues(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range p.csv(key, nil) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
