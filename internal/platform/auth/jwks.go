package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSRefreshTimeout  = 5 * time.Second
)

// KeySet caches the signing keys published at a JWKS endpoint. Keys are fetched lazily and
// refreshed once the Cache-Control max-age lapses; an unknown kid forces a refetch.
type KeySet struct {
	url      string
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration
	timeout  time.Duration
	prefetch bool

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	expiry  time.Time
	halfway time.Time

	refreshMu  sync.Mutex
	refreshing atomic.Bool
}

// KeySetOption customises KeySet behaviour.
type KeySetOption func(*KeySet)

// NewKeySet constructs a KeySet for the provided JWKS URL.
func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	ks := &KeySet{
		url:      strings.TrimSpace(url),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   zap.NewNop(),
		now:      time.Now,
		interval: defaultJWKSRefreshInterval,
		timeout:  defaultJWKSRefreshTimeout,
		prefetch: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ks)
		}
	}
	return ks
}

// WithKeySetHTTPClient overrides the HTTP client used for fetches.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(ks *KeySet) {
		if client != nil {
			ks.client = client
		}
	}
}

// WithKeySetLogger sets the logger for refresh outcomes.
func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(ks *KeySet) {
		if logger != nil {
			ks.logger = logger
		}
	}
}

// WithKeySetRefreshInterval sets the validity used when the endpoint sends no cache headers.
func WithKeySetRefreshInterval(d time.Duration) KeySetOption {
	return func(ks *KeySet) {
		if d > 0 {
			ks.interval = d
		}
	}
}

// WithKeySetClock injects a time source.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(ks *KeySet) {
		if now != nil {
			ks.now = now
		}
	}
}

// WithoutKeySetPrefetch disables the background refresh started at half of the validity window.
func WithoutKeySetPrefetch() KeySetOption {
	return func(ks *KeySet) {
		ks.prefetch = false
	}
}

// Keyfunc returns a jwt.Keyfunc resolving RS256 keys by kid.
func (ks *KeySet) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return ks.Key(ctx, kid)
	}
}

// Key resolves the public key for kid.
func (ks *KeySet) Key(ctx context.Context, kid string) (any, error) {
	now := ks.now()
	if ks.stale(now) {
		if err := ks.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := ks.lookup(kid); ok {
		if ks.dueForPrefetch(now) {
			ks.refreshAsync()
		}
		return key, nil
	}

	// rotated key: refetch once before giving up
	if err := ks.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := ks.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (ks *KeySet) lookup(kid string) (any, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	jwk, ok := ks.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (ks *KeySet) stale(now time.Time) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.keys) == 0 {
		return true
	}
	return !ks.expiry.IsZero() && !now.Before(ks.expiry)
}

func (ks *KeySet) dueForPrefetch(now time.Time) bool {
	if !ks.prefetch {
		return false
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.halfway.IsZero() || now.After(ks.expiry) {
		return false
	}
	return !now.Before(ks.halfway)
}

func (ks *KeySet) refreshAsync() {
	if !ks.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer ks.refreshing.Store(false)
		if err := ks.refresh(context.Background()); err != nil {
			ks.logger.Warn("auth: background jwks refresh failed", zap.Error(err))
		}
	}()
}

func (ks *KeySet) refresh(ctx context.Context) error {
	ks.refreshMu.Lock()
	defer ks.refreshMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, ks.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := ks.interval
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}

	now := ks.now()
	ks.mu.Lock()
	ks.keys = keys
	ks.expiry = now.Add(validity)
	ks.halfway = now.Add(validity / 2)
	ks.mu.Unlock()

	ks.logger.Debug("auth: refreshed jwks", zap.Int("keys", len(keys)), zap.Duration("validity", validity))
	return nil
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
