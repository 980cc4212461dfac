package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const testAudience = "https://ordersync.internal"

type jwksServer struct {
	*httptest.Server
	key      *rsa.PrivateKey
	requests atomic.Int32
	status   atomic.Int32
}

func newJWKSServer(t *testing.T, kid string) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := &jwksServer{key: key}
	srv.status.Store(http.StatusOK)
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.requests.Add(1)
		if status := int(srv.status.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *jwksServer) sign(t *testing.T, kid string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"aud":   testAudience,
		"iss":   "https://accounts.google.com",
		"sub":   "1122334455",
		"email": "scheduler@ordersync.iam.gserviceaccount.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func serveOIDC(validator *OIDCValidator, issuers []string, header, value string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	var seen *ServiceIdentity
	handler := validator.RequireOIDC(testAudience, issuers)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/webhook-ledger:cleanup", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func TestKeySetCachesUntilMaxAge(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	now := time.Unix(1_000_000, 0)
	keys := NewKeySet(srv.URL, WithoutKeySetPrefetch(), WithKeySetClock(func() time.Time { return now }))

	ctx := context.Background()
	got, err := keys.Key(ctx, "k1")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := keys.Key(ctx, "k1"); err != nil {
		t.Fatalf("Key second call: %v", err)
	}
	if n := srv.requests.Load(); n != 1 {
		t.Fatalf("expected single fetch, got %d", n)
	}

	now = now.Add(11 * time.Minute)
	if _, err := keys.Key(ctx, "k1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if n := srv.requests.Load(); n != 2 {
		t.Fatalf("expected refetch after max-age, got %d fetches", n)
	}
}

func TestKeySetUnknownKidRefetchesOnce(t *testing.T) {
	srv := newJWKSServer(t, "k1")
	keys := NewKeySet(srv.URL, WithoutKeySetPrefetch())

	_, err := keys.Key(context.Background(), "rotated")
	if !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
	if n := srv.requests.Load(); n != 2 {
		t.Fatalf("expected initial fetch plus one refetch, got %d", n)
	}
}

func TestParseMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=3600, must-revalidate": time.Hour,
		"MAX-AGE=60":                            time.Minute,
		"no-store":                              0,
		"max-age=abc":                           0,
		"":                                      0,
	}
	for header, want := range cases {
		if got := parseMaxAge(header); got != want {
			t.Fatalf("parseMaxAge(%q) = %s, want %s", header, got, want)
		}
	}
}

func TestRequireOIDC_AcceptsBearerToken(t *testing.T) {
	srv := newJWKSServer(t, "svc-key")
	validator := NewOIDCValidator(NewKeySet(srv.URL), nil)

	rr, identity := serveOIDC(validator, []string{"https://accounts.google.com"}, "Authorization", "Bearer "+srv.sign(t, "svc-key", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.Email != "scheduler@ordersync.iam.gserviceaccount.com" || identity.Subject != "1122334455" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestRequireOIDC_AcceptsIAPAssertionWithAudienceList(t *testing.T) {
	srv := newJWKSServer(t, "iap-key")
	validator := NewOIDCValidator(NewKeySet(srv.URL), nil)
	token := srv.sign(t, "iap-key", func(c jwt.MapClaims) {
		c["aud"] = []string{"other", testAudience}
		c["iss"] = "https://cloud.google.com/iap"
	})

	rr, _ := serveOIDC(validator, []string{"https://cloud.google.com/iap"}, "X-Goog-Iap-Jwt-Assertion", token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireOIDC_Rejections(t *testing.T) {
	srv := newJWKSServer(t, "svc-key")
	validator := NewOIDCValidator(NewKeySet(srv.URL), nil)
	issuers := []string{"https://accounts.google.com"}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", token: "", want: http.StatusUnauthorized},
		{name: "garbage", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "audience", token: srv.sign(t, "svc-key", func(c jwt.MapClaims) { c["aud"] = "https://elsewhere" }), want: http.StatusUnauthorized},
		{name: "issuer", token: srv.sign(t, "svc-key", func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }), want: http.StatusUnauthorized},
		{name: "expired", token: srv.sign(t, "svc-key", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }), want: http.StatusUnauthorized},
		{name: "unknown kid", token: srv.sign(t, "rotated", nil), want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			header := ""
			if tc.token != "" {
				header = "Authorization"
			}
			rr, identity := serveOIDC(validator, issuers, header, "Bearer "+tc.token)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if identity != nil {
				t.Fatalf("handler should not run")
			}
		})
	}
}

func TestRequireOIDC_JWKSUnavailable(t *testing.T) {
	srv := newJWKSServer(t, "svc-key")
	token := srv.sign(t, "svc-key", nil)
	srv.status.Store(http.StatusInternalServerError)

	validator := NewOIDCValidator(NewKeySet(srv.URL), nil)
	rr, _ := serveOIDC(validator, nil, "Authorization", "Bearer "+token)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRequireOIDC_NoAudienceConfigured(t *testing.T) {
	validator := NewOIDCValidator(NewKeySet("http://127.0.0.1:1"), nil)
	handler := validator.RequireOIDC("  ", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
