package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	testAudience = "https://orders.internal.example.com"
	googleIssuer = "https://accounts.google.com"
)

type oidcFixture struct {
	validator *OIDCValidator
	cache     *JWKSCache
	fetches   *atomic.Int32
	key       *rsa.PrivateKey
	now       time.Time
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })

	cache := NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }))
	return &oidcFixture{
		validator: NewOIDCValidator(cache, nil),
		cache:     cache,
		fetches:   fetches,
		key:       key,
		now:       now,
	}
}

func (f *oidcFixture) token(t *testing.T, kid string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   testAudience,
		"iss":   googleIssuer,
		"sub":   "1234567890",
		"email": "scheduler@crystal-prod.iam.gserviceaccount.com",
		"exp":   float64(f.now.Add(time.Hour).Unix()),
		"iat":   float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCacheKeepsKeysUntilExpiry(t *testing.T) {
	f := newOIDCFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := f.cache.Key(ctx, "svc-key")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}
	if n := f.fetches.Load(); n != 1 {
		t.Fatalf("expected single fetch, got %d", n)
	}

	if _, err := f.cache.Key(ctx, "rotated"); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
	if n := f.fetches.Load(); n != 2 {
		t.Fatalf("expected unknown kid to force one refresh, got %d fetches", n)
	}
}

func TestRequireOIDC(t *testing.T) {
	cases := []struct {
		name   string
		header string
		kid    string
		mutate func(jwt.MapClaims)
		status int
	}{
		{name: "valid bearer", header: "Authorization", kid: "svc-key", status: http.StatusNoContent},
		{name: "valid iap assertion", header: "X-Goog-Iap-Jwt-Assertion", kid: "svc-key", status: http.StatusNoContent},
		{name: "missing token", status: http.StatusUnauthorized},
		{name: "audience mismatch", header: "Authorization", kid: "svc-key", mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }, status: http.StatusUnauthorized},
		{name: "issuer mismatch", header: "Authorization", kid: "svc-key", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, status: http.StatusUnauthorized},
		{name: "expired", header: "Authorization", kid: "svc-key", mutate: func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_600_000_000, 0).Unix()) }, status: http.StatusUnauthorized},
		{name: "unknown kid", header: "Authorization", kid: "other", status: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOIDCFixture(t)
			var seen *ServiceIdentity
			handler := f.validator.RequireOIDC(testAudience, []string{googleIssuer})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = ServiceIdentityFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/ord_1/status", nil)
			switch tc.header {
			case "Authorization":
				req.Header.Set("Authorization", "Bearer "+f.token(t, tc.kid, tc.mutate))
			case "":
			default:
				req.Header.Set(tc.header, f.token(t, tc.kid, tc.mutate))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.status == http.StatusNoContent && (seen == nil || seen.Email != "scheduler@crystal-prod.iam.gserviceaccount.com") {
				t.Fatalf("expected service identity, got %+v", seen)
			}
		})
	}
}

func TestRequireOIDCKeysUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.token(t, "svc-key", nil)

	broken := NewOIDCValidator(NewJWKSCache("http://127.0.0.1:1/jwks"), nil)
	handler := broken.RequireOIDC(testAudience, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRequireOIDCWithoutAudience(t *testing.T) {
	f := newOIDCFixture(t)
	handler := f.validator.RequireOIDC(" ", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=600, must-revalidate": 10 * time.Minute,
		"MAX-AGE=60":                           time.Minute,
		"no-cache":                             0,
		"max-age=abc":                          0,
	}
	for header, want := range cases {
		if got := maxAge(header); got != want {
			t.Errorf("maxAge(%q) = %s, want %s", header, got, want)
		}
	}
}
