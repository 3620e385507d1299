package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type stubUserGetter struct {
	record *firebaseauth.UserRecord
	calls  int
}

func (s *stubUserGetter) GetUser(_ context.Context, _ string) (*firebaseauth.UserRecord, error) {
	s.calls++
	return s.record, nil
}

func serve(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/orders", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireFirebaseAuthAllowsStaff(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-123",
		Claims: map[string]any{
			"role":   []any{"Staff", "admin", "staff"},
			"locale": "ar",
			"email":  "curator@example.com",
		},
	}}
	users := &stubUserGetter{record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: "uid-123", DisplayName: "Salma Curator"}}}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	called := false
	handler := authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if len(identity.Roles) != 2 || !identity.IsStaff() {
			t.Fatalf("unexpected roles %v", identity.Roles)
		}
		if identity.Locale != "ar" || identity.Email != "curator@example.com" {
			t.Fatalf("unexpected claims %+v", identity)
		}

		ext := identity.External(r.Context())
		ext2 := identity.External(r.Context())
		if ext.ExternalID != "uid-123" || ext.Name != "Salma Curator" || ext2.Name != ext.Name {
			t.Fatalf("unexpected external identity %+v", ext)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(handler, "Bearer token-value")
	if rr.Code != http.StatusNoContent || !called {
		t.Fatalf("expected 204 from handler, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
	if users.calls != 1 {
		t.Fatalf("expected a single memoised user fetch, got %d", users.calls)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	customer := &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{}}

	cases := []struct {
		name     string
		header   string
		verifier *stubTokenVerifier
		roles    []string
		status   int
		code     string
	}{
		{name: "missing header", verifier: &stubTokenVerifier{token: customer}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", verifier: &stubTokenVerifier{token: customer}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "expired", header: "Bearer old", verifier: &stubTokenVerifier{err: ErrTokenExpired}, status: http.StatusUnauthorized, code: "token_expired"},
		{name: "invalid", header: "Bearer bad", verifier: &stubTokenVerifier{err: errors.New("signature mismatch")}, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "customer on staff route", header: "Bearer ok", verifier: &stubTokenVerifier{token: customer}, roles: []string{RoleStaff, RoleAdmin}, status: http.StatusForbidden, code: "insufficient_role"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(tc.verifier).RequireFirebaseAuth(tc.roles...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not run")
			}))
			rr := serve(handler, tc.header)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestRequireFirebaseAuthDefaultsToCustomerRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-456", Claims: map[string]any{}}}

	handler := NewAuthenticator(verifier).RequireFirebaseAuth(RoleCustomer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleCustomer {
			t.Fatalf("expected customer role, got %v", identity.Roles)
		}
		if identity.IsStaff() {
			t.Fatalf("customer must not be staff")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr := serve(handler, "Bearer t"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestOptionalFirebaseAuth(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-9", Claims: map[string]any{"email": "a@b.co"}}}
	var seen *Identity
	handler := NewAuthenticator(verifier).OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr := serve(handler, ""); rr.Code != http.StatusNoContent || seen != nil {
		t.Fatalf("anonymous request should pass without identity, got %d %+v", rr.Code, seen)
	}

	if rr := serve(handler, "Bearer good"); rr.Code != http.StatusNoContent || seen == nil || seen.UID != "uid-9" {
		t.Fatalf("expected identity for signed-in request, got %d %+v", rr.Code, seen)
	}

	verifier.err = ErrTokenInvalid
	seen = nil
	rr := serve(handler, "Bearer broken")
	if rr.Code != http.StatusUnauthorized || seen != nil {
		t.Fatalf("a broken token must be rejected, got %d", rr.Code)
	}
}

func TestIdentityUserWithoutLoader(t *testing.T) {
	identity := &Identity{UID: "uid-1", Email: "a@b.co"}
	if _, err := identity.User(context.Background()); !errors.Is(err, ErrUserLoaderUnavailable) {
		t.Fatalf("expected ErrUserLoaderUnavailable, got %v", err)
	}
	if ext := identity.External(context.Background()); ext.ExternalID != "uid-1" || ext.Name != "" {
		t.Fatalf("unexpected external identity %+v", ext)
	}
}
