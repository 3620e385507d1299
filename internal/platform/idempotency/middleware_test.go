package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/crystal-atelier/api/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

const orderBody = `{"items":[{"productId":"amethyst-cluster","quantity":1}]}`

func newOrderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func countingHandler(calls *int, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/orders/ord_1")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func TestMiddlewareRequiresKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated, `{}`))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", orderBody))

	if calls != 0 {
		t.Fatal("handler should not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_required")
}

func TestMiddlewareIgnoresReads(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK, `{}`))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil))
	if calls != 1 || rr.Code != http.StatusOK {
		t.Fatalf("expected GET to pass through, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		countingHandler(&calls, http.StatusCreated, `{"id":"ord_1"}`))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("checkout-1", orderBody))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("checkout-1", orderBody))

	if calls != 1 {
		t.Fatalf("expected a single order placement, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if first.Header().Get(replayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
	if second.Header().Get("Location") != "/api/v1/orders/ord_1" {
		t.Fatalf("expected stored headers, got %v", second.Header())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected body %s, got %s", first.Body.String(), second.Body.String())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated, `{}`))

	guest := newOrderRequest("shared", orderBody)
	user := newOrderRequest("shared", orderBody)
	user = user.WithContext(auth.WithIdentity(user.Context(), &auth.Identity{UID: "uid-1"}))

	handler.ServeHTTP(httptest.NewRecorder(), guest)
	handler.ServeHTTP(httptest.NewRecorder(), user)
	if calls != 2 {
		t.Fatalf("expected the same key from two callers to run twice, got %d", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated, `{}`))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("checkout-2", orderBody))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("checkout-2", `{"items":[]}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_conflict")
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	release := make(chan struct{})
	started := make(chan struct{})
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("slow", orderBody))
	}()
	<-started

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("slow", orderBody))
	close(release)
	wg.Wait()

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("retry-me", orderBody))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("retry-me", orderBody))

	if first.Code != http.StatusInternalServerError || second.Code != http.StatusCreated {
		t.Fatalf("expected 500 then 201, got %d then %d", first.Code, second.Code)
	}
	if calls != 2 {
		t.Fatalf("expected retry to reach the handler, got %d calls", calls)
	}
}

func TestMiddlewareReleasesKeyWhenHandlerPanics(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			panic("ledger exploded")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	func() {
		defer func() {
			if p := recover(); p != "ledger exploded" {
				t.Fatalf("expected the handler panic to propagate, got %v", p)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("panic-key", orderBody))
	}()

	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, newOrderRequest("panic-key", orderBody))
	if retry.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed after panic, got %d: %s", retry.Code, retry.Body.String())
	}
	if calls != 2 {
		t.Fatalf("expected retry to reach the handler, got %d calls", calls)
	}
}

func TestMiddlewareKeepsClientErrors(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusConflict, `{"error":"insufficient_stock"}`))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("no-stock", orderBody))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("no-stock", orderBody))

	if calls != 1 || rr.Code != http.StatusConflict {
		t.Fatalf("expected replayed 409, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddlewareSaveFailureStillAnswers(t *testing.T) {
	store := &stubStore{failComplete: true}
	calls := 0
	rr := httptest.NewRecorder()
	Middleware(store)(countingHandler(&calls, http.StatusCreated, `{"id":"ord_9"}`)).ServeHTTP(rr, newOrderRequest("k", orderBody))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected handler response to be delivered, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected key to be released after save failure")
	}
}

func TestMiddlewareStoreUnavailable(t *testing.T) {
	store := &stubStore{reserveErr: errors.New("firestore down")}
	calls := 0
	rr := httptest.NewRecorder()
	Middleware(store)(countingHandler(&calls, http.StatusCreated, `{}`)).ServeHTTP(rr, newOrderRequest("k", orderBody))

	if calls != 0 || rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without running handler, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "a", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Complete(ctx, "a", "fp", Response{Status: http.StatusCreated}, fixedTime, time.Minute); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	res, err := store.Reserve(ctx, "a", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.Outcome != OutcomeReserved {
		t.Fatalf("expected expired key to be reusable, got %v %v", res.Outcome, err)
	}
	if _, err := store.Reserve(ctx, "b", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	sweeper := NewSweeper(store, time.Hour, 1, nil)
	sweeper.now = func() time.Time { return fixedTime.Add(time.Hour) }
	if removed := sweeper.Sweep(ctx); removed != 2 {
		t.Fatalf("expected both keys swept, got %d", removed)
	}
}

type stubStore struct {
	reserveErr   error
	failComplete bool
	released     bool
}

func (s *stubStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return Reservation{Outcome: OutcomeReserved, Record: newPendingRecord(key, fingerprint, now, ttl)}, nil
}

func (s *stubStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failComplete {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
