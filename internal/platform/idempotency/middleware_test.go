package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var checkoutNow = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)

func checkoutRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/session", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token-1")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, checkoutRequest("", `{"designId":"dsn_1"}`))
		if rr.Code != http.StatusAccepted || rr.Header().Get(replayHeader) != "" {
			t.Fatalf("expected pass-through, got %d replay=%q", rr.Code, rr.Header().Get(replayHeader))
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every keyless request, got %d", calls)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return checkoutNow }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"orderId":"ord_1"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest("idem-1", `{"designId":"dsn_1"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest("idem-1", `{"designId":"dsn_1"}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("unexpected replay %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeader) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers %v", second.Header())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), checkoutRequest("idem-2", `{"designId":"dsn_1"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest("idem-2", `{"designId":"dsn_2"}`))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_reused")
}

func TestMiddlewareInFlightKeyConflicts(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return checkoutNow }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run while the key is held")
		}))

	req := checkoutRequest("idem-3", `{"designId":"dsn_1"}`)
	key := callerOf(req) + "|" + req.URL.Path + "|idem-3"
	if _, _, err := store.Begin(context.Background(), key, fingerprintOf(req, []byte(`{"designId":"dsn_1"}`)), checkoutNow, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest("idem-4", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest("idem-4", `{}`))

	if first.Code != http.StatusBadGateway || second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after 502, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddlewareStillRespondsWhenCompleteFails(t *testing.T) {
	store := &failingStore{}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest("idem-5", `{}`))

	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.abandoned {
		t.Fatalf("expected key to be abandoned after failed completion")
	}
}

func TestMemoryStorePurgeRemovesExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.Begin(ctx, "a", "fp", checkoutNow, time.Minute)
	_, _, _ = store.Begin(ctx, "b", "fp", checkoutNow, time.Hour)

	removed, err := store.Purge(ctx, checkoutNow.Add(10*time.Minute), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired entry removed, got %d (%v)", removed, err)
	}
	state, _, _ := store.Begin(ctx, "b", "fp", checkoutNow.Add(10*time.Minute), time.Hour)
	if state != StateInFlight {
		t.Fatalf("expected unexpired entry to survive, got state %d", state)
	}
}

type failingStore struct {
	abandoned bool
}

func (s *failingStore) Begin(context.Context, string, string, time.Time, time.Duration) (State, Entry, error) {
	return StateNew, Entry{}, nil
}

func (s *failingStore) Complete(context.Context, string, Entry) error {
	return errors.New("firestore unavailable")
}

func (s *failingStore) Abandon(context.Context, string) error {
	s.abandoned = true
	return nil
}

func (s *failingStore) Purge(context.Context, time.Time, int) (int, error) { return 0, nil }

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != want {
		t.Fatalf("expected error %q, got %q", want, body.Error)
	}
}
