package csrfkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingaplink/csrfkit/store"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type refreshCall struct {
	header string
	body   map[string]string
}

// tokenServer fakes the two token endpoints. Handlers can be swapped per test.
type tokenServer struct {
	srv *httptest.Server
	clk *testingclock.FakeClock

	fetches   atomic.Int64
	refreshes atomic.Int64

	mu        sync.Mutex
	onFetch   http.HandlerFunc
	onRefresh http.HandlerFunc
	calls     []refreshCall
}

func newTokenServer(t testing.TB, clk *testingclock.FakeClock) *tokenServer {
	t.Helper()
	ts := &tokenServer{clk: clk}
	ts.onFetch = func(w http.ResponseWriter, _ *http.Request) {
		n := ts.fetches.Load()
		writeToken(w, fmt.Sprintf("tok-%d", n), clk.Now().Add(time.Hour), nil)
	}
	ts.onRefresh = func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"success": true, "rotated": false})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		ts.fetches.Add(1)
		ts.mu.Lock()
		h := ts.onFetch
		ts.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("POST /api/auth/csrf-token/refresh", func(w http.ResponseWriter, r *http.Request) {
		ts.refreshes.Add(1)
		call := refreshCall{header: r.Header.Get(DefaultHeaderName)}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &call.body)

		ts.mu.Lock()
		ts.calls = append(ts.calls, call)
		h := ts.onRefresh
		ts.mu.Unlock()
		h(w, r)
	})

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tokenServer) setFetch(h http.HandlerFunc) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onFetch = h
}

func (ts *tokenServer) setRefresh(h http.HandlerFunc) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onRefresh = h
}

func (ts *tokenServer) refreshCalls() []refreshCall {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]refreshCall(nil), ts.calls...)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeToken(w http.ResponseWriter, token string, expiresAt time.Time, extra map[string]any) {
	body := map[string]any{
		"success":   true,
		"csrfToken": token,
		"expiry":    expiresAt.UnixMilli(),
	}
	for k, v := range extra {
		body[k] = v
	}
	writeTestJSON(w, http.StatusOK, body)
}

func statusHandler(status int, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, status, map[string]any{"success": false, "message": message})
	}
}

type managerFixture struct {
	m     *Manager
	ts    *tokenServer
	clk   *testingclock.FakeClock
	store *store.Memory
}

func newManagerFixture(t testing.TB, mutate func(*Config)) *managerFixture {
	t.Helper()
	clk := testingclock.NewFakeClock(testEpoch)
	ts := newTokenServer(t, clk)
	mem := store.NewMemory()

	cfg := DefaultConfig()
	cfg.Endpoint.BaseURL = ts.srv.URL
	cfg.Endpoint.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	m := buildTestManager(t, cfg, ts, clk, mem, nil)
	return &managerFixture{m: m, ts: ts, clk: clk, store: mem}
}

func buildTestManager(t testing.TB, cfg Config, ts *tokenServer, clk *testingclock.FakeClock, st store.Store, log *zap.Logger) *Manager {
	t.Helper()
	m, err := New().
		WithConfig(cfg).
		WithHTTPClient(ts.srv.Client()).
		WithStore(st).
		WithClock(clk).
		WithLogger(log).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// failingStore loads nothing and rejects every write.
type failingStore struct {
	err error
}

func (s failingStore) Load(context.Context) (store.Record, error) { return store.Record{}, store.ErrNotFound }
func (s failingStore) Save(context.Context, store.Record) error   { return s.err }
func (s failingStore) Clear(context.Context) error                { return s.err }

// hookStore runs afterLoad between reading the record and returning it.
type hookStore struct {
	*store.Memory
	afterLoad func()
}

func (s *hookStore) Load(ctx context.Context) (store.Record, error) {
	rec, err := s.Memory.Load(ctx)
	if s.afterLoad != nil {
		s.afterLoad()
	}
	return rec, err
}

// seed stores a record expiring after ttl and loads it into the manager.
func (f *managerFixture) seed(t *testing.T, token string, ttl time.Duration) {
	t.Helper()
	f.store.Put(store.Encode(TokenRecord{
		Token:      token,
		ExpiresAt:  f.clk.Now().Add(ttl),
		HeaderName: DefaultHeaderName,
		CookieName: DefaultCookieName,
	}))
	rec, err := f.m.LoadFromStore(t.Context())
	if err != nil {
		t.Fatalf("LoadFromStore failed: %v", err)
	}
	if ttl > 0 && rec == nil {
		t.Fatal("expected seeded record to load")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
