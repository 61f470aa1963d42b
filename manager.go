package csrfkit

import (
	"context"
	"errors"
	"sync"

	"github.com/lingaplink/csrfkit/internal/endpoint"
	"github.com/lingaplink/csrfkit/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

const flightKey = "csrf-token"

type opKind uint8

const (
	opAuto opKind = iota
	opFetch
	opRefresh
)

// Manager owns the current CSRF token for one browsing session.
//
// All methods are safe for concurrent use. At most one fetch/refresh is outstanding at a
// time: concurrent callers share the result of the operation already in flight.
type Manager struct {
	config  Config
	client  *endpoint.Client
	store   store.Store
	clock   clock.WithTicker
	log     *zap.Logger
	metrics *Metrics
	audit   *auditDispatcher

	group singleflight.Group

	mu         sync.RWMutex
	current    *TokenRecord
	headerName string
	cookieName string
	generation uint64

	// storeMu orders commit+persist against Logout's clear.
	storeMu sync.Mutex

	sweepMu sync.Mutex
	sweep   *Sweep
}

type tokenState struct {
	rec        *TokenRecord
	headerName string
	cookieName string
	generation uint64
}

func (m *Manager) snapshot() tokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tokenState{
		rec:        m.current,
		headerName: m.headerName,
		cookieName: m.cookieName,
		generation: m.generation,
	}
}

// State returns the lifecycle state of the held token at the current clock time.
func (m *Manager) State() State {
	if m == nil {
		return StateEmpty
	}
	return stateOf(m.snapshot().rec, m.clock.Now(), m.config.Token.RefreshThreshold)
}

// Current returns a copy of the held record, valid or not.
func (m *Manager) Current() (TokenRecord, bool) {
	if m == nil {
		return TokenRecord{}, false
	}
	rec := m.snapshot().rec
	if rec == nil {
		return TokenRecord{}, false
	}
	return *rec, true
}

// HeaderName is the header the token is attached under: server-supplied once known.
func (m *Manager) HeaderName() string {
	return m.snapshot().headerName
}

// CookieName is the companion cookie name. Informational only; the cookie is httpOnly.
func (m *Manager) CookieName() string {
	return m.snapshot().cookieName
}

// MetricsSnapshot returns the lifecycle counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return m.metrics.Snapshot()
}

// AuditDropped returns how many audit events were dropped under backpressure.
func (m *Manager) AuditDropped() uint64 {
	if m == nil || m.audit == nil {
		return 0
	}
	return m.audit.Dropped()
}

// AuditStats reports audit delivery counts. Zero when auditing is disabled.
func (m *Manager) AuditStats() AuditStats {
	if m == nil {
		return AuditStats{}
	}
	return m.audit.Stats()
}

func (m *Manager) metricInc(id MetricID) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.Inc(id)
}

// LoadFromStore restores a persisted record at startup. A missing or partial record returns
// (nil, nil). An expired record is discarded, the store cleared, and (nil, nil) returned.
// If a token was committed while the store was read, that token is kept and returned; if
// Logout ran meanwhile, nothing is installed and ErrSessionCleared is returned.
// No network call is made.
func (m *Manager) LoadFromStore(ctx context.Context) (*TokenRecord, error) {
	if m == nil || m.store == nil {
		return nil, ErrManagerNotReady
	}

	// A Logout or commit that lands while the store is read wins over the stored record.
	before := m.snapshot()

	rec, err := m.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		m.log.Warn("csrf token load failed", zap.Error(err))
		return nil, err
	}

	if !rec.Valid(m.clock.Now()) {
		m.storeMu.Lock()
		var clearErr error
		if m.unchangedSince(before) {
			clearErr = m.store.Clear(ctx)
		}
		m.storeMu.Unlock()
		if clearErr != nil {
			m.metricInc(MetricPersistFailure)
			m.log.Warn("csrf expired token clear failed", zap.Error(clearErr))
		}
		m.metricInc(MetricLoadEvicted)
		m.emitAudit(ctx, AuditTokenEvicted, true, &rec, nil, nil)
		return nil, nil
	}

	if rec.HeaderName == "" {
		rec.HeaderName = m.config.Token.DefaultHeaderName
	}
	if rec.CookieName == "" {
		rec.CookieName = m.config.Token.DefaultCookieName
	}

	m.mu.Lock()
	if m.generation != before.generation {
		m.mu.Unlock()
		return nil, ErrSessionCleared
	}
	if m.current != before.rec {
		held := *m.current
		m.mu.Unlock()
		return &held, nil
	}
	m.current = &rec
	m.headerName = rec.HeaderName
	m.cookieName = rec.CookieName
	m.mu.Unlock()

	m.metricInc(MetricLoadRestored)
	m.emitAudit(ctx, AuditTokenRestored, true, &rec, nil, nil)
	out := rec
	return &out, nil
}

func (m *Manager) unchangedSince(st tokenState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == st.generation && m.current == st.rec
}

// Persist writes the held record to the store as one group, or clears the store when no
// record is held.
func (m *Manager) Persist(ctx context.Context) error {
	if m == nil || m.store == nil {
		return ErrManagerNotReady
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	rec := m.snapshot().rec
	if rec == nil {
		return m.store.Clear(ctx)
	}
	return m.store.Save(ctx, *rec)
}

// persistLocked saves rec; failures are logged and counted but never returned, memory
// stays authoritative. Caller holds storeMu.
func (m *Manager) persistLocked(ctx context.Context, rec *TokenRecord) {
	if err := m.store.Save(ctx, *rec); err != nil {
		m.metricInc(MetricPersistFailure)
		m.log.Warn("csrf token persist failed", zap.Error(err))
		m.emitAudit(ctx, AuditPersistFailed, false, rec, err, nil)
	}
}

// Fetch requests a new token from the fetch endpoint and makes it current. If a fetch or
// refresh is already in flight, Fetch waits for that operation instead.
func (m *Manager) Fetch(ctx context.Context) (*TokenRecord, error) {
	return m.acquire(ctx, opFetch)
}

// Refresh asks the server to validate the held token and rotate it if needed. rotated=false
// keeps the held record; any failure other than ErrAuthRequired falls back to one Fetch.
// If an operation is already in flight, Refresh waits for it instead.
func (m *Manager) Refresh(ctx context.Context) (*TokenRecord, error) {
	return m.acquire(ctx, opRefresh)
}

// GetToken returns a token valid for at least the refresh threshold when possible.
//
// A fresh held token is returned without I/O. Otherwise the caller joins the in-flight
// operation or starts one: Fetch when nothing valid is held, Refresh when the token is
// nearing expiry. Cancelling ctx abandons only this caller's wait.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	rec, err := m.tokenRecord(ctx)
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}

func (m *Manager) tokenRecord(ctx context.Context) (*TokenRecord, error) {
	if m == nil || m.client == nil {
		return nil, ErrManagerNotReady
	}
	st := m.snapshot()
	if stateOf(st.rec, m.clock.Now(), m.config.Token.RefreshThreshold) == StateValid {
		m.metricInc(MetricCacheHit)
		out := *st.rec
		return &out, nil
	}
	return m.acquire(ctx, opAuto)
}

func (m *Manager) acquire(ctx context.Context, op opKind) (*TokenRecord, error) {
	if m == nil || m.client == nil {
		return nil, ErrManagerNotReady
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ch := m.group.DoChan(flightKey, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.Endpoint.Timeout)
		defer cancel()
		return m.run(fctx, op)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.metricInc(MetricFlightShared)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*TokenRecord)
		return &out, nil
	}
}

func (m *Manager) run(ctx context.Context, op opKind) (*TokenRecord, error) {
	st := m.snapshot()
	switch op {
	case opFetch:
		return m.runFetch(ctx, st)
	case opRefresh:
		return m.runRefresh(ctx, st)
	}

	switch stateOf(st.rec, m.clock.Now(), m.config.Token.RefreshThreshold) {
	case StateValid:
		// A flight that finished just before this one already refreshed the token.
		return st.rec, nil
	case StateNearingExpiry:
		return m.runRefresh(ctx, st)
	default:
		return m.runFetch(ctx, st)
	}
}

func (m *Manager) runFetch(ctx context.Context, st tokenState) (*TokenRecord, error) {
	start := m.clock.Now()
	resp, err := m.client.Fetch(ctx)
	m.metrics.Observe(MetricFetchLatency, m.clock.Since(start))
	if err != nil {
		terr := toTokenError("fetch", err)
		m.metricInc(MetricFetchFailure)
		if errors.Is(terr, ErrAuthRequired) {
			m.metricInc(MetricAuthRequired)
			m.emitAudit(ctx, AuditAuthRequired, false, nil, terr, nil)
		} else {
			m.log.Warn("csrf token fetch failed", zap.Error(terr))
			m.emitAudit(ctx, AuditFetchFailed, false, nil, terr, nil)
		}
		return nil, terr
	}

	rec := m.recordFrom(resp, st)
	if err := m.commit(ctx, rec, st.generation); err != nil {
		m.metricInc(MetricFetchFailure)
		return nil, err
	}
	m.metricInc(MetricFetchSuccess)
	m.log.Debug("csrf token fetched", zap.Time("expires_at", rec.ExpiresAt), zap.String("header_name", rec.HeaderName))
	m.emitAudit(ctx, AuditTokenFetched, true, rec, nil, nil)
	return rec, nil
}

func (m *Manager) runRefresh(ctx context.Context, st tokenState) (*TokenRecord, error) {
	var token string
	if st.rec != nil {
		token = st.rec.Token
	}

	start := m.clock.Now()
	resp, err := m.client.Refresh(ctx, token, st.headerName)
	m.metrics.Observe(MetricFetchLatency, m.clock.Since(start))
	if err != nil {
		terr := toTokenError("refresh", err)
		m.metricInc(MetricRefreshFailure)
		if errors.Is(terr, ErrAuthRequired) {
			m.metricInc(MetricAuthRequired)
			m.emitAudit(ctx, AuditAuthRequired, false, st.rec, terr, nil)
			return nil, terr
		}
		m.metricInc(MetricRefreshFallback)
		m.log.Warn("csrf token refresh failed, fetching a new token", zap.Error(terr))
		m.emitAudit(ctx, AuditRefreshFallback, false, st.rec, terr, nil)
		return m.runFetch(ctx, st)
	}
	m.metricInc(MetricRefreshSuccess)

	if !resp.Rotated {
		if st.rec == nil || !st.rec.Valid(m.clock.Now()) {
			// The server kept a token this manager no longer holds as usable.
			m.metricInc(MetricRefreshFallback)
			m.emitAudit(ctx, AuditRefreshFallback, false, st.rec, nil, map[string]string{"reason": "nothing_to_keep"})
			return m.runFetch(ctx, st)
		}
		if !m.sameGeneration(st.generation) {
			m.metricInc(MetricFlightDetached)
			return nil, ErrSessionCleared
		}
		m.metricInc(MetricRefreshKept)
		m.emitAudit(ctx, AuditTokenKept, true, st.rec, nil, nil)
		return st.rec, nil
	}

	rec := m.recordFrom(resp, st)
	if err := m.commit(ctx, rec, st.generation); err != nil {
		if errors.Is(err, ErrSessionCleared) {
			return nil, err
		}
		m.metricInc(MetricRefreshFailure)
		m.metricInc(MetricRefreshFallback)
		m.log.Warn("csrf rotated token unusable, fetching a new token", zap.Error(err))
		m.emitAudit(ctx, AuditRefreshFallback, false, st.rec, err, nil)
		return m.runFetch(ctx, st)
	}
	m.metricInc(MetricRefreshRotated)
	m.log.Debug("csrf token rotated", zap.Time("expires_at", rec.ExpiresAt))
	m.emitAudit(ctx, AuditTokenRotated, true, rec, nil, nil)
	return rec, nil
}

func (m *Manager) recordFrom(resp *endpoint.Response, st tokenState) *TokenRecord {
	rec := &TokenRecord{
		Token:      resp.CSRFToken,
		ExpiresAt:  resp.ExpiresAt(),
		HeaderName: resp.HeaderName,
		CookieName: resp.CookieName,
	}
	if rec.HeaderName == "" {
		rec.HeaderName = st.headerName
	}
	if rec.CookieName == "" {
		rec.CookieName = st.cookieName
	}
	return rec
}

// commit makes rec current and persists it unless Logout ran since gen was observed.
func (m *Manager) commit(ctx context.Context, rec *TokenRecord, gen uint64) error {
	if !rec.Valid(m.clock.Now()) {
		return &TokenError{Op: "commit", Kind: ErrTokenFetch, Message: "server issued an expired token"}
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.metricInc(MetricFlightDetached)
		m.emitAudit(ctx, AuditFlightDetached, false, nil, ErrSessionCleared, nil)
		return ErrSessionCleared
	}
	m.current = rec
	m.headerName = rec.HeaderName
	m.cookieName = rec.CookieName
	m.mu.Unlock()

	m.persistLocked(ctx, rec)
	return nil
}

func (m *Manager) sameGeneration(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == gen
}

// Logout clears the held token and the store, stops the background sweep, and detaches any
// in-flight operation: its late result is never committed and its waiters receive
// ErrSessionCleared. The network call itself is not aborted. Safe to call repeatedly.
func (m *Manager) Logout(ctx context.Context) error {
	if m == nil {
		return ErrManagerNotReady
	}
	m.StopBackgroundSweep()

	m.mu.Lock()
	m.generation++
	m.current = nil
	m.headerName = m.config.Token.DefaultHeaderName
	m.cookieName = m.config.Token.DefaultCookieName
	m.mu.Unlock()
	m.group.Forget(flightKey)

	m.metricInc(MetricLogout)
	m.emitAudit(ctx, AuditLogout, true, nil, nil, nil)

	if m.store == nil {
		return nil
	}
	m.storeMu.Lock()
	err := m.store.Clear(ctx)
	m.storeMu.Unlock()
	if err != nil {
		m.metricInc(MetricPersistFailure)
		m.log.Warn("csrf store clear failed on logout", zap.Error(err))
		return err
	}
	return nil
}

// Close stops the background sweep and drains pending audit events. Held state is kept.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.StopBackgroundSweep()
	if m.audit != nil {
		m.audit.Close()
	}
}

func toTokenError(op string, err error) error {
	var epErr *endpoint.Error
	if !errors.As(err, &epErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &TokenError{Op: op, Kind: ErrNetwork, Err: err}
		}
		return &TokenError{Op: op, Kind: ErrTokenFetch, Err: err}
	}

	out := &TokenError{Op: op, StatusCode: epErr.StatusCode, Message: epErr.Message, Err: epErr.Err}
	switch {
	case errors.Is(epErr.Kind, endpoint.ErrUnauthorized):
		out.Kind = ErrAuthRequired
	case errors.Is(epErr.Kind, endpoint.ErrTransport):
		out.Kind = ErrNetwork
	default:
		out.Kind = ErrTokenFetch
		if out.Message == "" {
			out.Message = "failed to get csrf token"
		}
	}
	return out
}
