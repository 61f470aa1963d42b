package csrfkit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func buildAuditTestManager(t *testing.T, sink AuditSink, enabled bool) *managerFixture {
	t.Helper()
	f := newManagerFixture(t, func(c *Config) {
		c.Audit.Enabled = enabled
		c.Audit.BufferSize = 32
		c.Audit.DropIfFull = false
	})
	f.m.audit.Close()
	f.m.audit = newAuditDispatcher(f.m.config.Audit, sink)
	return f
}

func collectEvents(t *testing.T, sink *ChannelSink, n int) []AuditEvent {
	t.Helper()
	events := make([]AuditEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("expected %d audit events, got %d", n, len(events))
		}
	}
	return events
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	f := buildAuditTestManager(t, sink, false)

	_, _ = f.m.GetToken(context.Background())
	_ = f.m.Logout(context.Background())
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditLifecycleEventsCarryNoTokens(t *testing.T) {
	sink := NewChannelSink(16)
	f := buildAuditTestManager(t, sink, true)

	token, err := f.m.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if err := f.m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	events := collectEvents(t, sink, 2)
	if events[0].EventType != AuditTokenFetched || !events[0].Success {
		t.Fatalf("expected fetched event first, got %+v", events[0])
	}
	if events[0].HeaderName != DefaultHeaderName || events[0].ExpiresAt == nil {
		t.Fatalf("expected header and expiry on fetched event, got %+v", events[0])
	}
	if !events[0].Timestamp.Equal(testEpoch) {
		t.Fatalf("expected clock timestamp, got %v", events[0].Timestamp)
	}
	if events[1].EventType != AuditLogout {
		t.Fatalf("expected logout event, got %+v", events[1])
	}

	for _, ev := range events {
		if ev.ID == "" {
			t.Fatal("expected event id")
		}
		data, _ := json.Marshal(ev)
		if strings.Contains(string(data), token) {
			t.Fatalf("token leaked into audit event: %s", data)
		}
	}
}

func TestAuditClassifiesFailures(t *testing.T) {
	sink := NewChannelSink(16)
	f := buildAuditTestManager(t, sink, true)
	f.ts.setFetch(statusHandler(http.StatusUnauthorized, "login required"))

	_ = f.m.AttachToHeaders(context.Background(), nil)

	events := collectEvents(t, sink, 2)
	if events[0].EventType != AuditAuthRequired || events[0].Error != string(auditErrAuthRequired) {
		t.Fatalf("expected auth required event, got %+v", events[0])
	}
	if events[1].EventType != AuditAttachSkipped || events[1].Metadata["target"] != "header" {
		t.Fatalf("expected attach skipped event, got %+v", events[1])
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{})

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		ID:         "ev-1",
		Timestamp:  time.Now().UTC(),
		EventType:  AuditTokenRotated,
		HeaderName: "x-csrf-token",
		Success:    true,
	})

	if !buf.Contains(`"event_type":"csrf_token_rotated"`) {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains(`"header_name":"x-csrf-token"`) {
		t.Fatal("expected JSON log line to contain header name")
	}
	if !buf.Contains("\n") {
		t.Fatal("expected newline-terminated line")
	}
}

func TestAuditZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), AuditEvent{EventType: AuditTokenFetched, Success: true})
	sink.Emit(context.Background(), AuditEvent{
		EventType: AuditFetchFailed,
		Error:     string(auditErrNetwork),
		Metadata:  map[string]string{"target": "body"},
	})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	fields := entries[1].ContextMap()
	if fields["error"] != "network" || fields["meta.target"] != "body" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), v)
}

type panicSink struct {
	calls atomic.Int64
}

func (s *panicSink) Emit(_ context.Context, ev AuditEvent) {
	s.calls.Add(1)
	if ev.EventType == "boom" {
		panic("sink failure")
	}
}

func TestAuditDispatcherSurvivesSinkPanic(t *testing.T) {
	sink := &panicSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
	}, sink)

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "boom"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "after"})
	dispatcher.Close()

	if got := sink.calls.Load(); got != 2 {
		t.Fatalf("expected both events delivered to sink, got %d", got)
	}
	stats := dispatcher.Stats()
	if stats.SinkPanics != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestManagerAuditStatsCountsDeliveries(t *testing.T) {
	sink := &countingSink{}
	f := buildAuditTestManager(t, sink, true)

	if _, err := f.m.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	f.m.Close()

	stats := f.m.AuditStats()
	if stats.Delivered == 0 || stats.Delivered != uint64(sink.Count()) {
		t.Fatalf("expected delivered count to match sink, got %+v and %d", stats, sink.Count())
	}

	var disabled *Manager
	if disabled.AuditStats() != (AuditStats{}) {
		t.Fatal("expected zero stats for nil manager")
	}
}
