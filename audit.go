package csrfkit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lifecycle audit event types.
const (
	AuditTokenFetched     = "csrf_token_fetched"
	AuditTokenRotated     = "csrf_token_rotated"
	AuditTokenKept        = "csrf_token_kept"
	AuditRefreshFallback  = "csrf_refresh_fallback"
	AuditAuthRequired     = "csrf_auth_required"
	AuditTokenRestored    = "csrf_token_restored"
	AuditTokenEvicted     = "csrf_token_evicted"
	AuditPersistFailed    = "csrf_persist_failed"
	AuditAttachSkipped    = "csrf_attach_skipped"
	AuditLogout           = "csrf_logout"
	AuditFlightDetached   = "csrf_flight_detached"
	AuditFetchFailed      = "csrf_fetch_failed"
	AuditSweepRefreshFail = "csrf_sweep_refresh_failed"
)

// AuditEvent describes one token lifecycle transition. Token values are never included.
type AuditEvent struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	HeaderName string            `json:"header_name,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZapSink logs events at info, failures at warn.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

func (s *ZapSink) Emit(_ context.Context, event AuditEvent) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Time("timestamp", event.Timestamp),
		zap.Bool("success", event.Success),
	}
	if event.HeaderName != "" {
		fields = append(fields, zap.String("header_name", event.HeaderName))
	}
	if event.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *event.ExpiresAt))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	if event.Success {
		s.log.Info("csrf audit", fields...)
		return
	}
	s.log.Warn("csrf audit", fields...)
}
