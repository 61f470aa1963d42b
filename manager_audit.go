package csrfkit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// AuditErrorCode is the stable error classification carried by failed audit events.
type AuditErrorCode string

const (
	auditErrAuthRequired   AuditErrorCode = "auth_required"
	auditErrNetwork        AuditErrorCode = "network"
	auditErrTokenFetch     AuditErrorCode = "token_fetch"
	auditErrSessionCleared AuditErrorCode = "session_cleared"
	auditErrCanceled       AuditErrorCode = "canceled"
	auditErrInternal       AuditErrorCode = "internal_error"
)

func (m *Manager) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	rec *TokenRecord,
	err error,
	metadata map[string]string,
) {
	if m == nil || m.audit == nil {
		return
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: m.clock.Now().UTC(),
		EventType: eventType,
		Success:   success,
		Metadata:  metadata,
	}
	if rec != nil {
		event.HeaderName = rec.HeaderName
		expiresAt := rec.ExpiresAt.UTC()
		event.ExpiresAt = &expiresAt
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	m.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrAuthRequired):
		return auditErrAuthRequired
	case errors.Is(err, ErrNetwork):
		return auditErrNetwork
	case errors.Is(err, ErrTokenFetch):
		return auditErrTokenFetch
	case errors.Is(err, ErrSessionCleared):
		return auditErrSessionCleared
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	default:
		return auditErrInternal
	}
}
