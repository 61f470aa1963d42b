package csrfkit

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// IsProtectedMethod reports whether requests with method must carry a CSRF token.
func IsProtectedMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// AttachToHeaders returns a copy of h with the token set under the current header name.
// It fails open: when no token can be obtained, h is returned unchanged and the failure is
// logged. h itself is never modified.
func (m *Manager) AttachToHeaders(ctx context.Context, h http.Header) http.Header {
	rec, err := m.tokenRecord(ctx)
	if err != nil {
		m.attachSkipped(ctx, "header", err)
		return h
	}
	return withTokenHeader(h, rec)
}

// AttachToBody returns a copy of body with the token under the configured body field. It
// fails open like AttachToHeaders. A nil body yields a map holding only the token.
func (m *Manager) AttachToBody(ctx context.Context, body map[string]any) map[string]any {
	rec, err := m.tokenRecord(ctx)
	if err != nil {
		m.attachSkipped(ctx, "body", err)
		return body
	}
	return withTokenField(body, m.config.Token.BodyField, rec.Token)
}

// SecureRequest prepares a request for method. Safe methods pass through untouched. For
// POST, PUT, PATCH, and DELETE the token is set as a header, and also written into body
// when body is JSON-shaped: a map[string]any, or a json.RawMessage or []byte holding a
// JSON object. Other bodies are returned as given. Never fails; see AttachToHeaders.
func (m *Manager) SecureRequest(ctx context.Context, method string, h http.Header, body any) (http.Header, any) {
	if !IsProtectedMethod(method) {
		return h, body
	}
	rec, err := m.tokenRecord(ctx)
	if err != nil {
		m.attachSkipped(ctx, "request", err)
		return h, body
	}
	return withTokenHeader(h, rec), withTokenBody(body, m.config.Token.BodyField, rec.Token)
}

func (m *Manager) attachSkipped(ctx context.Context, target string, err error) {
	if m == nil {
		return
	}
	m.metricInc(MetricAttachSkipped)
	m.log.Warn("csrf token unavailable, sending request without it",
		zap.String("target", target),
		zap.Error(err),
	)
	m.emitAudit(ctx, AuditAttachSkipped, false, nil, err, map[string]string{"target": target})
}

func withTokenHeader(h http.Header, rec *TokenRecord) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header, 1)
	}
	out.Set(rec.HeaderName, rec.Token)
	return out
}

func withTokenField(body map[string]any, field, token string) map[string]any {
	out := maps.Clone(body)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[field] = token
	return out
}

func withTokenBody(body any, field, token string) any {
	switch b := body.(type) {
	case map[string]any:
		return withTokenField(b, field, token)
	case json.RawMessage:
		if out, ok := withJSONField(b, field, token); ok {
			return json.RawMessage(out)
		}
	case []byte:
		if out, ok := withJSONField(b, field, token); ok {
			return out
		}
	}
	return body
}

func withJSONField(raw []byte, field, token string) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	value, err := json.Marshal(token)
	if err != nil {
		return nil, false
	}
	obj[field] = value
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}
