// Package transport applies CSRF protection to outgoing requests as an http.RoundTripper.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/lingaplink/csrfkit"
)

// Securer prepares a request for sending. *csrfkit.Manager implements it.
type Securer interface {
	SecureRequest(ctx context.Context, method string, h http.Header, body any) (http.Header, any)
}

var _ Securer = (*csrfkit.Manager)(nil)

// Transport sets the CSRF header on POST, PUT, PATCH, and DELETE requests and adds the token
// field to JSON object bodies. Requests go out unchanged when no token is available.
//
// Do not install Transport on the client the Manager itself uses for the token endpoints.
type Transport struct {
	Securer Securer
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// New wraps base.
func New(s Securer, base http.RoundTripper) *Transport {
	return &Transport{Securer: s, Base: base}
}

// Client returns a copy of c whose transport is wrapped.
func Client(s Securer, c *http.Client) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	out := *c
	out.Transport = New(s, c.Transport)
	return &out
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base()
	if t.Securer == nil || !csrfkit.IsProtectedMethod(req.Method) {
		return base.RoundTrip(req)
	}

	var body any
	var raw []byte
	if req.Body != nil && req.Body != http.NoBody && isJSON(req.Header.Get("Content-Type")) {
		var err error
		raw, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = json.RawMessage(raw)
	}

	h, secured := t.Securer.SecureRequest(req.Context(), req.Method, req.Header, body)

	out := req.Clone(req.Context())
	out.Header = h
	if body != nil {
		payload := raw
		if b, ok := secured.(json.RawMessage); ok {
			payload = b
		}
		out.Body = io.NopCloser(bytes.NewReader(payload))
		out.ContentLength = int64(len(payload))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	return base.RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
