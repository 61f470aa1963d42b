package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	opFetch   = "fetch"
	opRefresh = "refresh"

	defaultMaxResponseBytes = 64 << 10
)

// Options configures a [Client].
type Options struct {
	BaseURL     string
	FetchPath   string
	RefreshPath string
	// BodyField is the JSON body field carrying the current token on refresh.
	BodyField string

	// HTTPClient is the outbound pipeline. It is responsible for attaching the caller's
	// credential; a pooled cleanhttp client is used when nil.
	HTTPClient *http.Client

	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RateLimit caps endpoint calls per second; zero disables the limiter.
	RateLimit float64
	RateBurst int

	MaxResponseBytes int64

	Logger *zap.Logger
}

// Response is the decoded token endpoint payload.
type Response struct {
	Success    bool   `json:"success"`
	CSRFToken  string `json:"csrfToken"`
	Expiry     int64  `json:"expiry"`
	HeaderName string `json:"headerName"`
	CookieName string `json:"cookieName"`
	Rotated    bool   `json:"rotated"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// ExpiresAt converts the epoch-millisecond expiry.
func (r *Response) ExpiresAt() time.Time {
	return time.UnixMilli(r.Expiry)
}

// Client calls the fetch and refresh endpoints.
type Client struct {
	http       *retryablehttp.Client
	fetchURL   string
	refreshURL string
	bodyField  string
	limiter    *rate.Limiter
	maxBody    int64
}

// New validates the options and builds a [Client].
func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("endpoint base url required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("endpoint base url must be http or https")
	}
	fetchURL, err := url.JoinPath(base, opts.FetchPath)
	if err != nil {
		return nil, err
	}
	refreshURL, err := url.JoinPath(base, opts.RefreshPath)
	if err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := &retryablehttp.Client{
		HTTPClient:   hc,
		RetryWaitMin: opts.RetryWaitMin,
		RetryWaitMax: opts.RetryWaitMax,
		RetryMax:     opts.MaxRetries,
		Backoff:      retryablehttp.DefaultBackoff,
		CheckRetry:   retryConnectionErrors,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		Logger:       leveledLogger{s: logger.Named("endpoint").Sugar()},
	}
	if rc.RetryWaitMin <= 0 {
		rc.RetryWaitMin = 100 * time.Millisecond
	}
	if rc.RetryWaitMax < rc.RetryWaitMin {
		rc.RetryWaitMax = rc.RetryWaitMin
	}

	c := &Client{
		http:       rc,
		fetchURL:   fetchURL,
		refreshURL: refreshURL,
		bodyField:  opts.BodyField,
		maxBody:    opts.MaxResponseBytes,
	}
	if c.bodyField == "" {
		c.bodyField = "_csrf"
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxResponseBytes
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// retryConnectionErrors retries only when no response arrived. Status codes are never
// retried here: the Manager owns the refresh-to-fetch fallback.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Fetch requests a new token.
func (c *Client) Fetch(ctx context.Context) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.fetchURL, nil)
	if err != nil {
		return nil, &Error{Op: opFetch, Kind: ErrTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	out, err := c.do(ctx, opFetch, req)
	if err != nil {
		return nil, err
	}
	if out.CSRFToken == "" || out.Expiry <= 0 {
		return nil, &Error{Op: opFetch, Kind: ErrMalformed, StatusCode: http.StatusOK, Message: "missing csrfToken or expiry"}
	}
	return out, nil
}

// Refresh asks the server to validate token and rotate it if needed. The token is sent in
// headerName and in the JSON body (double-submit). An empty token sends neither.
func (c *Client) Refresh(ctx context.Context, token, headerName string) (*Response, error) {
	body := map[string]string{}
	if token != "" {
		body[c.bodyField] = token
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: opRefresh, Kind: ErrTransport, Err: err}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, payload)
	if err != nil {
		return nil, &Error{Op: opRefresh, Kind: ErrTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != "" && headerName != "" {
		req.Header.Set(headerName, token)
	}

	out, err := c.do(ctx, opRefresh, req)
	if err != nil {
		return nil, err
	}
	if out.Rotated && (out.CSRFToken == "" || out.Expiry <= 0) {
		return nil, &Error{Op: opRefresh, Kind: ErrMalformed, StatusCode: http.StatusOK, Message: "rotated without csrfToken or expiry"}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op string, req *retryablehttp.Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: op, Kind: ErrTransport, Err: err}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, &Error{Op: op, Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrTransport, StatusCode: resp.StatusCode, Err: err}
	}

	var out Response
	decodeErr := json.Unmarshal(bytes.TrimSpace(raw), &out)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Op: op, Kind: ErrUnauthorized, StatusCode: resp.StatusCode, Message: serverMessage(&out, resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &Error{Op: op, Kind: ErrRejected, StatusCode: resp.StatusCode, Message: serverMessage(&out, resp.StatusCode)}
	case decodeErr != nil:
		return nil, &Error{Op: op, Kind: ErrMalformed, StatusCode: resp.StatusCode, Message: "invalid json body", Err: decodeErr}
	case !out.Success:
		return nil, &Error{Op: op, Kind: ErrMalformed, StatusCode: resp.StatusCode, Message: serverMessage(&out, resp.StatusCode)}
	}
	return &out, nil
}

func serverMessage(r *Response, status int) string {
	if r.Message != "" {
		return r.Message
	}
	if r.Error != "" {
		return r.Error
	}
	if text := http.StatusText(status); text != "" && (status < 200 || status > 299) {
		return text
	}
	return "failed to get csrf token"
}
