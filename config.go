package csrfkit

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Fallback names used until the server supplies its own.
const (
	DefaultHeaderName = "x-csrf-token"
	DefaultCookieName = "__csrf_token"
	DefaultBodyField  = "_csrf"
)

// Config holds every tunable of a [Manager]. Build copies it; later mutation has no effect.
type Config struct {
	Endpoint EndpointConfig
	Token    TokenConfig
	Sweep    SweepConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
ENDPOINT CONFIG
====================================
*/

// EndpointConfig locates the token-issuing endpoints and bounds calls to them.
type EndpointConfig struct {
	BaseURL     string
	FetchPath   string
	RefreshPath string
	// Timeout bounds one shared fetch/refresh operation, including the refresh fallback.
	Timeout time.Duration
	// MaxRetries applies to connection failures only; HTTP statuses are never retried.
	MaxRetries       int
	RetryWaitMin     time.Duration
	RetryWaitMax     time.Duration
	RateLimit        float64 // calls per second, 0 = unlimited
	RateBurst        int
	MaxResponseBytes int64
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls freshness and where the token is attached.
type TokenConfig struct {
	// RefreshThreshold is the remaining lifetime below which a token is refreshed.
	RefreshThreshold  time.Duration
	DefaultHeaderName string
	DefaultCookieName string
	BodyField         string
}

/*
====================================
SWEEP CONFIG
====================================
*/

// SweepConfig controls the background refresh sweep.
type SweepConfig struct {
	Interval time.Duration
	// Enabled starts a sweep at Build.
	Enabled bool
}

// AuditConfig controls lifecycle audit event dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters and histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the production defaults. Endpoint.BaseURL must still be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Endpoint: EndpointConfig{
			FetchPath:        "/api/auth/csrf-token",
			RefreshPath:      "/api/auth/csrf-token/refresh",
			Timeout:          10 * time.Second,
			MaxRetries:       0,
			RetryWaitMin:     200 * time.Millisecond,
			RetryWaitMax:     2 * time.Second,
			RateBurst:        1,
			MaxResponseBytes: 64 << 10,
		},
		Token: TokenConfig{
			RefreshThreshold:  5 * time.Minute,
			DefaultHeaderName: DefaultHeaderName,
			DefaultCookieName: DefaultCookieName,
			BodyField:         DefaultBodyField,
		},
		Sweep: SweepConfig{
			Interval: time.Minute,
			Enabled:  false,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 64,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Endpoint
	base := strings.TrimSpace(c.Endpoint.BaseURL)
	if base == "" {
		return errors.New("Endpoint BaseURL required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("Endpoint BaseURL must be an absolute http(s) url")
	}
	if !strings.HasPrefix(c.Endpoint.FetchPath, "/") {
		return errors.New("Endpoint FetchPath must start with /")
	}
	if !strings.HasPrefix(c.Endpoint.RefreshPath, "/") {
		return errors.New("Endpoint RefreshPath must start with /")
	}
	if c.Endpoint.Timeout <= 0 {
		return errors.New("Endpoint Timeout must be > 0")
	}
	if c.Endpoint.MaxRetries < 0 || c.Endpoint.MaxRetries > 10 {
		return errors.New("Endpoint MaxRetries must be within [0,10]")
	}
	if c.Endpoint.RetryWaitMin < 0 || c.Endpoint.RetryWaitMax < c.Endpoint.RetryWaitMin {
		return errors.New("Endpoint retry waits must satisfy 0 <= RetryWaitMin <= RetryWaitMax")
	}
	if c.Endpoint.RateLimit < 0 {
		return errors.New("Endpoint RateLimit must be >= 0")
	}
	if c.Endpoint.RateLimit > 0 && c.Endpoint.RateBurst <= 0 {
		return errors.New("Endpoint RateBurst must be > 0 when RateLimit is set")
	}
	if c.Endpoint.MaxResponseBytes <= 0 {
		return errors.New("Endpoint MaxResponseBytes must be > 0")
	}

	// Token
	if c.Token.RefreshThreshold < 0 {
		return errors.New("Token RefreshThreshold must be >= 0")
	}
	if strings.TrimSpace(c.Token.DefaultHeaderName) == "" {
		return errors.New("Token DefaultHeaderName required")
	}
	if strings.TrimSpace(c.Token.DefaultCookieName) == "" {
		return errors.New("Token DefaultCookieName required")
	}
	if strings.TrimSpace(c.Token.BodyField) == "" {
		return errors.New("Token BodyField required")
	}

	// Sweep
	if c.Sweep.Interval <= 0 {
		return errors.New("Sweep Interval must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
