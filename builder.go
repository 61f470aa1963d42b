package csrfkit

import (
	"errors"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/lingaplink/csrfkit/internal/endpoint"
	"github.com/lingaplink/csrfkit/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"
)

// Builder assembles a Manager. A Builder is single-use: Build may succeed once.
type Builder struct {
	config Config

	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	store       store.Store
	clock       clock.WithTicker
	logger      *zap.Logger
	auditSink   AuditSink

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithBaseURL sets the origin the token endpoints are resolved against.
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.Endpoint.BaseURL = baseURL
	return b
}

// WithHTTPClient sets the client used for endpoint calls. It must carry the session
// credential (cookie jar or authenticating transport). Defaults to a pooled cleanhttp client.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithTokenSource wraps the HTTP client's transport so every endpoint call carries the
// bearer credential from ts.
func (b *Builder) WithTokenSource(ts oauth2.TokenSource) *Builder {
	b.tokenSource = ts
	return b
}

// WithStore sets the persistent store. Defaults to an in-process store.Memory.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithClock sets the time source for expiry checks and the sweep ticker.
func (b *Builder) WithClock(c clock.WithTicker) *Builder {
	b.clock = c
	return b
}

// WithLogger sets the logger. Manager logs are named "csrf". Defaults to zap.NewNop.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.logger = log
	return b
}

// WithAuditSink sets the audit sink and enables audit dispatch.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

// WithMetricsEnabled turns the in-process lifecycle counters on or off.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms records endpoint round-trip latency. Requires metrics enabled.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready Manager. No I/O is performed; call
// LoadFromStore to restore a persisted token. When Sweep.Enabled is set the background
// sweep is started.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("csrf")

	hc := b.httpClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
	}
	if b.tokenSource != nil {
		wrapped := *hc
		wrapped.Transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, b.tokenSource),
			Base:   hc.Transport,
		}
		hc = &wrapped
	}

	client, err := endpoint.New(endpoint.Options{
		BaseURL:          cfg.Endpoint.BaseURL,
		FetchPath:        cfg.Endpoint.FetchPath,
		RefreshPath:      cfg.Endpoint.RefreshPath,
		BodyField:        cfg.Token.BodyField,
		HTTPClient:       hc,
		MaxRetries:       cfg.Endpoint.MaxRetries,
		RetryWaitMin:     cfg.Endpoint.RetryWaitMin,
		RetryWaitMax:     cfg.Endpoint.RetryWaitMax,
		RateLimit:        cfg.Endpoint.RateLimit,
		RateBurst:        cfg.Endpoint.RateBurst,
		MaxResponseBytes: cfg.Endpoint.MaxResponseBytes,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	st := b.store
	if st == nil {
		st = store.NewMemory()
	}
	clk := b.clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &Manager{
		config:     cfg,
		client:     client,
		store:      st,
		clock:      clk,
		log:        log,
		metrics:    NewMetrics(cfg.Metrics),
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		headerName: cfg.Token.DefaultHeaderName,
		cookieName: cfg.Token.DefaultCookieName,
	}

	b.built = true

	if cfg.Sweep.Enabled {
		m.StartBackgroundSweep(cfg.Sweep.Interval)
	}
	return m, nil
}
