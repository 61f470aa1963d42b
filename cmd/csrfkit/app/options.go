package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lingaplink/csrfkit"
	"github.com/lingaplink/csrfkit/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
)

// Options are the settings shared by every subcommand. Each field can come from a flag,
// a CSRFKIT_* environment variable, or the config file.
type Options struct {
	BaseURL          string        `mapstructure:"base-url"`
	Bearer           string        `mapstructure:"bearer"`
	RedisAddr        string        `mapstructure:"redis-addr"`
	RedisPrefix      string        `mapstructure:"redis-prefix"`
	SessionID        string        `mapstructure:"session-id"`
	RefreshThreshold time.Duration `mapstructure:"refresh-threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	RateLimit        float64       `mapstructure:"rate-limit"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFormat        string        `mapstructure:"log-format"`
}

func NewOptions() *Options {
	defaults := csrfkit.DefaultConfig()
	return &Options{
		RedisPrefix:      store.DefaultRedisPrefix,
		SessionID:        "default",
		RefreshThreshold: defaults.Token.RefreshThreshold,
		Timeout:          defaults.Endpoint.Timeout,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.BaseURL, "base-url", o.BaseURL, "Origin serving the CSRF token endpoints.")
	fs.StringVar(&o.Bearer, "bearer", o.Bearer, "Session credential sent as a bearer token.")
	fs.StringVar(&o.RedisAddr, "redis-addr", o.RedisAddr, "Redis address for token persistence. Empty keeps the token in memory.")
	fs.StringVar(&o.RedisPrefix, "redis-prefix", o.RedisPrefix, "Redis key prefix.")
	fs.StringVar(&o.SessionID, "session-id", o.SessionID, "Session identifier used in the Redis key.")
	fs.DurationVar(&o.RefreshThreshold, "refresh-threshold", o.RefreshThreshold, "Remaining lifetime at which the token is refreshed.")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Timeout for one fetch or refresh.")
	fs.IntVar(&o.Retries, "retries", o.Retries, "Retries on connection errors.")
	fs.Float64Var(&o.RateLimit, "rate-limit", o.RateLimit, "Endpoint calls per second, 0 for unlimited.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error.")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "Log format: console or json.")
}

func (o *Options) Validate() error {
	if strings.TrimSpace(o.BaseURL) == "" {
		return errors.New("--base-url is required")
	}
	if o.RedisAddr != "" && strings.TrimSpace(o.SessionID) == "" {
		return errors.New("--session-id is required with --redis-addr")
	}
	switch o.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", o.LogFormat)
	}
	if _, err := zapcore.ParseLevel(o.LogLevel); err != nil {
		return err
	}
	return nil
}

// Config converts the options into a manager configuration.
func (o *Options) Config() csrfkit.Config {
	cfg := csrfkit.DefaultConfig()
	cfg.Endpoint.BaseURL = o.BaseURL
	cfg.Endpoint.Timeout = o.Timeout
	cfg.Endpoint.MaxRetries = o.Retries
	cfg.Endpoint.RateLimit = o.RateLimit
	cfg.Token.RefreshThreshold = o.RefreshThreshold
	return cfg
}

// NewLogger builds the process logger.
func (o *Options) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if o.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// NewManager builds a manager from the options and restores any persisted token. The
// returned cleanup closes the manager and the Redis client.
func (o *Options) NewManager(ctx context.Context, log *zap.Logger) (*csrfkit.Manager, func(), error) {
	b := csrfkit.New().
		WithConfig(o.Config()).
		WithLogger(log)

	closers := []func(){}
	if o.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{o.RedisAddr}})
		closers = append(closers, func() { _ = client.Close() })
		b = b.WithStore(store.NewRedis(client, o.RedisPrefix, o.SessionID))
	}
	if o.Bearer != "" {
		b = b.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.Bearer}))
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	m, err := b.Build()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := m.LoadFromStore(ctx); err != nil {
		log.Warn("persisted csrf token not restored", zap.Error(err))
	}
	return m, func() {
		m.Close()
		cleanup()
	}, nil
}
