package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lingaplink/csrfkit"
	"github.com/lingaplink/csrfkit/issuer"
	"github.com/lingaplink/csrfkit/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type loadtestOptions struct {
	concurrency int
	ops         int
	tokenTTL    time.Duration
	threshold   time.Duration
}

func newLoadtestCommand(opts *Options) *cobra.Command {
	lt := loadtestOptions{
		concurrency: 256,
		ops:         200000,
		tokenTTL:    5 * time.Second,
		threshold:   2 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Hammer GetToken against an in-process issuer",
		Long: `Starts an in-process token issuer and a Redis store (miniredis unless --redis-addr is
set), then runs a cold-start phase where every worker asks for a token at once and a steady
phase long enough for tokens to rotate. Reports latency percentiles and how many tokens the
issuer had to mint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lt.concurrency <= 0 || lt.ops <= 0 {
				return errors.New("concurrency and ops must be > 0")
			}
			if lt.threshold <= 0 || lt.threshold >= lt.tokenTTL {
				return errors.New("threshold must be within (0, token-ttl)")
			}
			return runLoadtest(cmd.Context(), cmd.OutOrStdout(), opts, lt)
		},
	}

	cmd.Flags().IntVar(&lt.concurrency, "concurrency", lt.concurrency, "Number of concurrent workers.")
	cmd.Flags().IntVar(&lt.ops, "ops", lt.ops, "GetToken calls in the steady phase.")
	cmd.Flags().DurationVar(&lt.tokenTTL, "token-ttl", lt.tokenTTL, "Lifetime of issued tokens.")
	cmd.Flags().DurationVar(&lt.threshold, "threshold", lt.threshold, "Refresh threshold, also the issuer's rotation window.")
	return cmd
}

func runLoadtest(ctx context.Context, w io.Writer, opts *Options, lt loadtestOptions) error {
	iss, err := issuer.New(issuer.Config{
		SigningKey:   []byte("csrfkit-loadtest-signing-key-0123456789"),
		TTL:          lt.tokenTTL,
		RotateWithin: lt.threshold,
	}, issuer.BearerSubject)
	if err != nil {
		return err
	}
	srv := httptest.NewServer(iss.Handler())
	defer srv.Close()

	addr := opts.RedisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(w, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(w, "using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := csrfkit.DefaultConfig()
	cfg.Endpoint.BaseURL = srv.URL
	cfg.Token.RefreshThreshold = lt.threshold
	cfg.Metrics.EnableLatencyHistograms = true

	m, err := csrfkit.New().
		WithConfig(cfg).
		WithHTTPClient(srv.Client()).
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "loadtest"})).
		WithStore(store.NewRedis(client, opts.RedisPrefix, "loadtest")).
		WithLogger(zap.NewNop()).
		Build()
	if err != nil {
		return err
	}
	defer m.Close()

	cold := runPhase(ctx, m, lt.concurrency, lt.concurrency)
	coldIssued := iss.Stats().Issued
	steady := runPhase(ctx, m, lt.ops, lt.concurrency)

	fmt.Fprintln(w, "---- results ----")
	printStats(w, "cold", cold)
	fmt.Fprintf(w, "cold: tokens issued=%d\n", coldIssued)
	printStats(w, "steady", steady)

	stats := iss.Stats()
	snap := m.MetricsSnapshot()
	fmt.Fprintf(w, "issuer: issued=%d rotated=%d kept=%d rejected=%d\n", stats.Issued, stats.Rotated, stats.Kept, stats.Rejected)
	fmt.Fprintf(w, "manager: cache_hits=%d shared=%d fetches=%d rotations=%d fallbacks=%d\n",
		snap.Counters[csrfkit.MetricCacheHit],
		snap.Counters[csrfkit.MetricFlightShared],
		snap.Counters[csrfkit.MetricFetchSuccess],
		snap.Counters[csrfkit.MetricRefreshRotated],
		snap.Counters[csrfkit.MetricRefreshFallback],
	)
	return m.Logout(ctx)
}

func runPhase(ctx context.Context, m *csrfkit.Manager, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
		start     = make(chan struct{})
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				if atomic.AddInt64(&cursor, 1) > int64(ops) {
					return
				}
				t0 := time.Now()
				_, err := m.GetToken(ctx)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}

	begin := time.Now()
	close(start)
	wg.Wait()
	return computeStats(time.Since(begin), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(w io.Writer, name string, s phaseStats) {
	fmt.Fprintf(w, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
