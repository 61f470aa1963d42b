package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	csrfprom "github.com/lingaplink/csrfkit/metrics/export/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCommand(opts *Options) *cobra.Command {
	var (
		interval     time.Duration
		metricsAddr  string
		logoutOnExit bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session's CSRF token fresh until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := opts.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, cleanup, err := opts.NewManager(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := m.GetToken(ctx); err != nil {
				log.Warn("initial csrf token unavailable", zap.Error(err))
			}
			m.StartBackgroundSweep(interval)
			log.Info("watching csrf token", zap.Duration("interval", interval), zap.Stringer("state", m.State()))

			var srv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", csrfprom.NewCollector(m).Handler())
				srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server failed", zap.Error(err))
					}
				}()
			}

			<-ctx.Done()
			log.Info("stopping csrf watch", zap.Stringer("state", m.State()))

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			if logoutOnExit {
				return m.Logout(context.Background())
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "Sweep interval.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address.")
	cmd.Flags().BoolVar(&logoutOnExit, "logout-on-exit", false, "Clear the token and store on exit.")
	return cmd
}
