package csrfkit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Sweep is a running background refresh loop.
type Sweep struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends the loop and waits for it to exit. An in-flight refresh started by the sweep
// keeps running for its other waiters. Safe to call more than once.
func (s *Sweep) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once the loop has exited.
func (s *Sweep) Done() <-chan struct{} {
	return s.done
}

// StartBackgroundSweep checks the token every interval and refreshes it once it is nearing
// expiry. Empty or expired tokens are left for the next GetToken. A previously started sweep
// is stopped first. interval <= 0 uses the configured Sweep.Interval.
func (m *Manager) StartBackgroundSweep(interval time.Duration) *Sweep {
	if m == nil {
		return nil
	}
	if interval <= 0 {
		interval = m.config.Sweep.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweep{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.sweepMu.Lock()
	prev := m.sweep
	m.sweep = s
	m.sweepMu.Unlock()
	prev.Stop()

	ticker := m.clock.NewTicker(interval)
	go m.runSweep(ctx, s, ticker)
	return s
}

// StopBackgroundSweep stops the running sweep, if any.
func (m *Manager) StopBackgroundSweep() {
	if m == nil {
		return
	}
	m.sweepMu.Lock()
	s := m.sweep
	m.sweep = nil
	m.sweepMu.Unlock()
	s.Stop()
}

func (m *Manager) runSweep(ctx context.Context, s *Sweep, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.metricInc(MetricSweepTick)
	if m.State() != StateNearingExpiry {
		return
	}
	m.metricInc(MetricSweepRefresh)
	if _, err := m.acquire(ctx, opRefresh); err != nil && ctx.Err() == nil {
		m.log.Warn("csrf background refresh failed", zap.Error(err))
		m.emitAudit(ctx, AuditSweepRefreshFail, false, nil, err, nil)
	}
}
