package session

import (
	"context"
	"time"
)

// Start runs the expiry sweep every SweepInterval. Blocks until ctx is
// cancelled. A failed sweep is logged and retried on the next tick.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("session sweeper started", "interval", m.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	n, err := m.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("session sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		m.logger.Info("expired sessions swept", "count", n)
	}
}
