package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Checker is anything that can tell whether the activity service answers.
type Checker interface {
	Healthy(ctx context.Context) error
}

// Prober polls a Checker and reports reachability to a Monitor.
type Prober struct {
	checker  Checker
	interval time.Duration
	logger   *slog.Logger
}

// NewProber builds a Prober polling every interval.
func NewProber(checker Checker, interval time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{checker: checker, interval: interval, logger: logger}
}

// Run probes immediately and then on every interval until ctx ends.
func (p *Prober) Run(ctx context.Context, m *Monitor) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		err := p.checker.Healthy(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Debug("health probe failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		m.SetReachable(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
