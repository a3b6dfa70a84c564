// Package connectivity turns raw network observations into the edges and conditions the
// sync dispatcher reacts to.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// State is one observation of the device's network conditions.
type State struct {
	Reachable bool `json:"reachable"`
	Metered   bool `json:"metered"`
	LowPower  bool `json:"low_power"`
}

// Constrained reports whether the conditions forbid automatic syncing when unmetered
// networks are required.
func (s State) Constrained() bool {
	return s.Metered || s.LowPower
}

// Monitor tracks the latest State and fires onRestored on every unreachable to reachable edge.
type Monitor struct {
	mu         sync.RWMutex
	current    State
	known      bool
	onRestored func()
	logger     *slog.Logger
}

// NewMonitor builds a Monitor. onRestored may be nil.
func NewMonitor(onRestored func(), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{onRestored: onRestored, logger: logger}
}

// Observe records a new State. The very first observation counts as an edge when reachable,
// so an agent started online syncs straight away.
func (m *Monitor) Observe(s State) {
	m.update(func(State) State { return s })
}

// SetReachable records a reachability observation, keeping the last known metered and
// low-power flags.
func (m *Monitor) SetReachable(reachable bool) {
	m.update(func(prev State) State {
		prev.Reachable = reachable
		return prev
	})
}

// update applies next to the current State under one lock and fires onRestored after
// unlocking.
func (m *Monitor) update(next func(prev State) State) {
	m.mu.Lock()
	prev, known := m.current, m.known
	s := next(prev)
	m.current, m.known = s, true
	m.mu.Unlock()

	if known && prev == s {
		return
	}
	m.logger.Debug("connectivity changed", "reachable", s.Reachable, "metered", s.Metered, "low_power", s.LowPower)
	if s.Reachable && (!known || !prev.Reachable) && m.onRestored != nil {
		m.onRestored()
	}
}

// Current returns the latest State. Before any observation the device is assumed reachable
// and unconstrained.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.known {
		return State{Reachable: true}
	}
	return m.current
}

// Consume feeds every State from ch into the monitor until ch closes or ctx ends.
func (m *Monitor) Consume(ctx context.Context, ch <-chan State) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(s)
		}
	}
}
