package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/logging"
)

func TestMonitorFiresOnlyOnRestoredEdges(t *testing.T) {
	var restored atomic.Int32
	m := NewMonitor(func() { restored.Add(1) }, logging.Discard())

	require.Equal(t, State{Reachable: true}, m.Current())

	m.Observe(State{Reachable: false})
	m.Observe(State{Reachable: true})
	m.Observe(State{Reachable: true})
	m.Observe(State{Reachable: true, Metered: true})
	m.Observe(State{Reachable: false})
	m.Observe(State{Reachable: true})

	require.EqualValues(t, 2, restored.Load())
	require.Equal(t, State{Reachable: true}, m.Current())
}

func TestMonitorFirstReachableObservationIsAnEdge(t *testing.T) {
	var restored atomic.Int32
	m := NewMonitor(func() { restored.Add(1) }, logging.Discard())
	m.Observe(State{Reachable: true, LowPower: true})
	require.EqualValues(t, 1, restored.Load())
	require.True(t, m.Current().Constrained())
}

func TestSetReachableKeepsFlags(t *testing.T) {
	m := NewMonitor(nil, logging.Discard())
	m.Observe(State{Reachable: true, Metered: true})
	m.SetReachable(false)
	require.Equal(t, State{Reachable: false, Metered: true}, m.Current())
}

func TestSetReachableNeverDropsConcurrentConditions(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := NewMonitor(nil, logging.Discard())
		m.Observe(State{Reachable: true})

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					m.SetReachable(true)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.Observe(State{Reachable: true, Metered: true, LowPower: true})
		}()
		close(start)
		wg.Wait()

		require.Equal(t, State{Reachable: true, Metered: true, LowPower: true}, m.Current(), "round %d", round)
	}
}

func TestRestoredCallbackMayReadMonitor(t *testing.T) {
	var m *Monitor
	seen := make(chan State, 1)
	m = NewMonitor(func() { seen <- m.Current() }, logging.Discard())

	m.Observe(State{Reachable: false, Metered: true})
	m.SetReachable(true)
	require.Equal(t, State{Reachable: true, Metered: true}, <-seen)
}

func TestMonitorConsume(t *testing.T) {
	var restored atomic.Int32
	m := NewMonitor(func() { restored.Add(1) }, logging.Discard())
	ch := make(chan State, 3)
	ch <- State{}
	ch <- State{Reachable: true}
	close(ch)

	m.Consume(context.Background(), ch)
	require.EqualValues(t, 1, restored.Load())
}

type flakyChecker struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) bool
}

func (c *flakyChecker) Healthy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail(c.calls) {
		return errors.New("connection refused")
	}
	return nil
}

func TestProberReportsReachabilityEdges(t *testing.T) {
	var restored atomic.Int32
	m := NewMonitor(func() { restored.Add(1) }, logging.Discard())
	checker := &flakyChecker{fail: func(call int) bool { return call <= 2 }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewProber(checker, 5*time.Millisecond, logging.Discard()).Run(ctx, m)

	require.Eventually(t, func() bool { return restored.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.Current().Reachable)
}

func TestFileWatcherFollowsStateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.json")
	require.NoError(t, WriteStateFile(path, State{Reachable: false}))

	var restored atomic.Int32
	m := NewMonitor(func() { restored.Add(1) }, logging.Discard())

	w, err := NewFileWatcher(path, logging.Discard())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, m)

	require.Eventually(t, func() bool { return !m.Current().Reachable }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, WriteStateFile(path, State{Reachable: true, Metered: true}))
	require.Eventually(t, func() bool { return m.Current() == State{Reachable: true, Metered: true} }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, restored.Load())

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !m.Current().Reachable }, 2*time.Second, 5*time.Millisecond)
}

func TestReadStateFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := ReadStateFile(path)
	require.Error(t, err)
}
