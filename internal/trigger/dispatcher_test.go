package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/connectivity"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/syncengine"
)

type stubRunner struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	result  func(call int) (syncengine.Result, error)
}

func newStubRunner() *stubRunner {
	return &stubRunner{entered: make(chan struct{}, 16)}
}

func (r *stubRunner) Run(ctx context.Context, _ string) (syncengine.Result, error) {
	call := int(r.calls.Add(1))
	r.entered <- struct{}{}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return syncengine.Result{}, ctx.Err()
		}
	}
	if r.result != nil {
		return r.result(call)
	}
	return syncengine.Result{Succeeded: 1}, nil
}

type recordingClearer struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingClearer) DeleteAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "*")
	return nil
}

func (c *recordingClearer) DeleteAllForUser(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, userID)
	return nil
}

func (c *recordingClearer) cleared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fixedConditions connectivity.State

func (f fixedConditions) Current() connectivity.State { return connectivity.State(f) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var defaultConfig = Config{PeriodSeconds: 60, MaxBackoffSeconds: 600}

func waitEntered(t *testing.T, r *stubRunner) {
	t.Helper()
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not start")
	}
}

func TestConnectivityAndManualShareOnePass(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()))

	var (
		wg     sync.WaitGroup
		manual <-chan Outcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.OnConnectivityRestored()
	}()
	go func() {
		defer wg.Done()
		manual = d.OnManualRequest(context.Background())
	}()
	wg.Wait()

	waitEntered(t, runner)
	require.True(t, d.Running())
	require.Equal(t, ActionCoalesced, d.OnPeriodicTick())
	require.Equal(t, ActionCoalesced, d.OnConnectivityRestored())
	close(runner.release)

	out := <-manual
	require.NoError(t, out.Err)
	require.Equal(t, 1, out.Result.Succeeded)
	d.Wait()
	require.EqualValues(t, 1, runner.calls.Load())
	require.False(t, d.Running())
}

func TestManualJoinsRunningPass(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()))

	require.Equal(t, ActionStarted, d.OnConnectivityRestored())
	waitEntered(t, runner)

	manual := d.OnManualRequest(context.Background())
	close(runner.release)

	out := <-manual
	require.NoError(t, out.Err)
	require.True(t, out.Shared)
	require.Equal(t, 1, out.Result.Succeeded)
	d.Wait()
	require.EqualValues(t, 1, runner.calls.Load())
}

func TestManualSyncRunsWhenIdle(t *testing.T) {
	runner := newStubRunner()
	runner.result = func(int) (syncengine.Result, error) {
		return syncengine.Result{Succeeded: 2, Failed: 1}, nil
	}
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()))

	res, err := d.ManualSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)
}

func TestManualCallerCanStopWaiting(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	out := d.OnManualRequest(ctx)
	waitEntered(t, runner)
	cancel()
	require.ErrorIs(t, (<-out).Err, context.Canceled)

	require.True(t, d.Running())
	close(runner.release)
	require.Eventually(t, func() bool { return !d.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestPeriodicTicksBackOffAfterFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	failing := true
	runner := newStubRunner()
	runner.result = func(int) (syncengine.Result, error) {
		if failing {
			return syncengine.Result{Failed: 1}, nil
		}
		return syncengine.Result{Succeeded: 1}, nil
	}
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()), WithClock(clock.Now))

	require.Equal(t, ActionStarted, d.OnPeriodicTick())
	d.Wait()

	// First failure: one period.
	clock.Advance(30 * time.Second)
	require.Equal(t, ActionSkippedBackoff, d.OnPeriodicTick())
	clock.Advance(31 * time.Second)
	require.Equal(t, ActionStarted, d.OnPeriodicTick())
	d.Wait()

	// Second failure: doubled.
	clock.Advance(100 * time.Second)
	require.Equal(t, ActionSkippedBackoff, d.OnPeriodicTick())

	// Connectivity edges bypass the window; a clean pass resets it.
	failing = false
	require.Equal(t, ActionStarted, d.OnConnectivityRestored())
	d.Wait()
	require.Equal(t, ActionStarted, d.OnPeriodicTick())
	d.Wait()
	require.EqualValues(t, 4, runner.calls.Load())
}

func TestStorageErrorTriggersBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	runner := newStubRunner()
	runner.result = func(int) (syncengine.Result, error) {
		return syncengine.Result{Failed: 3}, errors.New("disk I/O error")
	}
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()), WithClock(clock.Now))

	res, err := d.ManualSync(context.Background())
	require.Error(t, err)
	require.Equal(t, 3, res.Failed)
	require.Equal(t, ActionSkippedBackoff, d.OnPeriodicTick())
}

func TestRequireUnmeteredSkipsAutomaticTriggers(t *testing.T) {
	runner := newStubRunner()
	metered := fixedConditions{Reachable: true, Metered: true}

	d := New(runner, &recordingClearer{}, "u1", Config{PeriodSeconds: 60, MaxBackoffSeconds: 60, RequireUnmetered: true},
		WithLogger(logging.Discard()), WithConditions(metered))
	require.Equal(t, ActionSkippedConditions, d.OnConnectivityRestored())
	require.Equal(t, ActionSkippedConditions, d.OnPeriodicTick())

	_, err := d.ManualSync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, runner.calls.Load())

	relaxed := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()), WithConditions(metered))
	require.Equal(t, ActionStarted, relaxed.OnConnectivityRestored())
	relaxed.Wait()
	require.EqualValues(t, 2, runner.calls.Load())
}

func TestNoActiveUser(t *testing.T) {
	runner := newStubRunner()
	d := New(runner, &recordingClearer{}, "", defaultConfig, WithLogger(logging.Discard()))

	require.Equal(t, ActionSkippedNoUser, d.OnConnectivityRestored())
	_, err := d.ManualSync(context.Background())
	require.ErrorIs(t, err, ErrNoUser)

	d.SetUser("u2")
	require.Equal(t, "u2", d.User())
	_, err = d.ManualSync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, runner.calls.Load())
}

func TestClearWaitsForRunningPass(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	clearer := &recordingClearer{}
	d := New(runner, clearer, "u1", defaultConfig, WithLogger(logging.Discard()))

	require.Equal(t, ActionStarted, d.OnConnectivityRestored())
	waitEntered(t, runner)

	done := make(chan error, 1)
	go func() { done <- d.ClearUser(context.Background(), "u1") }()

	require.Never(t, func() bool { return len(clearer.cleared()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(runner.release)
	require.NoError(t, <-done)
	require.NoError(t, d.ClearAll(context.Background()))
	require.Equal(t, []string{"u1", "*"}, clearer.cleared())
}

func TestExclusiveHonoursContext(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := New(runner, &recordingClearer{}, "u1", defaultConfig, WithLogger(logging.Discard()))
	defer close(runner.release)

	d.OnConnectivityRestored()
	waitEntered(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Exclusive(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunFiresPeriodicPasses(t *testing.T) {
	runner := newStubRunner()
	d := New(runner, &recordingClearer{}, "u1", Config{PeriodSeconds: 1, MaxBackoffSeconds: 1}, WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	d.Wait()
}
