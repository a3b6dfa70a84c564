// Package trigger bridges connectivity edges, the periodic timer and explicit user requests
// into sync passes, allowing at most one pass at a time.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"example.com/fitsync/internal/connectivity"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/syncengine"
)

// ErrNoUser is returned by manual requests while no user is active.
var ErrNoUser = errors.New("no active user")

// Trigger sources.
const (
	SourceConnectivity = "connectivity"
	SourcePeriodic     = "periodic"
	SourceManual       = "manual"
)

// Action is what the dispatcher did with a trigger.
type Action string

const (
	ActionStarted           Action = "started"
	ActionCoalesced         Action = "coalesced"
	ActionJoined            Action = "joined"
	ActionSkippedBackoff    Action = "skipped_backoff"
	ActionSkippedConditions Action = "skipped_conditions"
	ActionSkippedNoUser     Action = "skipped_no_user"
)

// Runner executes one sync pass.
type Runner interface {
	Run(ctx context.Context, userID string) (syncengine.Result, error)
}

// Clearer wipes local records.
type Clearer interface {
	DeleteAll(ctx context.Context) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// ConditionSource reports the latest network conditions.
type ConditionSource interface {
	Current() connectivity.State
}

// Config tunes scheduling.
type Config struct {
	PeriodSeconds     int
	MaxBackoffSeconds int
	RequireUnmetered  bool
}

func (c Config) period() time.Duration {
	if c.PeriodSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.PeriodSeconds) * time.Second
}

func (c Config) maxBackoff() time.Duration {
	if m := time.Duration(c.MaxBackoffSeconds) * time.Second; m >= c.period() {
		return m
	}
	return c.period()
}

// Outcome is the result of a pass as seen by one caller.
type Outcome struct {
	Result syncengine.Result
	Err    error
	// Shared is true when the pass served more than one caller.
	Shared bool
}

// Dispatcher serialises sync passes for the active user.
type Dispatcher struct {
	runner     Runner
	clearer    Clearer
	conditions ConditionSource
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	group     singleflight.Group
	gate      chan struct{}
	procLock  ProcessLock
	running   atomic.Bool
	scheduled atomic.Bool

	mu          sync.Mutex
	user        string
	nextAllowed time.Time
	backoff     *backoff.ExponentialBackOff

	passDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source used for the backoff window.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithConditions sets where network conditions are read from when unmetered networks are
// required.
func WithConditions(src ConditionSource) Option {
	return func(d *Dispatcher) {
		d.conditions = src
	}
}

// WithProcessLock makes every pass and clear also hold lock, serialising them with other
// processes that open the same store.
func WithProcessLock(lock ProcessLock) Option {
	return func(d *Dispatcher) {
		d.procLock = lock
	}
}

// New builds a Dispatcher for userID. An empty userID leaves the dispatcher idle until SetUser.
func New(runner Runner, clearer Clearer, userID string, cfg Config, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:   runner,
		clearer:  clearer,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		gate:     make(chan struct{}, 1),
		user:     userID,
		passDone: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.period()
	b.MaxInterval = cfg.maxBackoff()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d.backoff = b
	return d
}

// SetUser switches the active user. Passes already running finish for the previous user.
func (d *Dispatcher) SetUser(userID string) {
	d.mu.Lock()
	d.user = userID
	d.nextAllowed = time.Time{}
	d.backoff.Reset()
	d.mu.Unlock()
}

// User returns the active user.
func (d *Dispatcher) User() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.user
}

// Running reports whether a pass is executing.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// OnConnectivityRestored starts a pass unless one is running or conditions forbid it.
// It does not wait for the pass.
func (d *Dispatcher) OnConnectivityRestored() Action {
	return d.automatic(SourceConnectivity, false)
}

// OnPeriodicTick starts a pass unless one is running, conditions forbid it, or the backoff
// window after failed passes has not elapsed.
func (d *Dispatcher) OnPeriodicTick() Action {
	return d.automatic(SourcePeriodic, true)
}

func (d *Dispatcher) automatic(source string, honourBackoff bool) Action {
	action := d.admit(honourBackoff)
	if action == ActionStarted {
		if !d.scheduled.CompareAndSwap(false, true) {
			action = ActionCoalesced
		} else {
			userID := d.User()
			ch := d.group.DoChan(userID, d.passFunc(userID))
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.scheduled.Store(false)
				<-ch
			}()
		}
	}
	observability.RecordTrigger(source, string(action))
	if action != ActionStarted {
		d.logger.Debug("sync trigger ignored", "source", source, "action", string(action))
	}
	return action
}

func (d *Dispatcher) admit(honourBackoff bool) Action {
	d.mu.Lock()
	userID, next := d.user, d.nextAllowed
	d.mu.Unlock()

	switch {
	case userID == "":
		return ActionSkippedNoUser
	case d.running.Load():
		return ActionCoalesced
	case d.cfg.RequireUnmetered && d.conditions != nil && d.conditions.Current().Constrained():
		return ActionSkippedConditions
	case honourBackoff && d.now().Before(next):
		return ActionSkippedBackoff
	}
	return ActionStarted
}

// OnManualRequest runs a pass for the active user, or joins the one already running. The
// returned channel yields exactly one Outcome. Cancelling ctx abandons the wait, not the pass.
func (d *Dispatcher) OnManualRequest(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome, 1)
	userID := d.User()
	if userID == "" {
		observability.RecordTrigger(SourceManual, string(ActionSkippedNoUser))
		out <- Outcome{Err: ErrNoUser}
		return out
	}

	action := ActionStarted
	if d.running.Load() {
		action = ActionJoined
	}
	observability.RecordTrigger(SourceManual, string(action))

	ch := d.group.DoChan(userID, d.passFunc(userID))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case r := <-ch:
			res, _ := r.Val.(syncengine.Result)
			out <- Outcome{Result: res, Err: r.Err, Shared: r.Shared}
		case <-ctx.Done():
			out <- Outcome{Err: ctx.Err()}
		}
	}()
	return out
}

// ManualSync runs or joins a pass and waits for its result.
func (d *Dispatcher) ManualSync(ctx context.Context) (syncengine.Result, error) {
	o := <-d.OnManualRequest(ctx)
	return o.Result, o.Err
}

func (d *Dispatcher) passFunc(userID string) func() (any, error) {
	return func() (any, error) {
		if err := d.acquire(d.ctx); err != nil {
			return syncengine.Result{}, err
		}
		defer d.release()

		d.running.Store(true)
		defer d.running.Store(false)

		res, err := d.runner.Run(d.ctx, userID)
		d.afterPass(userID, res, err)
		select {
		case d.passDone <- struct{}{}:
		default:
		}
		return res, err
	}
}

func (d *Dispatcher) afterPass(userID string, res syncengine.Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil && res.OK() {
		d.backoff.Reset()
		d.nextAllowed = time.Time{}
		return
	}
	wait := d.backoff.NextBackOff()
	d.nextAllowed = d.now().Add(wait)
	if err != nil {
		d.logger.Error("sync failed, will retry", "user_id", userID, "error", err, "retry_in", wait)
		return
	}
	d.logger.Warn("sync incomplete, will retry", "user_id", userID, "failed", res.Failed, "retry_in", wait)
}

// Exclusive runs fn while holding the pass gate, waiting for a running pass to finish. With
// a process lock it also waits for passes and clears of other processes.
func (d *Dispatcher) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()
	return fn(ctx)
}

// ClearAll deletes every local record once no pass is running.
func (d *Dispatcher) ClearAll(ctx context.Context) error {
	return d.Exclusive(ctx, d.clearer.DeleteAll)
}

// ClearUser deletes the user's local records once no pass is running.
func (d *Dispatcher) ClearUser(ctx context.Context, userID string) error {
	return d.Exclusive(ctx, func(ctx context.Context) error {
		return d.clearer.DeleteAllForUser(ctx, userID)
	})
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	select {
	case d.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if d.procLock == nil {
		return nil
	}
	if err := d.procLock.Lock(ctx); err != nil {
		<-d.gate
		return err
	}
	return nil
}

func (d *Dispatcher) release() {
	if d.procLock != nil {
		if err := d.procLock.Unlock(); err != nil {
			d.logger.Error("release store lock", "error", err)
		}
	}
	<-d.gate
}

// Run fires periodic triggers until ctx ends. The timer restarts after every pass, waiting
// at least one period and never less than the remaining backoff window. On return the
// dispatcher's pass context is cancelled; call Wait to let in-flight passes drain.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.Stop()

	timer := time.NewTimer(d.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.OnPeriodicTick()
			timer.Reset(d.untilNext())
		case <-d.passDone:
			timer.Reset(d.untilNext())
		}
	}
}

func (d *Dispatcher) untilNext() time.Duration {
	d.mu.Lock()
	next := d.nextAllowed
	d.mu.Unlock()
	wait := d.cfg.period()
	if remaining := next.Sub(d.now()); remaining > wait {
		wait = remaining
	}
	return wait
}

// Stop cancels running passes.
func (d *Dispatcher) Stop() {
	d.cancel()
}

// Wait blocks until every trigger started so far has completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
