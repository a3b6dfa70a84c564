// Package syncengine runs sync passes: it pushes pending local records to the activity
// service under deterministic idempotency keys and reconciles the local store with the
// server's view.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/remote"
)

// RemoteClient is the subset of the activity service client a pass needs.
type RemoteClient interface {
	Submit(ctx context.Context, rec recordstore.Record, key string) (string, error)
	ListActivities(ctx context.Context, userID string) ([]remote.RemoteRecord, error)
}

// Phase is the stage a pass is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseListing
	PhasePushing
	PhaseMerging
)

func (p Phase) String() string {
	switch p {
	case PhaseListing:
		return "listing"
	case PhasePushing:
		return "pushing"
	case PhaseMerging:
		return "merging"
	default:
		return "idle"
	}
}

// Failure describes one record that did not reach the server in this pass.
type Failure struct {
	LocalID   string
	Key       string
	Kind      remote.Kind
	Permanent bool
	Err       error
}

// Result summarises a pass.
type Result struct {
	Succeeded int
	Failed    int
	Skipped   int
	Listed    bool
	Merge     MergeStats
	Failures  []Failure
}

// OK reports whether the pass completed without failed records.
func (r Result) OK() bool {
	return r.Failed == 0
}

// Orchestrator executes sync passes. It is not safe for concurrent Run calls; the trigger
// dispatcher serialises them.
type Orchestrator struct {
	store      recordstore.Store
	client     RemoteClient
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
	phase      atomic.Int32

	// lastPending is the pending count seen by the latest successful enumerate or final count,
	// reported when an outage leaves the store unreadable. -1 until first observed.
	lastPending atomic.Int64
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithReconciler replaces the default reconciler.
func WithReconciler(r *Reconciler) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reconciler = r
		}
	}
}

// NewOrchestrator wires a pass runner.
func NewOrchestrator(store recordstore.Store, client RemoteClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	o.lastPending.Store(-1)
	for _, opt := range opts {
		opt(o)
	}
	if o.reconciler == nil {
		o.reconciler = NewReconciler(store, WithReconcilerLogger(o.logger))
	}
	return o
}

// Phase returns the phase of the pass in progress, or PhaseIdle.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phase.Store(int32(p))
}

// Run executes one pass for userID. Per-record failures are reported in the Result; a
// returned error means the pass aborted on a storage failure (or cancellation) and Failed
// holds the pending records that were not durably synced.
func (o *Orchestrator) Run(ctx context.Context, userID string) (Result, error) {
	start := time.Now()
	logger := o.logger.With("user_id", userID)
	defer o.setPhase(PhaseIdle)

	var res Result
	pending, err := o.store.ListByUserAndState(ctx, userID, recordstore.StatePending)
	if err != nil {
		if n, cerr := o.store.CountByUserAndState(ctx, userID, recordstore.StatePending); cerr == nil {
			res.Failed = n
		} else if n := o.lastPending.Load(); n > 0 {
			res.Failed = int(n)
		}
		logger.Error("sync pass aborted: enumerate pending", "error", err)
		observability.RecordPass("aborted", time.Since(start), -1)
		return res, fmt.Errorf("enumerate pending: %w", err)
	}
	o.lastPending.Store(int64(len(pending)))
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	o.setPhase(PhaseListing)
	snapshot, listErr := o.client.ListActivities(ctx, userID)
	res.Listed = listErr == nil
	if listErr != nil {
		logger.Warn("remote listing failed, skipping merge", "error", listErr)
	}

	o.setPhase(PhasePushing)
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			res.Failed = len(pending) - res.Succeeded
			observability.RecordPass("aborted", time.Since(start), -1)
			return res, err
		}
		if err := o.push(ctx, rec, &res); err != nil {
			res.Failed = len(pending) - res.Succeeded
			logger.Error("sync pass aborted: persist transition", "local_id", rec.LocalID, "error", err)
			observability.RecordPass("aborted", time.Since(start), -1)
			return res, err
		}
	}

	if res.Listed && res.Succeeded > 0 {
		// Re-list so this pass already observes what it just pushed.
		o.setPhase(PhaseListing)
		if fresh, err := o.client.ListActivities(ctx, userID); err == nil {
			snapshot = fresh
		} else {
			logger.Warn("confirmation listing failed, merging earlier snapshot", "error", err)
		}
	}

	if res.Listed {
		o.setPhase(PhaseMerging)
		stats, err := o.reconciler.Merge(ctx, userID, snapshot)
		res.Merge = stats
		observability.RecordMerge(stats.Inserted, stats.Updated, stats.Deleted)
		if err != nil {
			res.Failed = len(pending) - res.Succeeded
			logger.Error("sync pass aborted: merge", "error", err)
			observability.RecordPass("aborted", time.Since(start), -1)
			return res, fmt.Errorf("merge: %w", err)
		}
	}

	remaining := -1
	if n, err := o.store.CountByUserAndState(ctx, userID, recordstore.StatePending); err == nil {
		remaining = n
		o.lastPending.Store(int64(n))
	}
	outcome := "ok"
	if !res.OK() {
		outcome = "partial"
	}
	observability.RecordPass(outcome, time.Since(start), remaining)
	logger.Info("sync pass finished",
		"succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped,
		"listed", res.Listed, "inserted", res.Merge.Inserted, "updated", res.Merge.Updated,
		"deleted", res.Merge.Deleted, "duration", time.Since(start))
	return res, nil
}

// push submits one record and persists its transition. Only storage errors are returned.
func (o *Orchestrator) push(ctx context.Context, rec recordstore.Record, res *Result) error {
	key := rec.Key().String()
	remoteID, err := o.client.Submit(ctx, rec, key)
	if err == nil {
		rec.RemoteID = remoteID
		rec.State = recordstore.StateSynced
		rec.UpdatedAt = o.stamp()
		if err := o.store.Update(ctx, rec); err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				o.vanished(rec, key, res)
				return nil
			}
			return fmt.Errorf("mark %s synced: %w", rec.LocalID, err)
		}
		res.Succeeded++
		observability.RecordSubmit(observability.SubmitSucceeded)
		return nil
	}

	kind := remote.KindOf(err)
	switch kind {
	case remote.KindDuplicate:
		res.Skipped++
		observability.RecordSubmit(observability.SubmitDuplicate)
		return nil
	case remote.KindRejected:
		rec.State = recordstore.StateFailed
		rec.UpdatedAt = o.stamp()
		if err := o.store.Update(ctx, rec); err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				o.vanished(rec, key, res)
				return nil
			}
			return fmt.Errorf("mark %s failed: %w", rec.LocalID, err)
		}
		res.Failed++
		res.Failures = append(res.Failures, Failure{LocalID: rec.LocalID, Key: key, Kind: kind, Permanent: true, Err: err})
		observability.RecordSubmit(observability.SubmitRejected)
		o.logger.Warn("record rejected by server", "local_id", rec.LocalID, "idempotency_key", key, "error", err)
		return nil
	default:
		if kind == 0 {
			kind = remote.KindUnavailable
		}
		res.Failed++
		res.Failures = append(res.Failures, Failure{LocalID: rec.LocalID, Key: key, Kind: kind, Err: err})
		observability.RecordSubmit(observability.SubmitRetryable)
		o.logger.Debug("submit failed, record stays pending", "local_id", rec.LocalID, "kind", kind.String(), "error", err)
		return nil
	}
}

// vanished accounts for a record deleted locally while its submit was in flight.
func (o *Orchestrator) vanished(rec recordstore.Record, key string, res *Result) {
	res.Skipped++
	o.logger.Warn("record removed locally during pass", "local_id", rec.LocalID, "idempotency_key", key)
}

// RetryFailed moves the user's failed records back to pending and returns how many moved.
func (o *Orchestrator) RetryFailed(ctx context.Context, userID string) (int, error) {
	failed, err := o.store.ListByUserAndState(ctx, userID, recordstore.StateFailed)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, rec := range failed {
		rec.State = recordstore.StatePending
		rec.UpdatedAt = o.stamp()
		if err := o.store.Update(ctx, rec); err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// UnsyncedCount returns the number of the user's records that the server does not hold yet.
func (o *Orchestrator) UnsyncedCount(ctx context.Context, userID string) (int, error) {
	pending, err := o.store.CountByUserAndState(ctx, userID, recordstore.StatePending)
	if err != nil {
		return 0, err
	}
	failed, err := o.store.CountByUserAndState(ctx, userID, recordstore.StateFailed)
	if err != nil {
		return 0, err
	}
	return pending + failed, nil
}

func (o *Orchestrator) stamp() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}
