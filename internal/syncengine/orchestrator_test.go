package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/recordstore/memory"
	"example.com/fitsync/internal/remote"
)

var t0 = time.Date(2025, time.June, 1, 6, 0, 0, 0, time.UTC)

func capture(t *testing.T, store recordstore.Store, userID string, typ activity.Type, createdAt time.Time) recordstore.Record {
	t.Helper()
	rec := recordstore.NewPending(userID, activity.Payload{Type: typ, StartTime: createdAt, DurationSeconds: 600}, createdAt)
	id, err := store.Insert(context.Background(), rec)
	require.NoError(t, err)
	rec.LocalID = id
	return rec
}

func newTestOrchestrator(store recordstore.Store, client RemoteClient, opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewOrchestrator(store, client, opts...)
}

func countState(t *testing.T, store recordstore.Store, userID string, state recordstore.State) int {
	t.Helper()
	n, err := store.CountByUserAndState(context.Background(), userID, state)
	require.NoError(t, err)
	return n
}

func TestRetriedSubmitAfterLostAckYieldsOneRemoteRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newFakeService()
	rec := capture(t, store, "u1", activity.TypeRunning, time.UnixMilli(100))
	key := rec.Key().String()
	require.Equal(t, "u1|100|RUNNING", rec.Key().Raw())

	// Direct double submit: same key, same remote id.
	first, err := svc.Submit(ctx, rec, key)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, rec, key)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, svc.count("u1"))

	// Through the engine: the ack of the first push is lost, then the second pass cannot list
	// so the synced state is observable before cleanup.
	svc = newFakeService()
	svc.lostAck = func(_ recordstore.Record, attempt int) bool { return attempt == 1 }
	svc.onList = func(call int) error {
		if call == 2 {
			return &remote.Error{Kind: remote.KindUnavailable, Err: errors.New("listing down")}
		}
		return nil
	}
	orch := newTestOrchestrator(store, svc)

	res, err := orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, remote.KindTimeout, res.Failures[0].Kind)
	require.Equal(t, 1, countState(t, store, "u1", recordstore.StatePending))

	res, err = orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.False(t, res.Listed)

	local, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, local, 1)
	require.Equal(t, recordstore.StateSynced, local[0].State)
	require.Equal(t, "r1", local[0].RemoteID)
	require.Equal(t, 1, svc.count("u1"))

	res, err = orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Merge.Deleted)

	local, err = store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, local)

	listing, err := svc.ListActivities(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listing, 1)
	require.Equal(t, []string{key, key}, svc.submitted())
}

func TestNoDataLossUnderFlakyNetwork(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newFakeService()
	var keys []string
	for i := 0; i < 6; i++ {
		rec := capture(t, store, "u1", activity.TypeCycling, t0.Add(time.Duration(i)*time.Minute))
		keys = append(keys, rec.Key().String())
	}

	// Two out of three submit attempts fail, alternating between timeouts and server errors,
	// and some acks are lost after the server stored the record.
	svc.onSubmit = func(_ recordstore.Record, attempt int) error {
		switch attempt % 3 {
		case 1:
			return &remote.Error{Kind: remote.KindTimeout, Err: context.DeadlineExceeded}
		case 2:
			return &remote.Error{Kind: remote.KindUnavailable, Status: 503, Err: errors.New("busy")}
		}
		return nil
	}
	svc.lostAck = func(_ recordstore.Record, attempt int) bool { return attempt%6 == 0 }

	orch := newTestOrchestrator(store, svc)
	for pass := 0; pass < 50 && countState(t, store, "u1", recordstore.StatePending) > 0; pass++ {
		_, err := orch.Run(ctx, "u1")
		require.NoError(t, err)
	}

	require.Zero(t, countState(t, store, "u1", recordstore.StatePending))
	require.Zero(t, countState(t, store, "u1", recordstore.StateFailed))
	require.Equal(t, 6, svc.count("u1"))

	listing, err := svc.ListActivities(ctx, "u1")
	require.NoError(t, err)
	got := make([]string, 0, len(listing))
	for _, rr := range listing {
		got = append(got, rr.IdempotencyKey)
	}
	require.ElementsMatch(t, keys, got)
}

func TestConvergenceInOnePass(t *testing.T) {
	for _, retain := range []bool{false, true} {
		name := "cleanup"
		if retain {
			name = "retain"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			svc := newFakeService()
			svc.seed("u1", activity.TypeRunning, t0.Add(-48*time.Hour))
			svc.seed("u1", activity.TypeWeightlifting, t0.Add(-24*time.Hour))
			svc.seed("u2", activity.TypeRunning, t0)
			for i := 0; i < 3; i++ {
				capture(t, store, "u1", activity.TypeRunning, t0.Add(time.Duration(i)*time.Hour))
			}

			reconciler := NewReconciler(store, WithRetainSnapshot(retain), WithReconcilerLogger(logging.Discard()))
			res, err := newTestOrchestrator(store, svc, WithReconciler(reconciler)).Run(ctx, "u1")
			require.NoError(t, err)
			require.True(t, res.OK())
			require.Equal(t, 3, res.Succeeded)
			require.Zero(t, countState(t, store, "u1", recordstore.StatePending))
			require.Equal(t, 5, svc.count("u1"))

			local, err := store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			if retain {
				require.Len(t, local, 5)
				require.Equal(t, 2, res.Merge.Inserted)
				for _, rec := range local {
					require.Equal(t, recordstore.StateSynced, rec.State)
				}
			} else {
				require.Empty(t, local)
				require.Equal(t, 3, res.Merge.Deleted)
			}

			other, err := store.ListByUser(ctx, "u2")
			require.NoError(t, err)
			require.Empty(t, other)
		})
	}
}

func TestPushesInAscendingCreatedAt(t *testing.T) {
	store := memory.New()
	svc := newFakeService()
	late := capture(t, store, "u1", activity.TypeRunning, t0.Add(2*time.Hour))
	early := capture(t, store, "u1", activity.TypeRunning, t0)
	mid := capture(t, store, "u1", activity.TypeCycling, t0.Add(time.Hour))

	_, err := newTestOrchestrator(store, svc).Run(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{early.Key().String(), mid.Key().String(), late.Key().String()}, svc.submitted())
}

func TestStorageFailureOnEnumerateAborts(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	for i := 0; i < 4; i++ {
		capture(t, inner, "u1", activity.TypeRunning, t0.Add(time.Duration(i)*time.Minute))
	}
	store := newFaultyStore(inner)
	store.breakOp("list", true)
	svc := newFakeService()

	res, err := newTestOrchestrator(store, svc).Run(ctx, "u1")
	require.Error(t, err)
	require.True(t, recordstore.IsUnavailable(err))
	require.Equal(t, 4, res.Failed)
	require.Empty(t, svc.submitted())
	require.Equal(t, 4, countState(t, inner, "u1", recordstore.StatePending))
}

func TestStorageOutageReportsLastKnownPending(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	for i := 0; i < 3; i++ {
		capture(t, inner, "u1", activity.TypeRunning, t0.Add(time.Duration(i)*time.Minute))
	}
	store := newFaultyStore(inner)
	svc := newFakeService()
	svc.onSubmit = func(recordstore.Record, int) error {
		return &remote.Error{Kind: remote.KindUnavailable, Err: errors.New("connection refused")}
	}
	orch := newTestOrchestrator(store, svc)

	res, err := orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Failed)

	store.breakOp("list", true)
	store.breakOp("count", true)
	res, err = orch.Run(ctx, "u1")
	require.Error(t, err)
	require.True(t, recordstore.IsUnavailable(err))
	require.Equal(t, 3, res.Failed)
	require.Zero(t, res.Succeeded)
}

func TestRecordClearedDuringSubmitIsNotCountedAsSynced(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	capture(t, store, "u1", activity.TypeRunning, t0)
	svc := newFakeService()
	svc.onSubmit = func(recordstore.Record, int) error {
		return store.DeleteAllForUser(context.Background(), "u1")
	}

	res, err := newTestOrchestrator(store, svc).Run(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, res.Succeeded)
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, res.Failed)

	all, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStorageFailureOnTransitionAbortsAndRecovers(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	for i := 0; i < 3; i++ {
		capture(t, inner, "u1", activity.TypeRunning, t0.Add(time.Duration(i)*time.Minute))
	}
	store := newFaultyStore(inner)
	store.breakOp("update", true)
	svc := newFakeService()
	orch := newTestOrchestrator(store, svc)

	res, err := orch.Run(ctx, "u1")
	require.Error(t, err)
	require.True(t, recordstore.IsUnavailable(err))
	require.Equal(t, 3, res.Failed)
	require.Zero(t, res.Succeeded)
	require.Len(t, svc.submitted(), 1)
	require.Equal(t, 3, countState(t, inner, "u1", recordstore.StatePending))

	store.breakOp("update", false)
	res, err = orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, 3, svc.count("u1"))
	require.Zero(t, countState(t, inner, "u1", recordstore.StatePending))
}

func TestStorageFailureDuringMergeAborts(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	capture(t, inner, "u1", activity.TypeRunning, t0)
	store := newFaultyStore(inner)
	store.breakOp("find", true)

	res, err := newTestOrchestrator(store, newFakeService()).Run(ctx, "u1")
	require.Error(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Zero(t, res.Failed)
	require.Equal(t, 1, countState(t, inner, "u1", recordstore.StateSynced))
}

func TestRejectedRecordBecomesFailedAndCanBeRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bad := capture(t, store, "u1", activity.TypeRunning, t0)
	capture(t, store, "u1", activity.TypeCycling, t0.Add(time.Minute))

	svc := newFakeService()
	reject := true
	svc.onSubmit = func(rec recordstore.Record, _ int) error {
		if reject && rec.LocalID == bad.LocalID {
			return &remote.Error{Kind: remote.KindRejected, Status: 422, Err: errors.New("validation_failed")}
		}
		return nil
	}
	orch := newTestOrchestrator(store, svc)

	res, err := orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.True(t, res.Failures[0].Permanent)
	require.Equal(t, bad.LocalID, res.Failures[0].LocalID)
	require.Equal(t, 1, countState(t, store, "u1", recordstore.StateFailed))

	unsynced, err := orch.UnsyncedCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, unsynced)

	// Failed records are not pushed again until retried.
	res, err = orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, res.Succeeded+res.Failed)

	reject = false
	moved, err := orch.RetryFailed(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	res, err = orch.Run(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	unsynced, err = orch.UnsyncedCount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, unsynced)
}

func TestDuplicateInFlightIsSkipped(t *testing.T) {
	store := memory.New()
	capture(t, store, "u1", activity.TypeRunning, t0)
	svc := newFakeService()
	svc.onSubmit = func(recordstore.Record, int) error {
		return &remote.Error{Kind: remote.KindDuplicate, Err: remote.ErrDuplicateInFlight}
	}

	res, err := newTestOrchestrator(store, svc).Run(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, res.Failed)
	require.Zero(t, res.Succeeded)
	require.Equal(t, 1, countState(t, store, "u1", recordstore.StatePending))
}

func TestListingFailureSkipsMergeButStillPushes(t *testing.T) {
	store := memory.New()
	capture(t, store, "u1", activity.TypeRunning, t0)
	svc := newFakeService()
	svc.onList = func(int) error { return &remote.Error{Kind: remote.KindUnavailable, Err: errors.New("down")} }

	res, err := newTestOrchestrator(store, svc).Run(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, res.Listed)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, MergeStats{}, res.Merge)
	require.Equal(t, 1, countState(t, store, "u1", recordstore.StateSynced))
}

type phaseRecorder struct {
	*fakeService
	orch   *Orchestrator
	phases []Phase
}

func (p *phaseRecorder) Submit(ctx context.Context, rec recordstore.Record, key string) (string, error) {
	p.phases = append(p.phases, p.orch.Phase())
	return p.fakeService.Submit(ctx, rec, key)
}

func (p *phaseRecorder) ListActivities(ctx context.Context, userID string) ([]remote.RemoteRecord, error) {
	p.phases = append(p.phases, p.orch.Phase())
	return p.fakeService.ListActivities(ctx, userID)
}

func TestPhasesAdvanceDuringPass(t *testing.T) {
	store := memory.New()
	capture(t, store, "u1", activity.TypeRunning, t0)
	rec := &phaseRecorder{fakeService: newFakeService()}
	rec.orch = newTestOrchestrator(store, rec)

	_, err := rec.orch.Run(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []Phase{PhaseListing, PhasePushing, PhaseListing}, rec.phases)
	require.Equal(t, PhaseIdle, rec.orch.Phase())
}

func TestCancelledContextStopsPushing(t *testing.T) {
	store := memory.New()
	capture(t, store, "u1", activity.TypeRunning, t0)
	capture(t, store, "u1", activity.TypeRunning, t0.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	svc := newFakeService()
	svc.onSubmit = func(recordstore.Record, int) error {
		cancel()
		return nil
	}

	res, err := newTestOrchestrator(store, svc).Run(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Len(t, svc.submitted(), 1)
}
