// Package storetest holds the behavioural suite every recordstore.Store implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) recordstore.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("insert and find by key", func(t *testing.T) { testInsertAndFind(t, newStore(t)) })
	t.Run("duplicate key rejected", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("invalid record rejected", func(t *testing.T) { testInvalidRecord(t, newStore(t)) })
	t.Run("list by state ordered", func(t *testing.T) { testListOrdered(t, newStore(t)) })
	t.Run("update transitions", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("delete and clear", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("not found is nil", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("update of cleared record", func(t *testing.T) { testUpdateCleared(t, newStore(t)) })
}

// Record builds a pending record captured at createdAt.
func Record(userID string, typ activity.Type, createdAt time.Time) recordstore.Record {
	payload := activity.Payload{
		Type:            typ,
		Title:           "Morning " + string(typ),
		StartTime:       createdAt.Add(-30 * time.Minute),
		EndTime:         createdAt,
		DurationSeconds: 1800,
		DistanceMeters:  5000,
	}
	if typ == activity.TypeWeightlifting {
		payload.DistanceMeters = 0
		payload.Exercises = []activity.Exercise{{Name: "squat", Sets: 5, Reps: 5, WeightKg: 100}}
	}
	return recordstore.NewPending(userID, payload, createdAt)
}

var base = time.Date(2025, time.June, 1, 6, 0, 0, 0, time.UTC)

func testInsertAndFind(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	rec := Record("u1", activity.TypeWeightlifting, base)

	id, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	found, err := store.FindByIdempotencyKey(ctx, "u1", base, activity.TypeWeightlifting)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, id, found.LocalID)
	require.Equal(t, recordstore.StatePending, found.State)
	require.Empty(t, found.RemoteID)
	require.True(t, rec.Payload.Equal(found.Payload))
	require.True(t, base.Equal(found.CreatedAt))

	count, err := store.CountByUserAndState(ctx, "u1", recordstore.StatePending)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func testDuplicateKey(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	_, err := store.Insert(ctx, Record("u1", activity.TypeRunning, base))
	require.NoError(t, err)

	_, err = store.Insert(ctx, Record("u1", activity.TypeRunning, base))
	require.ErrorIs(t, err, recordstore.ErrDuplicateKey)

	_, err = store.Insert(ctx, Record("u1", activity.TypeCycling, base))
	require.NoError(t, err)
	_, err = store.Insert(ctx, Record("u2", activity.TypeRunning, base))
	require.NoError(t, err)
}

func testInvalidRecord(t *testing.T, store recordstore.Store) {
	rec := Record("u1", activity.TypeRunning, base)
	rec.RemoteID = "remote-1"
	_, err := store.Insert(context.Background(), rec)
	require.ErrorIs(t, err, recordstore.ErrInvalidRecord)
}

func testListOrdered(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		_, err := store.Insert(ctx, Record("u1", activity.TypeRunning, base.Add(offset)))
		require.NoError(t, err)
	}
	_, err := store.Insert(ctx, Record("u2", activity.TypeRunning, base))
	require.NoError(t, err)

	pending, err := store.ListByUserAndState(ctx, "u1", recordstore.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i := 1; i < len(pending); i++ {
		require.True(t, pending[i-1].CreatedAt.Before(pending[i].CreatedAt))
	}

	all, err := store.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testUpdate(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	id, err := store.Insert(ctx, Record("u1", activity.TypeCycling, base))
	require.NoError(t, err)

	found, err := store.FindByIdempotencyKey(ctx, "u1", base, activity.TypeCycling)
	require.NoError(t, err)
	require.NotNil(t, found)

	synced := *found
	synced.RemoteID = "remote-1"
	synced.State = recordstore.StateSynced
	synced.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.Update(ctx, synced))

	byRemote, err := store.FindByRemoteID(ctx, "u1", "remote-1")
	require.NoError(t, err)
	require.NotNil(t, byRemote)
	require.Equal(t, id, byRemote.LocalID)
	require.Equal(t, recordstore.StateSynced, byRemote.State)
	require.True(t, synced.UpdatedAt.Equal(byRemote.UpdatedAt))

	bad := *byRemote
	bad.State = recordstore.StatePending
	require.ErrorIs(t, store.Update(ctx, bad), recordstore.ErrInvalidRecord)

	pending, err := store.CountByUserAndState(ctx, "u1", recordstore.StatePending)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func testDelete(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	id, err := store.Insert(ctx, Record("u1", activity.TypeRunning, base))
	require.NoError(t, err)
	_, err = store.Insert(ctx, Record("u1", activity.TypeCycling, base))
	require.NoError(t, err)
	_, err = store.Insert(ctx, Record("u2", activity.TypeRunning, base))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, recordstore.Record{LocalID: id}))
	found, err := store.FindByIdempotencyKey(ctx, "u1", base, activity.TypeRunning)
	require.NoError(t, err)
	require.Nil(t, found)

	// The key is free again once the record is gone.
	_, err = store.Insert(ctx, Record("u1", activity.TypeRunning, base))
	require.NoError(t, err)

	require.NoError(t, store.DeleteAllForUser(ctx, "u1"))
	left, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, left)

	other, err := store.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, other, 1)

	require.NoError(t, store.DeleteAll(ctx))
	other, err = store.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func testNotFound(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	rec, err := store.FindByRemoteID(ctx, "u1", "missing")
	require.NoError(t, err)
	require.Nil(t, rec)

	rec, err = store.FindByIdempotencyKey(ctx, "u1", base, activity.TypeRunning)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func testUpdateCleared(t *testing.T, store recordstore.Store) {
	ctx := context.Background()
	rec := Record("u1", activity.TypeRunning, base)
	id, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	rec.LocalID = id

	require.NoError(t, store.DeleteAllForUser(ctx, "u1"))

	rec.RemoteID = "remote-1"
	rec.State = recordstore.StateSynced
	rec.UpdatedAt = base.Add(time.Minute)
	err = store.Update(ctx, rec)
	require.ErrorIs(t, err, recordstore.ErrNotFound)
	require.False(t, recordstore.IsUnavailable(err))

	all, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, all)
}
