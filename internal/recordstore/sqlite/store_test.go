package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/recordstore/sqlite"
	"example.com/fitsync/internal/recordstore/storetest"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) recordstore.Store {
		return openStore(t, filepath.Join(t.TempDir(), "records.db"))
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "records.db")
	created := time.Date(2025, time.June, 1, 6, 0, 0, 0, time.UTC)

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	_, err = store.Insert(ctx, storetest.Record("u1", activity.TypeRunning, created))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openStore(t, path)
	rec, err := reopened.FindByIdempotencyKey(ctx, "u1", created, activity.TypeRunning)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, recordstore.StatePending, rec.State)
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.ListByUserAndState(ctx, "u1", recordstore.StatePending)
	require.True(t, recordstore.IsUnavailable(err))
}
