package syncengine

import (
	"context"
	"errors"
	"log/slog"

	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/remote"
)

// MergeStats counts the local mutations performed by one merge.
type MergeStats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Reconciler folds a remote snapshot into the local store.
//
// Remote records unknown locally are inserted as synced, known ones are overwritten when the
// remote copy is at least as new (ties favour remote). Afterwards every local synced record
// that appears in the snapshot is deleted, since the server now holds it durably. Pending and
// failed records are never touched.
type Reconciler struct {
	store  recordstore.Store
	retain bool
	logger *slog.Logger
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRetainSnapshot keeps confirmed records locally instead of deleting them, turning the
// store into an offline cache of the server history.
func WithRetainSnapshot(retain bool) ReconcilerOption {
	return func(r *Reconciler) { r.retain = retain }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler builds a Reconciler over store.
func NewReconciler(store recordstore.Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge applies snapshot to the local records of userID. Store errors abort the merge.
func (r *Reconciler) Merge(ctx context.Context, userID string, snapshot []remote.RemoteRecord) (MergeStats, error) {
	var stats MergeStats

	for _, rr := range snapshot {
		if rr.RemoteID == "" || (rr.UserID != "" && rr.UserID != userID) {
			continue
		}

		local, err := r.store.FindByRemoteID(ctx, userID, rr.RemoteID)
		if err != nil {
			return stats, err
		}

		if !r.retain {
			// Cleanup would remove whatever an upsert wrote, so go straight to it.
			if local != nil && local.State == recordstore.StateSynced {
				if err := r.store.Delete(ctx, *local); err != nil {
					return stats, err
				}
				stats.Deleted++
			}
			continue
		}

		if local == nil {
			inserted, err := r.insert(ctx, userID, rr)
			if err != nil {
				return stats, err
			}
			if inserted {
				stats.Inserted++
			}
			continue
		}

		if local.State != recordstore.StateSynced || rr.UpdatedAt.Before(local.UpdatedAt) {
			continue
		}
		if local.Payload.Equal(rr.Payload) && local.UpdatedAt.Equal(rr.UpdatedAt) {
			continue
		}
		updated := *local
		updated.Payload = rr.Payload
		updated.Payload.Type = local.Payload.Type
		updated.UpdatedAt = rr.UpdatedAt
		if err := r.store.Update(ctx, updated); err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				continue
			}
			return stats, err
		}
		stats.Updated++
	}

	return stats, nil
}

func (r *Reconciler) insert(ctx context.Context, userID string, rr remote.RemoteRecord) (bool, error) {
	// A local record may already own the key, e.g. a push that reached the server but whose
	// local transition to synced was lost. It is left for the next push to confirm.
	owner, err := r.store.FindByIdempotencyKey(ctx, userID, rr.CreatedAt, rr.Payload.Type)
	if err != nil {
		return false, err
	}
	if owner != nil {
		return false, nil
	}

	rec := recordstore.Record{
		UserID:    userID,
		Payload:   rr.Payload,
		RemoteID:  rr.RemoteID,
		State:     recordstore.StateSynced,
		CreatedAt: rr.CreatedAt,
		UpdatedAt: rr.UpdatedAt,
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if _, err := r.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, recordstore.ErrDuplicateKey) || errors.Is(err, recordstore.ErrInvalidRecord) {
			r.logger.Warn("skipping remote record", "remote_id", rr.RemoteID, "error", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}
