// Package postgres provides the Postgres-backed activity repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
)

const uniqueViolation = "23505"

const selectColumns = `SELECT activity_id, user_id, idempotency_key, captured_at, payload, version, created_at, updated_at
        FROM activities`

// Repository provides Postgres-backed persistence for activities and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByIdempotency checks if an activity already exists for the supplied idempotency key.
func (r *Repository) FindByIdempotency(ctx context.Context, userID, idempotencyKey string) (*domain.Activity, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE user_id=$1 AND idempotency_key=$2`, userID, idempotencyKey)
	return scanOptional(row)
}

// Create persists the activity and records its outbox event inside a single transaction.
func (r *Repository) Create(ctx context.Context, a domain.Activity, event domain.Event) (err error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const insertActivity = `INSERT INTO activities (activity_id, user_id, idempotency_key, activity_type, captured_at, payload, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, insertActivity,
		a.ID,
		a.UserID,
		a.IdempotencyKey,
		string(a.Payload.Type),
		a.CapturedAt,
		payload,
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrIdempotentReplay
		}
		return err
	}

	if err = insertOutbox(ctx, tx, a, event); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityPersisted(a.UpdatedAt)
	return nil
}

// Update replaces the payload when the stored version matches expectedVersion.
func (r *Repository) Update(ctx context.Context, a domain.Activity, expectedVersion int, event domain.Event) (err error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `UPDATE activities SET payload=$1, version=$2, updated_at=$3
        WHERE activity_id=$4 AND user_id=$5 AND version=$6`,
		payload, a.Version, a.UpdatedAt, a.ID, a.UserID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM activities WHERE activity_id=$1 AND user_id=$2)`, a.ID, a.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			err = domain.ErrVersionConflict
		} else {
			err = domain.ErrActivityNotFound
		}
		return err
	}

	if err = insertOutbox(ctx, tx, a, event); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityPersisted(a.UpdatedAt)
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, a domain.Activity, event domain.Event) error {
	if event.Topic == "" {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
	dedupeKey := fmt.Sprintf("%s:%s:%d", a.ID, event.Type, a.Version)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := tx.Exec(ctx, stmt,
		"activity",
		a.ID,
		event.Type,
		event.Topic,
		event.PartitionKey,
		event.Payload,
		dedupeKey,
	)
	return err
}

// Get retrieves an activity by ID.
func (r *Repository) Get(ctx context.Context, userID, activityID string) (*domain.Activity, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE user_id=$1 AND activity_id::text=$2`, userID, activityID)
	return scanOptional(row)
}

// ListByUser returns activities for a user, newest capture first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []any{userID, limit}
	query := selectColumns + ` WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (captured_at, activity_id) < ($3, $4::uuid)`
		args = append(args, cursor.CapturedAt, cursor.ID)
	}

	query += ` ORDER BY captured_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit)
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CapturedAt: last.CapturedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

func scanOptional(row pgx.Row) (*domain.Activity, error) {
	a, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func scan(row pgx.Row) (domain.Activity, error) {
	var (
		a       domain.Activity
		payload []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.IdempotencyKey, &a.CapturedAt, &payload, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Activity{}, err
	}
	if err := json.Unmarshal(payload, &a.Payload); err != nil {
		return domain.Activity{}, fmt.Errorf("decode payload of %s: %w", a.ID, err)
	}
	a.CapturedAt = a.CapturedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}
