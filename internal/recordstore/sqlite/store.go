// Package sqlite implements the device record store on an embedded SQLite database.
//
// The database runs in WAL mode with a single writer connection. Invariants of the sync
// model (one record per idempotency key, remote id only on synced records) are enforced
// by constraints in the schema as well as by Record.Validate.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
)

//go:embed schema.sql
var schema string

const recordColumns = `local_id, user_id, activity_type, payload, remote_id, sync_state, created_at, updated_at`

// Store persists activity records in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ recordstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// The caller must call Close when done.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY between our own callers.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: conn, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Insert stores a new record and returns its local id.
func (s *Store) Insert(ctx context.Context, rec recordstore.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", recordstore.ErrInvalidRecord, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_records (local_id, user_id, activity_type, payload, remote_id, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LocalID, rec.UserID, string(rec.Payload.Type), string(payload), nullable(rec.RemoteID),
		string(rec.State), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("insert %s: %w", rec.Key().Raw(), recordstore.ErrDuplicateKey)
		}
		return "", recordstore.Unavailable("insert", err)
	}
	return rec.LocalID, nil
}

// Update overwrites the mutable fields of an existing record. The identity triple is immutable.
// A record that no longer exists yields ErrNotFound.
func (s *Store) Update(ctx context.Context, rec recordstore.Record) error {
	if rec.LocalID == "" {
		return fmt.Errorf("%w: update without local id", recordstore.ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", recordstore.ErrInvalidRecord, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET payload = ?, remote_id = ?, sync_state = ?, updated_at = ?
		WHERE local_id = ?`,
		string(payload), nullable(rec.RemoteID), string(rec.State),
		rec.UpdatedAt.UnixMilli(), rec.LocalID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update %s: %w", rec.LocalID, recordstore.ErrDuplicateKey)
		}
		return recordstore.Unavailable("update", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return recordstore.Unavailable("update", err)
	}
	if affected == 0 {
		return fmt.Errorf("update %s: %w", rec.LocalID, recordstore.ErrNotFound)
	}
	return nil
}

// Delete removes a record by local id. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, rec recordstore.Record) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity_records WHERE local_id = ?`, rec.LocalID); err != nil {
		return recordstore.Unavailable("delete", err)
	}
	return nil
}

// ListByUser returns every record of the user ordered by creation time.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]recordstore.Record, error) {
	return s.list(ctx, "list", `SELECT `+recordColumns+` FROM activity_records
		WHERE user_id = ? ORDER BY created_at ASC, local_id ASC`, userID)
}

// ListByUserAndState returns the user's records in the given state, oldest first.
func (s *Store) ListByUserAndState(ctx context.Context, userID string, state recordstore.State) ([]recordstore.Record, error) {
	return s.list(ctx, "list by state", `SELECT `+recordColumns+` FROM activity_records
		WHERE user_id = ? AND sync_state = ? ORDER BY created_at ASC, local_id ASC`, userID, string(state))
}

// FindByIdempotencyKey returns the record owning the key, or nil.
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID string, createdAt time.Time, typ activity.Type) (*recordstore.Record, error) {
	return s.one(ctx, "find by key", `SELECT `+recordColumns+` FROM activity_records
		WHERE user_id = ? AND created_at = ? AND activity_type = ?`, userID, createdAt.UnixMilli(), string(typ))
}

// FindByRemoteID returns the record carrying remoteID, or nil.
func (s *Store) FindByRemoteID(ctx context.Context, userID, remoteID string) (*recordstore.Record, error) {
	return s.one(ctx, "find by remote id", `SELECT `+recordColumns+` FROM activity_records
		WHERE user_id = ? AND remote_id = ?`, userID, remoteID)
}

// CountByUserAndState counts the user's records in the given state.
func (s *Store) CountByUserAndState(ctx context.Context, userID string, state recordstore.State) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_records WHERE user_id = ? AND sync_state = ?`,
		userID, string(state)).Scan(&n)
	if err != nil {
		return 0, recordstore.Unavailable("count", err)
	}
	return n, nil
}

// DeleteAllForUser removes every record of the user.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity_records WHERE user_id = ?`, userID); err != nil {
		return recordstore.Unavailable("delete user", err)
	}
	return nil
}

// DeleteAll removes every record.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity_records`); err != nil {
		return recordstore.Unavailable("delete all", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]recordstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recordstore.Unavailable(op, err)
	}
	defer rows.Close()

	var out []recordstore.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, recordstore.Unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, recordstore.Unavailable(op, err)
	}
	return out, nil
}

func (s *Store) one(ctx context.Context, op, query string, args ...any) (*recordstore.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, recordstore.Unavailable(op, err)
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (recordstore.Record, error) {
	var (
		rec       recordstore.Record
		typ       string
		payload   string
		remoteID  sql.NullString
		state     string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.LocalID, &rec.UserID, &typ, &payload, &remoteID, &state, &createdAt, &updatedAt); err != nil {
		return recordstore.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return recordstore.Record{}, fmt.Errorf("decode payload of %s: %w", rec.LocalID, err)
	}
	// activity_type is part of the record identity and never changes after insert.
	rec.Payload.Type = activity.Type(typ)
	rec.RemoteID = remoteID.String
	rec.State = recordstore.State(state)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode() {
	case sqlite3.CONSTRAINT_UNIQUE, sqlite3.CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
