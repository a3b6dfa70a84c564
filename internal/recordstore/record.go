// Package recordstore defines the durable local store of captured activity records.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"example.com/fitsync/internal/activity"
)

var (
	// ErrUnavailable marks storage failures. A pass that hits one aborts and is retried on the
	// next trigger.
	ErrUnavailable = errors.New("record store unavailable")
	// ErrDuplicateKey is returned when a record with the same idempotency key already exists.
	ErrDuplicateKey = errors.New("record already exists for idempotency key")
	// ErrInvalidRecord is returned when a record violates the sync-state invariants.
	ErrInvalidRecord = errors.New("invalid activity record")
	// ErrNotFound is returned by Update when the record no longer exists, e.g. after a clear.
	ErrNotFound = errors.New("activity record not found")
)

// State is the sync lifecycle state of a local record.
type State string

const (
	StatePending State = "pending"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSynced, StateFailed:
		return true
	}
	return false
}

// Record is a locally captured activity and its sync bookkeeping.
type Record struct {
	LocalID   string
	UserID    string
	Payload   activity.Payload
	RemoteID  string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the idempotency key of the record.
func (r Record) Key() Key {
	return Key{UserID: r.UserID, CreatedAt: r.CreatedAt, Type: r.Payload.Type}
}

// Validate checks the invariants every store enforces on write.
func (r Record) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecord)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, r.State)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidRecord)
	}
	if !r.Payload.Type.Valid() {
		return fmt.Errorf("%w: activity type %q", ErrInvalidRecord, r.Payload.Type)
	}
	if r.RemoteID != "" && r.State != StateSynced {
		return fmt.Errorf("%w: remote id set on %s record", ErrInvalidRecord, r.State)
	}
	if r.State == StateSynced && r.RemoteID == "" {
		return fmt.Errorf("%w: synced record without remote id", ErrInvalidRecord)
	}
	return nil
}

// NewPending builds a pending record for the capture flow. Timestamps are truncated to
// millisecond precision so they survive a round trip through every store.
func NewPending(userID string, payload activity.Payload, now time.Time) Record {
	ts := now.UTC().Truncate(time.Millisecond)
	return Record{
		UserID:    userID,
		Payload:   payload,
		State:     StatePending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

var keyNamespace = uuid.MustParse("6f1d4c8e-5a0b-4e61-9b39-2d7a0c3e8f14")

// Key is the idempotency key of a record: the (user, created-at, type) triple.
type Key struct {
	UserID    string
	CreatedAt time.Time
	Type      activity.Type
}

// Raw returns the human-readable triple.
func (k Key) Raw() string {
	return k.UserID + "|" + strconv.FormatInt(k.CreatedAt.UnixMilli(), 10) + "|" + string(k.Type)
}

// String returns the deterministic, header-safe form sent to the remote service.
func (k Key) String() string {
	return uuid.NewSHA1(keyNamespace, []byte(k.Raw())).String()
}

// Store is durable CRUD over activity records. Every operation is atomic for a single record.
// Lookups return nil, nil when nothing matches.
type Store interface {
	Insert(ctx context.Context, rec Record) (string, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, rec Record) error
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	// ListByUserAndState returns records ordered by ascending CreatedAt.
	ListByUserAndState(ctx context.Context, userID string, state State) ([]Record, error)
	FindByIdempotencyKey(ctx context.Context, userID string, createdAt time.Time, typ activity.Type) (*Record, error)
	FindByRemoteID(ctx context.Context, userID, remoteID string) (*Record, error)
	CountByUserAndState(ctx context.Context, userID string, state State) (int, error)
	DeleteAllForUser(ctx context.Context, userID string) error
	DeleteAll(ctx context.Context) error
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("recordstore %s: %w", op, errors.Join(ErrUnavailable, err))
}

// IsUnavailable reports whether err is a storage failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
