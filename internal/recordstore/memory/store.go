// Package memory provides an in-process record store for tests and ephemeral agents.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
)

// Store keeps records in mutex-guarded maps and enforces the same constraints as the
// SQLite store.
type Store struct {
	mu      sync.RWMutex
	records map[string]recordstore.Record
	keys    map[string]string
}

var _ recordstore.Store = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]recordstore.Record),
		keys:    make(map[string]string),
	}
}

func (s *Store) Insert(_ context.Context, rec recordstore.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key().Raw()
	if _, exists := s.keys[key]; exists {
		return "", fmt.Errorf("insert %s: %w", key, recordstore.ErrDuplicateKey)
	}
	if rec.RemoteID != "" && s.remoteTaken(rec.UserID, rec.RemoteID, "") {
		return "", fmt.Errorf("insert remote %s: %w", rec.RemoteID, recordstore.ErrDuplicateKey)
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	if _, exists := s.records[rec.LocalID]; exists {
		return "", fmt.Errorf("insert %s: %w", rec.LocalID, recordstore.ErrDuplicateKey)
	}
	rec = normalise(rec)
	s.records[rec.LocalID] = rec
	s.keys[key] = rec.LocalID
	return rec.LocalID, nil
}

// Update overwrites the mutable fields of the record. The identity triple is immutable.
func (s *Store) Update(_ context.Context, rec recordstore.Record) error {
	if rec.LocalID == "" {
		return fmt.Errorf("%w: update without local id", recordstore.ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.LocalID]
	if !ok {
		return fmt.Errorf("update %s: %w", rec.LocalID, recordstore.ErrNotFound)
	}
	if rec.RemoteID != "" && s.remoteTaken(rec.UserID, rec.RemoteID, rec.LocalID) {
		return fmt.Errorf("update remote %s: %w", rec.RemoteID, recordstore.ErrDuplicateKey)
	}
	existing.Payload = rec.Payload
	existing.Payload.Type = s.records[rec.LocalID].Payload.Type
	existing.RemoteID = rec.RemoteID
	existing.State = rec.State
	existing.UpdatedAt = rec.UpdatedAt
	s.records[rec.LocalID] = normalise(existing)
	return nil
}

func (s *Store) Delete(_ context.Context, rec recordstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(rec.LocalID)
	return nil
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]recordstore.Record, error) {
	return s.filter(func(r recordstore.Record) bool { return r.UserID == userID }), nil
}

func (s *Store) ListByUserAndState(_ context.Context, userID string, state recordstore.State) ([]recordstore.Record, error) {
	return s.filter(func(r recordstore.Record) bool { return r.UserID == userID && r.State == state }), nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, userID string, createdAt time.Time, typ activity.Type) (*recordstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := recordstore.Key{UserID: userID, CreatedAt: createdAt, Type: typ}.Raw()
	id, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	return &rec, nil
}

func (s *Store) FindByRemoteID(_ context.Context, userID, remoteID string) (*recordstore.Record, error) {
	if remoteID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.UserID == userID && rec.RemoteID == remoteID {
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *Store) CountByUserAndState(ctx context.Context, userID string, state recordstore.State) (int, error) {
	recs, _ := s.ListByUserAndState(ctx, userID, state)
	return len(recs), nil
}

func (s *Store) DeleteAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.UserID == userID {
			s.remove(id)
		}
	}
	return nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]recordstore.Record)
	s.keys = make(map[string]string)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) remove(localID string) {
	rec, ok := s.records[localID]
	if !ok {
		return
	}
	delete(s.keys, rec.Key().Raw())
	delete(s.records, localID)
}

func (s *Store) remoteTaken(userID, remoteID, exceptLocalID string) bool {
	for id, rec := range s.records {
		if id != exceptLocalID && rec.UserID == userID && rec.RemoteID == remoteID {
			return true
		}
	}
	return false
}

func (s *Store) filter(keep func(recordstore.Record) bool) []recordstore.Record {
	s.mu.RLock()
	out := make([]recordstore.Record, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// normalise mirrors the millisecond precision of the durable store.
func normalise(rec recordstore.Record) recordstore.Record {
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()
	rec.UpdatedAt = time.UnixMilli(rec.UpdatedAt.UnixMilli()).UTC()
	return rec
}
