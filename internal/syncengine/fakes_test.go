package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/remote"
)

// fakeService is an idempotent in-process stand-in for the activity service.
type fakeService struct {
	mu       sync.Mutex
	byKey    map[string]remote.RemoteRecord
	keys     []string
	submits  []string
	lists    int
	now      time.Time
	onSubmit func(rec recordstore.Record, attempt int) error
	onList   func(call int) error
	lostAck  func(rec recordstore.Record, attempt int) bool
}

func newFakeService() *fakeService {
	return &fakeService{
		byKey: make(map[string]remote.RemoteRecord),
		now:   time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeService) Submit(_ context.Context, rec recordstore.Record, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, key)
	attempt := len(f.submits)
	if f.onSubmit != nil {
		if err := f.onSubmit(rec, attempt); err != nil {
			return "", err
		}
	}

	existing, ok := f.byKey[key]
	if !ok {
		existing = remote.RemoteRecord{
			RemoteID:       fmt.Sprintf("r%d", len(f.byKey)+1),
			UserID:         rec.UserID,
			IdempotencyKey: key,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      f.now,
			Payload:        rec.Payload,
		}
		f.byKey[key] = existing
		f.keys = append(f.keys, key)
	}
	if f.lostAck != nil && f.lostAck(rec, attempt) {
		return "", &remote.Error{Kind: remote.KindTimeout, Err: errors.New("ack lost")}
	}
	return existing.RemoteID, nil
}

func (f *fakeService) ListActivities(_ context.Context, userID string) ([]remote.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists++
	if f.onList != nil {
		if err := f.onList(f.lists); err != nil {
			return nil, err
		}
	}
	var out []remote.RemoteRecord
	for _, key := range f.keys {
		if rr := f.byKey[key]; rr.UserID == userID {
			out = append(out, rr)
		}
	}
	return out, nil
}

// seed stores a record that another device already synced.
func (f *fakeService) seed(userID string, typ activity.Type, createdAt time.Time) remote.RemoteRecord {
	rec := recordstore.NewPending(userID, activity.Payload{Type: typ, StartTime: createdAt}, createdAt)
	key := rec.Key().String()
	f.mu.Lock()
	defer f.mu.Unlock()
	rr := remote.RemoteRecord{
		RemoteID:       fmt.Sprintf("r%d", len(f.byKey)+1),
		UserID:         userID,
		IdempotencyKey: key,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      f.now,
		Payload:        rec.Payload,
	}
	f.byKey[key] = rr
	f.keys = append(f.keys, key)
	return rr
}

func (f *fakeService) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rr := range f.byKey {
		if rr.UserID == userID {
			n++
		}
	}
	return n
}

func (f *fakeService) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

// faultyStore fails the named operations with a storage error.
type faultyStore struct {
	recordstore.Store
	mu   sync.Mutex
	fail map[string]bool
}

func newFaultyStore(inner recordstore.Store) *faultyStore {
	return &faultyStore{Store: inner, fail: make(map[string]bool)}
}

func (s *faultyStore) breakOp(op string, broken bool) {
	s.mu.Lock()
	s.fail[op] = broken
	s.mu.Unlock()
}

func (s *faultyStore) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[op] {
		return recordstore.Unavailable(op, errors.New("disk I/O error"))
	}
	return nil
}

func (s *faultyStore) ListByUserAndState(ctx context.Context, userID string, state recordstore.State) ([]recordstore.Record, error) {
	if err := s.check("list"); err != nil {
		return nil, err
	}
	return s.Store.ListByUserAndState(ctx, userID, state)
}

func (s *faultyStore) CountByUserAndState(ctx context.Context, userID string, state recordstore.State) (int, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	return s.Store.CountByUserAndState(ctx, userID, state)
}

func (s *faultyStore) Update(ctx context.Context, rec recordstore.Record) error {
	if err := s.check("update"); err != nil {
		return err
	}
	return s.Store.Update(ctx, rec)
}

func (s *faultyStore) Delete(ctx context.Context, rec recordstore.Record) error {
	if err := s.check("delete"); err != nil {
		return err
	}
	return s.Store.Delete(ctx, rec)
}

func (s *faultyStore) FindByRemoteID(ctx context.Context, userID, remoteID string) (*recordstore.Record, error) {
	if err := s.check("find"); err != nil {
		return nil, err
	}
	return s.Store.FindByRemoteID(ctx, userID, remoteID)
}
