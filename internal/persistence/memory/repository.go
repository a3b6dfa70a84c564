// Package memory provides an in-process activity repository for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/outbox"
	"example.com/fitsync/internal/persistence"
)

// Repository stores activities and their outbox events in memory.
type Repository struct {
	mu         sync.RWMutex
	activities map[string]domain.Activity // by id
	keys       map[string]string          // user|key -> id
	events     []storedEvent
	dlq        []DeadLetter
}

type storedEvent struct {
	id          int64
	aggregateID string
	event       domain.Event
	published   bool
}

// DeadLetter is an event the outbox dispatcher gave up on.
type DeadLetter struct {
	EventID int64
	Reason  string
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		activities: make(map[string]domain.Activity),
		keys:       make(map[string]string),
	}
}

func keyOf(userID, idempotencyKey string) string {
	return userID + "|" + idempotencyKey
}

// FindByIdempotency returns the activity created under idempotencyKey, or nil.
func (r *Repository) FindByIdempotency(_ context.Context, userID, idempotencyKey string) (*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keys[keyOf(userID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	a := r.activities[id]
	return &a, nil
}

// Create stores a and its event atomically.
func (r *Repository) Create(_ context.Context, a domain.Activity, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(a.UserID, a.IdempotencyKey)
	if _, taken := r.keys[k]; taken {
		return domain.ErrIdempotentReplay
	}
	r.activities[a.ID] = a
	r.keys[k] = a.ID
	r.appendEvent(a.ID, event)
	observability.RecordActivityPersisted(a.UpdatedAt)
	return nil
}

// Get returns the user's activity by id, or nil.
func (r *Repository) Get(_ context.Context, userID, activityID string) (*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[activityID]
	if !ok || a.UserID != userID {
		return nil, nil
	}
	return &a, nil
}

// Update replaces a if its stored version still equals expectedVersion.
func (r *Repository) Update(_ context.Context, a domain.Activity, expectedVersion int, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.activities[a.ID]
	if !ok || current.UserID != a.UserID {
		return domain.ErrActivityNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	r.activities[a.ID] = a
	r.appendEvent(a.ID, event)
	observability.RecordActivityPersisted(a.UpdatedAt)
	return nil
}

// ListByUser returns up to limit activities newest first, starting after cursor.
func (r *Repository) ListByUser(_ context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	r.mu.RLock()
	matched := make([]domain.Activity, 0)
	for _, a := range r.activities {
		if a.UserID == userID && persistence.Before(cursor, a.CapturedAt, a.ID) {
			matched = append(matched, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CapturedAt.Equal(matched[j].CapturedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CapturedAt.After(matched[j].CapturedAt)
	})
	if limit <= 0 || len(matched) <= limit {
		return matched, nil, nil
	}
	page := matched[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{CapturedAt: last.CapturedAt, ID: last.ID}, nil
}

func (r *Repository) appendEvent(aggregateID string, event domain.Event) {
	r.events = append(r.events, storedEvent{id: int64(len(r.events) + 1), aggregateID: aggregateID, event: event})
}

// Events returns the recorded outbox events in write order.
func (r *Repository) Events() []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

// Claim returns up to limit unpublished events. Calls are not exclusive, which is fine for a
// single in-process dispatcher.
func (r *Repository) Claim(_ context.Context, limit int) ([]outbox.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]outbox.Message, 0)
	for _, e := range r.events {
		if e.published {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, outbox.Message{
			EventID:       e.id,
			AggregateType: "activity",
			AggregateID:   e.aggregateID,
			EventType:     e.event.Type,
			Topic:         e.event.Topic,
			PartitionKey:  e.event.PartitionKey,
			Payload:       e.event.Payload,
		})
	}
	return out, nil
}

// MarkPublished flags ids as delivered.
func (r *Repository) MarkPublished(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id >= 1 && int(id) <= len(r.events) {
			r.events[id-1].published = true
		}
	}
	return nil
}

// MoveToDLQ records msg as undeliverable.
func (r *Repository) MoveToDLQ(_ context.Context, msg outbox.Message, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, DeadLetter{EventID: msg.EventID, Reason: reason})
	return nil
}

// DeadLetters returns the DLQ entries.
func (r *Repository) DeadLetters() []DeadLetter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeadLetter(nil), r.dlq...)
}

// Count returns the number of stored activities.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activities)
}
