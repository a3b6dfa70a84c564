// Package domain defines the business logic for the activity service.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/observability"
)

var (
	// ErrIdempotentReplay indicates an existing activity was found for the provided idempotency key.
	ErrIdempotentReplay = errors.New("activity already exists for idempotency key")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrVersionConflict is returned when an update names a stale version.
	ErrVersionConflict = errors.New("activity version conflict")
	// ErrInvalidActivity wraps input validation failures.
	ErrInvalidActivity = errors.New("invalid activity")
)

// ActivityRepository captures persistence operations. Create returns ErrIdempotentReplay when
// the (user, idempotency key) pair is already taken. Lookups return nil, nil when absent.
type ActivityRepository interface {
	FindByIdempotency(ctx context.Context, userID, idempotencyKey string) (*Activity, error)
	Create(ctx context.Context, a Activity, event Event) error
	Get(ctx context.Context, userID, activityID string) (*Activity, error)
	Update(ctx context.Context, a Activity, expectedVersion int, event Event) error
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
}

// Service orchestrates activity workflows.
type Service struct {
	repo  ActivityRepository
	topic string
	now   func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithEventTopic sets the topic outbox events are routed to.
func WithEventTopic(topic string) ServiceOption {
	return func(s *Service) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// NewService constructs a Service.
func NewService(repo ActivityRepository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, topic: "activity_events", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateActivityInput captures the payload from the API layer.
type CreateActivityInput struct {
	UserID         string
	IdempotencyKey string
	CapturedAt     time.Time
	Payload        activity.Payload
}

// Validate ensures input correctness.
func (in CreateActivityInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidActivity)
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidActivity)
	}
	if in.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidActivity)
	}
	if err := in.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	return nil
}

// CreateActivity handles idempotent create semantics and outbox recording. The boolean result
// reports a replay of an earlier create with the same key.
func (s *Service) CreateActivity(ctx context.Context, input CreateActivityInput) (*Activity, bool, error) {
	if err := input.Validate(); err != nil {
		return nil, false, err
	}
	existing, err := s.repo.FindByIdempotency(ctx, input.UserID, input.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		observability.RecordActivityCreated(true)
		return existing, true, nil
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	a := Activity{
		ID:             uuid.NewString(),
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		CapturedAt:     input.CapturedAt.UTC().Truncate(time.Millisecond),
		Payload:        input.Payload,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	event, err := s.event(EventActivityCreated, a)
	if err != nil {
		return nil, false, err
	}

	if err := s.repo.Create(ctx, a, event); err != nil {
		if !errors.Is(err, ErrIdempotentReplay) {
			return nil, false, err
		}
		// A concurrent request with the same key won the insert.
		winner, findErr := s.repo.FindByIdempotency(ctx, input.UserID, input.IdempotencyKey)
		if findErr != nil {
			return nil, false, findErr
		}
		if winner == nil {
			return nil, false, err
		}
		observability.RecordActivityCreated(true)
		return winner, true, nil
	}

	observability.RecordActivityCreated(false)
	return &a, false, nil
}

// GetActivity fetches by ID.
func (s *Service) GetActivity(ctx context.Context, userID, activityID string) (*Activity, error) {
	a, err := s.repo.Get(ctx, userID, activityID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrActivityNotFound
	}
	return a, nil
}

// UpdateActivityInput replaces the payload of an existing activity. ExpectedVersion zero skips
// the optimistic concurrency check.
type UpdateActivityInput struct {
	UserID          string
	ActivityID      string
	Payload         activity.Payload
	ExpectedVersion int
}

// UpdateActivity overwrites the payload and bumps version and updated_at. The activity type is
// part of the idempotency identity and cannot change.
func (s *Service) UpdateActivity(ctx context.Context, input UpdateActivityInput) (*Activity, error) {
	if err := input.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	current, err := s.GetActivity(ctx, input.UserID, input.ActivityID)
	if err != nil {
		return nil, err
	}
	if input.Payload.Type != current.Payload.Type {
		return nil, fmt.Errorf("%w: activity_type cannot change", ErrInvalidActivity)
	}
	if input.ExpectedVersion != 0 && input.ExpectedVersion != current.Version {
		return nil, ErrVersionConflict
	}

	updated := *current
	updated.Payload = input.Payload
	updated.Version = current.Version + 1
	updated.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	if !updated.UpdatedAt.After(current.UpdatedAt) {
		updated.UpdatedAt = current.UpdatedAt.Add(time.Millisecond)
	}

	event, err := s.event(EventActivityUpdated, updated)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, updated, current.Version, event); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListActivitiesByUser fetches activities with cursor pagination.
func (s *Service) ListActivitiesByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error) {
	return s.repo.ListByUser(ctx, userID, cursor, limit)
}

// ActivityEvent is the JSON body published for activity events.
type ActivityEvent struct {
	ActivityID     string           `json:"activity_id"`
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CapturedAt     time.Time        `json:"captured_at"`
	Version        int              `json:"version"`
	Activity       activity.Payload `json:"activity"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

func (s *Service) event(eventType string, a Activity) (Event, error) {
	body, err := json.Marshal(ActivityEvent{
		ActivityID:     a.ID,
		UserID:         a.UserID,
		IdempotencyKey: a.IdempotencyKey,
		CapturedAt:     a.CapturedAt,
		Version:        a.Version,
		Activity:       a.Payload,
		OccurredAt:     a.UpdatedAt,
	})
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Topic: s.topic, PartitionKey: a.UserID, Payload: body}, nil
}
