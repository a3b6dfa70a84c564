package remote

import (
	"time"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
)

// SubmitRequest is the body of POST /v1/activities.
type SubmitRequest struct {
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CapturedAt     time.Time        `json:"captured_at"`
	Activity       activity.Payload `json:"activity"`
}

// NewSubmitRequest builds the wire body for rec.
func NewSubmitRequest(rec recordstore.Record, key string) SubmitRequest {
	return SubmitRequest{
		UserID:         rec.UserID,
		IdempotencyKey: key,
		CapturedAt:     rec.CreatedAt.UTC(),
		Activity:       rec.Payload,
	}
}

// SubmitResponse is the body returned by create.
type SubmitResponse struct {
	ActivityID string `json:"activity_id"`
	Status     string `json:"status"`
	Replay     bool   `json:"idempotent_replay"`
}

// ActivityView is one listed activity.
type ActivityView struct {
	ActivityID     string           `json:"activity_id"`
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CapturedAt     time.Time        `json:"captured_at"`
	Activity       activity.Payload `json:"activity"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ListResponse is one page of GET /v1/activities.
type ListResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ErrorResponse is the service's error envelope.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func (v ActivityView) toRemote() RemoteRecord {
	return RemoteRecord{
		RemoteID:       v.ActivityID,
		UserID:         v.UserID,
		IdempotencyKey: v.IdempotencyKey,
		CreatedAt:      v.CapturedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:      v.UpdatedAt.UTC().Truncate(time.Millisecond),
		Payload:        v.Activity,
	}
}
