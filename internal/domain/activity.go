package domain

import (
	"time"

	"example.com/fitsync/internal/activity"
)

// Activity is the canonical workout record held by the service. IdempotencyKey is unique per
// user; CapturedAt is the device-side creation time the key was derived from.
type Activity struct {
	ID             string
	UserID         string
	IdempotencyKey string
	CapturedAt     time.Time
	Payload        activity.Payload
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Cursor models the pagination token.
type Cursor struct {
	CapturedAt time.Time
	ID         string
}

// Event is an outbox entry recorded in the same transaction as the activity write.
type Event struct {
	Type         string
	Topic        string
	PartitionKey string
	Payload      []byte
}

// Outbox event types.
const (
	EventActivityCreated = "activity.created"
	EventActivityUpdated = "activity.updated"
)
