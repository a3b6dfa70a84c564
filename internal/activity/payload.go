// Package activity defines the workout payload shared by the device sync engine and the
// remote activity service.
package activity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Type identifies the kind of workout captured on the device.
type Type string

const (
	TypeRunning       Type = "RUNNING"
	TypeCycling       Type = "CYCLING"
	TypeWeightlifting Type = "WEIGHTLIFTING"
)

// ParseType normalises user input into a known Type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown activity type %q", raw)
	}
	return t, nil
}

// Valid reports whether t is one of the supported activity types.
func (t Type) Valid() bool {
	switch t {
	case TypeRunning, TypeCycling, TypeWeightlifting:
		return true
	}
	return false
}

// Exercise is a single weightlifting entry attached to a WEIGHTLIFTING payload.
type Exercise struct {
	Name        string  `json:"exercise_name"`
	Sets        int     `json:"sets"`
	Reps        int     `json:"reps"`
	WeightKg    float64 `json:"weight_kg"`
	RestSeconds int     `json:"rest_time_seconds,omitempty"`
}

// Payload carries the domain fields of a captured workout. The sync engine treats it as
// opaque apart from equality.
type Payload struct {
	Type             Type       `json:"activity_type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	DurationSeconds  int64      `json:"duration_seconds"`
	DistanceMeters   float64    `json:"distance_meters"`
	CaloriesBurned   float64    `json:"calories_burned"`
	AverageHeartRate int        `json:"average_heart_rate,omitempty"`
	MaxHeartRate     int        `json:"max_heart_rate,omitempty"`
	AverageSpeed     float64    `json:"average_speed,omitempty"`
	MaxSpeed         float64    `json:"max_speed,omitempty"`
	ElevationGain    float64    `json:"elevation_gain,omitempty"`
	RouteData        string     `json:"route_data,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	Exercises        []Exercise `json:"exercises,omitempty"`
}

// Validate ensures the payload is well formed enough to be persisted or submitted.
func (p Payload) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("activity_type %q is not supported", p.Type)
	}
	if p.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if !p.EndTime.IsZero() && p.EndTime.Before(p.StartTime) {
		return errors.New("end_time must not precede start_time")
	}
	if p.DurationSeconds < 0 {
		return errors.New("duration_seconds must be >= 0")
	}
	if p.DistanceMeters < 0 || p.CaloriesBurned < 0 {
		return errors.New("distance_meters and calories_burned must be >= 0")
	}
	if len(p.Exercises) > 0 && p.Type != TypeWeightlifting {
		return errors.New("exercises are only allowed on WEIGHTLIFTING activities")
	}
	for i, ex := range p.Exercises {
		if strings.TrimSpace(ex.Name) == "" {
			return fmt.Errorf("exercises[%d].exercise_name is required", i)
		}
		if ex.Sets <= 0 || ex.Reps <= 0 {
			return fmt.Errorf("exercises[%d] needs positive sets and reps", i)
		}
	}
	return nil
}

// Equal compares two payloads field by field, treating timestamps by instant.
func (p Payload) Equal(other Payload) bool {
	if !p.StartTime.Equal(other.StartTime) || !p.EndTime.Equal(other.EndTime) {
		return false
	}
	a, b := p, other
	a.StartTime, a.EndTime = time.Time{}, time.Time{}
	b.StartTime, b.EndTime = time.Time{}, time.Time{}
	if len(a.Exercises) == 0 && len(b.Exercises) == 0 {
		a.Exercises, b.Exercises = nil, nil
	}
	return reflect.DeepEqual(a, b)
}

// DistanceKm returns the distance in kilometres.
func (p Payload) DistanceKm() float64 {
	return p.DistanceMeters / 1000.0
}

// PaceMinutesPerKm returns minutes per kilometre, or 0 when no distance was recorded.
func (p Payload) PaceMinutesPerKm() float64 {
	km := p.DistanceKm()
	if km <= 0 {
		return 0
	}
	return (float64(p.DurationSeconds) / 60.0) / km
}

// Completed reports whether the session has an end time.
func (p Payload) Completed() bool {
	return !p.EndTime.IsZero()
}
