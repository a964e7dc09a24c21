package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrackingUpdate is one published tracking state. Sequence increases
// monotonically per trip so consumers can detect gaps and reordering.
type TrackingUpdate struct {
	TripID                  string
	DriverID                string
	Position                Coordinate
	Status                  TrackingStatus
	ETASeconds              int64
	DistanceRemainingMeters float64
	BearingDegrees          float64
	Sequence                uint64
	ProducedAt              time.Time
	// Placeholder marks a position substituted for a missing fix.
	Placeholder bool
}

// IdempotencyKey identifies the write server-side.
func (u TrackingUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", u.TripID, u.Sequence)
}

// Transition is an accepted status change, as handed to notification dispatch.
type Transition struct {
	TripID     string         `json:"trip_id"`
	From       TrackingStatus `json:"from"`
	To         TrackingStatus `json:"to"`
	ETASeconds int64          `json:"eta_seconds"`
	Sequence   uint64         `json:"sequence"`
	At         time.Time      `json:"at"`
}

// QueuedWrite is an update waiting in the outbound queue. It leaves the queue
// only once acknowledged, or when the owning session is torn down.
type QueuedWrite struct {
	Update     TrackingUpdate `json:"update"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// UpdateRecord is the flat wire shape of a TrackingUpdate.
type UpdateRecord struct {
	TripID            string    `json:"trip_id" bson:"trip_id"`
	DriverID          string    `json:"driver_id" bson:"driver_id"`
	Sequence          uint64    `json:"sequence" bson:"sequence"`
	Status            string    `json:"status" bson:"status"`
	Lat               float64   `json:"lat" bson:"lat"`
	Lng               float64   `json:"lng" bson:"lng"`
	Accuracy          *float64  `json:"accuracy,omitempty" bson:"accuracy,omitempty"`
	Altitude          *float64  `json:"altitude,omitempty" bson:"altitude,omitempty"`
	Heading           *float64  `json:"heading,omitempty" bson:"heading,omitempty"`
	Speed             *float64  `json:"speed,omitempty" bson:"speed,omitempty"`
	FixTime           time.Time `json:"fix_time" bson:"fix_time"`
	Geohash           string    `json:"geohash" bson:"geohash"`
	ETASeconds        int64     `json:"eta_seconds" bson:"eta_seconds"`
	DistanceRemaining float64   `json:"distance_remaining_m" bson:"distance_remaining_m"`
	Bearing           float64   `json:"bearing_deg" bson:"bearing_deg"`
	Placeholder       bool      `json:"placeholder,omitempty" bson:"placeholder,omitempty"`
	ProducedAt        time.Time `json:"produced_at" bson:"produced_at"`
}

// Record flattens the update for the wire.
func (u TrackingUpdate) Record() UpdateRecord {
	return UpdateRecord{
		TripID:            u.TripID,
		DriverID:          u.DriverID,
		Sequence:          u.Sequence,
		Status:            string(u.Status),
		Lat:               u.Position.Latitude,
		Lng:               u.Position.Longitude,
		Accuracy:          u.Position.Accuracy,
		Altitude:          u.Position.Altitude,
		Heading:           u.Position.Heading,
		Speed:             u.Position.Speed,
		FixTime:           u.Position.Timestamp.UTC(),
		Geohash:           u.Position.Cell(),
		ETASeconds:        u.ETASeconds,
		DistanceRemaining: u.DistanceRemainingMeters,
		Bearing:           u.BearingDegrees,
		Placeholder:       u.Placeholder,
		ProducedAt:        u.ProducedAt.UTC(),
	}
}

// Update rebuilds a TrackingUpdate from its flat record.
func (r UpdateRecord) Update() (TrackingUpdate, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return TrackingUpdate{}, err
	}
	if r.TripID == "" {
		return TrackingUpdate{}, fmt.Errorf("%w: record without trip id", ErrInvalidTrip)
	}
	return TrackingUpdate{
		TripID:   r.TripID,
		DriverID: r.DriverID,
		Position: Coordinate{
			Latitude:  r.Lat,
			Longitude: r.Lng,
			Accuracy:  r.Accuracy,
			Altitude:  r.Altitude,
			Heading:   r.Heading,
			Speed:     r.Speed,
			Timestamp: r.FixTime,
		},
		Status:                  status,
		ETASeconds:              r.ETASeconds,
		DistanceRemainingMeters: r.DistanceRemaining,
		BearingDegrees:          r.Bearing,
		Sequence:                r.Sequence,
		ProducedAt:              r.ProducedAt,
		Placeholder:             r.Placeholder,
	}, nil
}

// MarshalJSON encodes the update as its flat record.
func (u TrackingUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Record())
}

// UnmarshalJSON decodes a flat record.
func (u *TrackingUpdate) UnmarshalJSON(b []byte) error {
	var rec UpdateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	decoded, err := rec.Update()
	if err != nil {
		return err
	}
	*u = decoded
	return nil
}
