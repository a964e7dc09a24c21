package wsdevice

import (
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// Inbound message types, sent by the driver app.
const (
	typeLocation         = "location_update"
	typePermission       = "permission_status"
	typePermissionResult = "permission_result"
)

// Outbound message types, sent to the driver app.
const (
	typePermissionRequest = "permission_request"
	typeFixRequest        = "fix_request"
	typeWatch             = "watch"
	typeUnwatch           = "unwatch"
	typeError             = "error"
)

// inbound is the union of every message the device may send.
type inbound struct {
	Type string `json:"type"`

	// location_update
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	AltitudeMeters *float64 `json:"altitude_meters,omitempty"`
	SpeedKmh       *float64 `json:"speed_kmh,omitempty"`
	HeadingDegrees *float64 `json:"heading_degrees,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"` // unix millis

	// permission_status
	Granted              bool `json:"granted"`
	CanRequestBackground bool `json:"can_request_background"`

	// permission_result
	RequestID string `json:"request_id,omitempty"`
}

func (m inbound) coordinate(now time.Time) domain.Coordinate {
	c := domain.Coordinate{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Accuracy:  m.AccuracyMeters,
		Altitude:  m.AltitudeMeters,
		Heading:   m.HeadingDegrees,
		Timestamp: now,
	}
	if m.SpeedKmh != nil {
		mps := *m.SpeedKmh / 3.6
		c.Speed = &mps
	}
	if m.Timestamp > 0 {
		c.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	}
	return c
}

type permissionRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Scope     ports.PermissionScope `json:"scope"`
}

type signal struct {
	Type string `json:"type"`
}

type watchRequest struct {
	Type              string             `json:"type"`
	Accuracy          ports.AccuracyTier `json:"accuracy,omitempty"`
	MinIntervalMillis int64              `json:"min_interval_ms,omitempty"`
	MinDistanceMeters float64            `json:"min_distance_m,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newWatchRequest(opts ports.StreamOptions) watchRequest {
	return watchRequest{
		Type:              typeWatch,
		Accuracy:          opts.Accuracy,
		MinIntervalMillis: opts.MinInterval.Milliseconds(),
		MinDistanceMeters: opts.MinDistanceMeters,
	}
}
