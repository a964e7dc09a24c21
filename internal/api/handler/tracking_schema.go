package handler

import (
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// errorResponse is the standard error envelope returned on all 4xx/5xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

// --- Request types ---

type coordinatesRequest struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lng *float64 `json:"lng" validate:"required,longitude"`
}

type startTrackingRequest struct {
	Role     string              `json:"role"      validate:"required,oneof=driver customer"`
	DriverID string              `json:"driver_id" validate:"required_if=Role driver"`
	Pickup   *coordinatesRequest `json:"pickup"    validate:"required_if=Role driver"`
	Delivery *coordinatesRequest `json:"delivery"  validate:"required_if=Role driver"`
}

type commandRequest struct {
	Command string `json:"command" validate:"required,oneof=loaded depart delivered cancel"`
}

// --- Response types ---

type trackingLinks struct {
	Self    string `json:"self"`
	Stream  string `json:"stream"`
	History string `json:"history"`
}

type connectivityResponse struct {
	Connected            bool    `json:"connected"`
	Pending              int     `json:"pending"`
	OldestPendingSeconds float64 `json:"oldest_pending_s"`
	Stalled              bool    `json:"stalled"`
	Degraded             bool    `json:"degraded"`
}

type snapshotResponse struct {
	SessionID        string                 `json:"session_id,omitempty"`
	TripID           string                 `json:"trip_id"`
	Role             string                 `json:"role,omitempty"`
	Live             bool                   `json:"live"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	PermissionDenied bool                   `json:"permission_denied,omitempty"`
	Update           *domain.TrackingUpdate `json:"update,omitempty"`
	Connectivity     *connectivityResponse  `json:"connectivity,omitempty"`
	Links            trackingLinks          `json:"_links"`
}

type historyResponse struct {
	TripID    string                  `json:"trip_id"`
	Updates   []domain.TrackingUpdate `json:"updates"`
	NextAfter uint64                  `json:"next_after,omitempty"`
}

// streamEvent is one websocket frame on the live stream.
type streamEvent struct {
	Type         string                 `json:"type"`
	Update       *domain.TrackingUpdate `json:"update,omitempty"`
	Connectivity *connectivityResponse  `json:"connectivity,omitempty"`
}
