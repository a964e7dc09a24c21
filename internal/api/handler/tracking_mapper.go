package handler

import (
	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

func toStartInput(tripID string, req startTrackingRequest) ports.StartTrackingInput {
	in := ports.StartTrackingInput{
		Trip: domain.TripReference{TripID: tripID, DriverID: req.DriverID},
		Role: domain.Role(req.Role),
	}
	if req.Pickup != nil {
		in.Trip.Pickup = toCoordinate(*req.Pickup)
	}
	if req.Delivery != nil {
		in.Trip.Delivery = toCoordinate(*req.Delivery)
	}
	return in
}

func toCoordinate(c coordinatesRequest) domain.Coordinate {
	var lat, lng float64
	if c.Lat != nil {
		lat = *c.Lat
	}
	if c.Lng != nil {
		lng = *c.Lng
	}
	return domain.Point(lat, lng)
}

func linksFor(tripID string) trackingLinks {
	base := "/v1/trips/" + tripID
	return trackingLinks{
		Self:    base + "/snapshot",
		Stream:  base + "/stream",
		History: base + "/history",
	}
}

func toConnectivityResponse(c domain.Connectivity) *connectivityResponse {
	return &connectivityResponse{
		Connected:            c.Connected,
		Pending:              c.Pending,
		OldestPendingSeconds: c.OldestPending.Seconds(),
		Stalled:              c.Stalled,
		Degraded:             c.Degraded(),
	}
}

func toSnapshotResponse(s *ports.SessionSnapshot) snapshotResponse {
	resp := snapshotResponse{
		SessionID:        s.SessionID,
		TripID:           s.TripID,
		Role:             string(s.Role),
		Live:             s.Live,
		PermissionDenied: s.PermissionDenied,
		Update:           s.Update,
		Links:            linksFor(s.TripID),
	}
	if s.Live {
		started := s.StartedAt.UTC()
		resp.StartedAt = &started
		resp.Connectivity = toConnectivityResponse(s.Connectivity)
	}
	return resp
}

func toStreamEvent(ev ports.SessionEvent) streamEvent {
	if ev.Connectivity != nil {
		return streamEvent{Type: "connectivity", Connectivity: toConnectivityResponse(*ev.Connectivity)}
	}
	return streamEvent{Type: "update", Update: ev.Update}
}
