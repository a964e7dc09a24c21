package simulator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geo"
	"github.com/99minutos/trip-tracking/internal/core/geofence"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

var trip = domain.TripReference{
	TripID:   "trip-42",
	DriverID: "driver-7",
	Pickup:   domain.Point(19.4326, -99.1332),
	Delivery: domain.Point(19.4, -99.17),
}

// 100 m per tick.
var cfg = Config{SpeedKmh: 360, Tick: time.Second, StartOffsetMeters: 1000, Dwell: 3 * time.Second}

func TestRoute_StartsOffsetFromPickup(t *testing.T) {
	r := NewRoute(trip, cfg)

	d := geo.DistanceMeters(r.Position(0), trip.Pickup)
	if math.Abs(d-1000) > 1 {
		t.Fatalf("expected start 1000m from pickup, got %.1f", d)
	}
	if toDelivery := geo.DistanceMeters(r.Position(0), trip.Delivery); toDelivery <= geo.DistanceMeters(trip.Pickup, trip.Delivery) {
		t.Errorf("start should lie beyond pickup, away from delivery")
	}
}

func TestRoute_WalksPickupDwellDelivery(t *testing.T) {
	r := NewRoute(trip, cfg)

	prev := math.Inf(1)
	for n := 0; n < 10; n++ {
		d := geo.DistanceMeters(r.Position(n), trip.Pickup)
		if d >= prev {
			t.Fatalf("tick %d: distance to pickup did not shrink (%.1f >= %.1f)", n, d, prev)
		}
		prev = d
	}

	for n := 10; n < 13; n++ {
		if d := geo.DistanceMeters(r.Position(n), trip.Pickup); d > 0.5 {
			t.Errorf("tick %d: expected dwell at pickup, %.1fm away", n, d)
		}
	}
	if d := geo.DistanceMeters(r.Position(20), trip.Pickup); d < 550 || d > 750 {
		t.Errorf("expected to be on the way to delivery, got %.1fm from pickup", d)
	}
	if d := geo.DistanceMeters(r.Position(10_000), trip.Delivery); d > 0.5 {
		t.Errorf("expected to end at delivery, %.1fm away", d)
	}
}

func TestRoute_DrivesGeofenceToDelivery(t *testing.T) {
	r := NewRoute(trip, cfg)
	engine, err := geofence.NewEngine(trip, geofence.DefaultThresholds(), domain.StatusAssigned)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var seen []domain.TrackingStatus
	for n := 0; n < 200 && engine.Status() != domain.StatusAtPickup; n++ {
		res, err := engine.Evaluate(r.fix(n))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		for _, s := range res.Steps {
			seen = append(seen, s.To)
		}
	}
	want := []domain.TrackingStatus{domain.StatusEnRoutePickup, domain.StatusAtPickup}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, seen)
	}

	if _, err := engine.Apply(domain.CommandLoaded); err != nil {
		t.Fatalf("Apply loaded: %v", err)
	}
	for n := 0; n < 200 && engine.Status() != domain.StatusAtDelivery; n++ {
		if _, err := engine.Evaluate(r.fix(n + 13)); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if engine.Status() != domain.StatusAtDelivery {
		t.Fatalf("expected at_delivery, got %s", engine.Status())
	}
}

func TestRoute_FixCarriesMotion(t *testing.T) {
	r := NewRoute(trip, cfg)

	moving := r.fix(1)
	if moving.Speed == nil || math.Abs(*moving.Speed-100) > 1e-9 {
		t.Errorf("expected 100 m/s, got %v", moving.Speed)
	}
	if moving.Heading == nil {
		t.Error("expected heading while moving")
	}
	if err := moving.Validate(); err != nil {
		t.Errorf("invalid fix: %v", err)
	}

	parked := r.fix(11)
	if parked.Speed == nil || *parked.Speed != 0 || parked.Heading != nil {
		t.Errorf("expected parked fix, got speed=%v heading=%v", parked.Speed, parked.Heading)
	}
}

func TestRoute_WatchTicksUntilStopped(t *testing.T) {
	r := NewRoute(trip, Config{SpeedKmh: 36, Tick: time.Millisecond, StartOffsetMeters: 1000})

	fixes := make(chan domain.Coordinate, 64)
	stop, err := r.Watch(context.Background(), ports.StreamOptions{}, func(c domain.Coordinate) {
		select {
		case fixes <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-fixes:
		case <-time.After(time.Second):
			t.Fatal("no fix from watch")
		}
	}
	stop()

	cur, err := r.CurrentFix(context.Background())
	if err != nil {
		t.Fatalf("CurrentFix: %v", err)
	}
	if geo.DistanceMeters(cur, trip.Pickup) >= 1000 {
		t.Errorf("current fix should have advanced towards pickup")
	}
}

func TestProvider_RejectsInvalidTrip(t *testing.T) {
	p := New(cfg, zerolog.Nop())

	_, err := p.Platform(context.Background(), "driver-7", domain.TripReference{})
	if !errors.Is(err, domain.ErrInvalidTrip) {
		t.Fatalf("expected ErrInvalidTrip, got %v", err)
	}
	if _, err := p.Platform(context.Background(), "driver-7", trip); err != nil {
		t.Fatalf("Platform: %v", err)
	}
}
