// Package geofence derives trip status transitions from driver fixes using
// circular geofences around the pickup and delivery points.
//
// Geometry alone only ever moves a trip forward through the "en route" and
// "arrived" states. Loading, departure, delivery and cancellation need an
// explicit Command: GPS noise near a parked vehicle must never complete a trip.
package geofence

import (
	"errors"
	"fmt"
	"math"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geo"
)

var ErrInvalidThresholds = errors.New("invalid geofence thresholds")

// Thresholds are the geofence radii and the ETA speed assumption.
type Thresholds struct {
	ArrivalRadiusMeters float64 `yaml:"arrival_radius_m" validate:"gt=0"`
	NearbyRadiusMeters  float64 `yaml:"nearby_radius_m" validate:"gtefield=ArrivalRadiusMeters"`
	AssumedSpeedKmh     float64 `yaml:"assumed_speed_kmh" validate:"gt=0"`
}

// DefaultThresholds returns the production radii: 100 m arrival, 500 m nearby.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ArrivalRadiusMeters: 100,
		NearbyRadiusMeters:  500,
		AssumedSpeedKmh:     geo.DefaultAssumedSpeedKmh,
	}
}

func (t Thresholds) validate() error {
	if !(t.ArrivalRadiusMeters > 0) || !(t.NearbyRadiusMeters >= t.ArrivalRadiusMeters) || !(t.AssumedSpeedKmh > 0) {
		return fmt.Errorf("%w: %+v", ErrInvalidThresholds, t)
	}
	return nil
}

// Step is one accepted status change.
type Step struct {
	From domain.TrackingStatus
	To   domain.TrackingStatus
}

// Result is the outcome of evaluating one fix.
type Result struct {
	Status                  domain.TrackingStatus
	Steps                   []Step // in the order they were taken
	DistanceRemainingMeters float64
	ETASeconds              int64
	BearingDegrees          float64
}

type distances struct {
	pickup, delivery float64
}

// rule is a geometric transition. Rules are evaluated in order against the
// status left by the previous rule, so one fix may cascade through several.
type rule struct {
	from  []domain.TrackingStatus
	to    domain.TrackingStatus
	holds func(d distances, t Thresholds) bool
}

var rules = []rule{
	{
		from:  []domain.TrackingStatus{domain.StatusAssigned, domain.StatusEnRoutePickup},
		to:    domain.StatusAtPickup,
		holds: func(d distances, t Thresholds) bool { return d.pickup < t.ArrivalRadiusMeters },
	},
	{
		from:  []domain.TrackingStatus{domain.StatusAssigned},
		to:    domain.StatusEnRoutePickup,
		holds: func(d distances, t Thresholds) bool { return d.pickup >= t.ArrivalRadiusMeters },
	},
	{
		from:  []domain.TrackingStatus{domain.StatusLoaded, domain.StatusEnRouteDelivery},
		to:    domain.StatusNearby,
		holds: func(d distances, t Thresholds) bool { return d.delivery < t.NearbyRadiusMeters },
	},
	{
		from:  []domain.TrackingStatus{domain.StatusLoaded, domain.StatusEnRouteDelivery, domain.StatusNearby},
		to:    domain.StatusAtDelivery,
		holds: func(d distances, t Thresholds) bool { return d.delivery < t.ArrivalRadiusMeters },
	},
}

// Engine is the per-trip geofencing state machine. It is synchronous and not
// safe for concurrent use; the owning session serialises access.
type Engine struct {
	trip       domain.TripReference
	thresholds Thresholds
	status     domain.TrackingStatus
}

// NewEngine builds an engine for trip starting at initial.
func NewEngine(trip domain.TripReference, thresholds Thresholds, initial domain.TrackingStatus) (*Engine, error) {
	if err := trip.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.validate(); err != nil {
		return nil, err
	}
	if initial == "" {
		initial = domain.StatusAssigned
	}
	if initial.Rank() < 0 {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, initial)
	}
	return &Engine{trip: trip, thresholds: thresholds, status: initial}, nil
}

// Status returns the current status.
func (e *Engine) Status() domain.TrackingStatus { return e.status }

// Thresholds returns the radii in use.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Evaluate feeds one fix. An invalid fix is rejected with
// domain.ErrInvalidCoordinate and leaves the status untouched.
func (e *Engine) Evaluate(fix domain.Coordinate) (Result, error) {
	if err := fix.Validate(); err != nil {
		return Result{Status: e.status}, err
	}

	var steps []Step
	if !e.status.Terminal() {
		d := distances{
			pickup:   geo.DistanceMeters(fix, e.trip.Pickup),
			delivery: geo.DistanceMeters(fix, e.trip.Delivery),
		}
		for _, r := range rules {
			if !r.applies(e.status) || !r.holds(d, e.thresholds) {
				continue
			}
			if step, ok := e.advance(r.to); ok {
				steps = append(steps, step)
			}
		}
	}

	res := e.Measure(fix)
	res.Steps = steps
	return res, nil
}

// Apply runs an explicit command. Illegal commands return
// domain.ErrIllegalTransition and leave the status untouched.
func (e *Engine) Apply(cmd domain.Command) (Step, error) {
	next, err := cmd.Apply(e.status)
	if err != nil {
		return Step{}, err
	}
	step, ok := e.advance(next)
	if !ok {
		return Step{}, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, e.status, next)
	}
	return step, nil
}

// Measure computes distance, ETA and bearing from pos to the current target
// without touching the status.
func (e *Engine) Measure(pos domain.Coordinate) Result {
	target := e.trip.Pickup
	if e.status.TowardsDelivery() {
		target = e.trip.Delivery
	}
	eta := geo.EstimateETA(pos, target, e.thresholds.AssumedSpeedKmh)
	res := Result{
		Status:                  e.status,
		DistanceRemainingMeters: eta.DistanceMeters,
		ETASeconds:              int64(math.Ceil(eta.DurationSeconds)),
		BearingDegrees:          geo.BearingDegrees(pos, target),
	}
	if e.status.Terminal() {
		res.DistanceRemainingMeters = 0
		res.ETASeconds = 0
	}
	return res
}

// advance is the single place a status changes; it enforces monotonicity.
func (e *Engine) advance(to domain.TrackingStatus) (Step, bool) {
	if !e.status.CanAdvanceTo(to) {
		return Step{}, false
	}
	step := Step{From: e.status, To: to}
	e.status = to
	return step, true
}

func (r rule) applies(s domain.TrackingStatus) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}
