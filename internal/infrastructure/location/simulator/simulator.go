// Package simulator drives trips without a device: each driver walks a
// straight line from an offset start to the pickup point, dwells there, then
// walks to the delivery point and stays.
package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geo"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const fixAccuracyMeters = 5.0

type Config struct {
	SpeedKmh          float64
	Tick              time.Duration
	StartOffsetMeters float64
	Dwell             time.Duration
}

// Provider hands out a fresh simulated route for every session.
type Provider struct {
	cfg Config
	log zerolog.Logger
}

var _ ports.PlatformProvider = (*Provider)(nil)

func New(cfg Config, log zerolog.Logger) *Provider {
	return &Provider{cfg: cfg, log: log.With().Str("component", "simulator").Logger()}
}

func (p *Provider) Platform(ctx context.Context, driverID string, trip domain.TripReference) (ports.LocationPlatform, error) {
	if err := trip.Validate(); err != nil {
		return nil, err
	}
	p.log.Info().Str("trip_id", trip.TripID).Str("driver_id", driverID).Msg("simulating route")
	return NewRoute(trip, p.cfg), nil
}

// Route is a LocationPlatform whose position advances one step per tick while
// watched. Permission is always granted.
type Route struct {
	cfg      Config
	start    domain.Coordinate
	pickup   domain.Coordinate
	delivery domain.Coordinate

	step       float64 // meters per tick
	toPickup   float64
	toDelivery float64
	dwellTicks int

	mu   sync.Mutex
	tick int
}

var _ ports.LocationPlatform = (*Route)(nil)

func NewRoute(trip domain.TripReference, cfg Config) *Route {
	away := math.Mod(geo.BearingDegrees(trip.Pickup, trip.Delivery)+180, 360)
	start := geo.Destination(trip.Pickup, away, cfg.StartOffsetMeters)

	r := &Route{
		cfg:      cfg,
		start:    start,
		pickup:   domain.Point(trip.Pickup.Latitude, trip.Pickup.Longitude),
		delivery: domain.Point(trip.Delivery.Latitude, trip.Delivery.Longitude),
		step:     cfg.SpeedKmh / 3.6 * cfg.Tick.Seconds(),
	}
	r.toPickup = geo.DistanceMeters(start, r.pickup)
	r.toDelivery = geo.DistanceMeters(r.pickup, r.delivery)
	if cfg.Tick > 0 {
		r.dwellTicks = int(cfg.Dwell / cfg.Tick)
	}
	return r
}

// Position returns where the driver is after n ticks.
func (r *Route) Position(n int) domain.Coordinate {
	if r.step <= 0 {
		return r.start
	}
	traveled := float64(n) * r.step
	if traveled < r.toPickup {
		return geo.Destination(r.start, geo.BearingDegrees(r.start, r.pickup), traveled)
	}

	arrived := int(math.Ceil(r.toPickup / r.step))
	if n < arrived+r.dwellTicks {
		return r.pickup
	}
	onward := float64(n-arrived-r.dwellTicks) * r.step
	if onward < r.toDelivery {
		return geo.Destination(r.pickup, geo.BearingDegrees(r.pickup, r.delivery), onward)
	}
	return r.delivery
}

func (r *Route) fix(n int) domain.Coordinate {
	c := r.Position(n)
	next := r.Position(n + 1)

	acc := fixAccuracyMeters
	c.Accuracy = &acc
	speed := 0.0
	if geo.DistanceMeters(c, next) > 0 {
		speed = r.cfg.SpeedKmh / 3.6
		heading := geo.BearingDegrees(c, next)
		c.Heading = &heading
	}
	c.Speed = &speed
	c.Timestamp = time.Now().UTC()
	return c
}

func (r *Route) QueryPermission(ctx context.Context) (ports.PermissionStatus, error) {
	return ports.PermissionStatus{Granted: true, CanRequestBackground: true}, nil
}

func (r *Route) RequestPermission(ctx context.Context, scope ports.PermissionScope) (bool, error) {
	return true, nil
}

func (r *Route) CurrentFix(ctx context.Context) (domain.Coordinate, error) {
	r.mu.Lock()
	n := r.tick
	r.mu.Unlock()
	return r.fix(n), nil
}

// Watch advances the route every tick until stop is called or ctx ends.
// A tick may still be in flight when stop returns.
func (r *Route) Watch(ctx context.Context, opts ports.StreamOptions, onFix func(domain.Coordinate)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(r.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				r.tick++
				n := r.tick
				r.mu.Unlock()
				onFix(r.fix(n))
			}
		}
	}()

	return cancel, nil
}
