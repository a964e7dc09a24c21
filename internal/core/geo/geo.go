// Package geo holds the spherical-earth math used by geofencing: great-circle
// distance (Haversine), forward azimuth, destination points and a straight-line
// ETA heuristic. Every function is pure and deterministic.
package geo

import (
	"math"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

const (
	// EarthRadiusMeters is the mean spherical radius used by every formula here.
	EarthRadiusMeters = 6371000.0

	// DefaultAssumedSpeedKmh is the average speed assumed when estimating arrival.
	DefaultAssumedSpeedKmh = 40.0

	// etaBuffer inflates the raw travel time to approximate traffic and stops.
	etaBuffer = 0.20
)

// ETA is a straight-line arrival estimate. It is an approximation, not a
// road-network ETA: there is no routing graph behind it.
type ETA struct {
	DurationSeconds float64
	DistanceMeters  float64
}

// Duration returns the estimate as a time.Duration.
func (e ETA) Duration() time.Duration {
	return time.Duration(e.DurationSeconds * float64(time.Second))
}

// DistanceMeters returns the great-circle distance between a and b.
//
//	a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
//	c = 2 ⋅ atan2(√a, √(1−a))
//	d = R ⋅ c
func DistanceMeters(a, b domain.Coordinate) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLat := toRad(b.Latitude - a.Latitude)
	dLng := toRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDegrees returns the initial forward azimuth from -> to, in [0, 360).
func BearingDegrees(from, to domain.Coordinate) float64 {
	lat1 := toRad(from.Latitude)
	lat2 := toRad(to.Latitude)
	dLng := toRad(to.Longitude - from.Longitude)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// EstimateETA divides the straight-line distance by the assumed speed and adds
// a flat 20% buffer. A non-positive speed falls back to DefaultAssumedSpeedKmh.
func EstimateETA(from, to domain.Coordinate, assumedSpeedKmh float64) ETA {
	if assumedSpeedKmh <= 0 || math.IsNaN(assumedSpeedKmh) {
		assumedSpeedKmh = DefaultAssumedSpeedKmh
	}
	dist := DistanceMeters(from, to)
	metersPerSecond := assumedSpeedKmh * 1000 / 3600
	return ETA{
		DurationSeconds: dist / metersPerSecond * (1 + etaBuffer),
		DistanceMeters:  dist,
	}
}

// Destination returns the point reached by travelling distanceMeters from
// origin along the initial bearing.
func Destination(origin domain.Coordinate, bearingDeg, distanceMeters float64) domain.Coordinate {
	delta := distanceMeters / EarthRadiusMeters
	theta := toRad(bearingDeg)
	lat1 := toRad(origin.Latitude)
	lng1 := toRad(origin.Longitude)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lng2 := lng1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)
	// normalise to [-180, 180)
	lngDeg := math.Mod(toDeg(lng2)+540, 360) - 180
	return domain.Point(toDeg(lat2), lngDeg)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
