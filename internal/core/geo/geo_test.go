package geo

import (
	"math"
	"testing"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

var (
	mexicoCity = domain.Point(19.4326, -99.1332)
	puebla     = domain.Point(19.0414, -98.2063)
	london     = domain.Point(51.5074, -0.1278)
	paris      = domain.Point(48.8566, 2.3522)
)

func TestDistanceMeters_KnownPairs(t *testing.T) {
	// one degree of longitude on the equator: 2πR/360
	oneDeg := DistanceMeters(domain.Point(0, 0), domain.Point(0, 1))
	if want := 2 * math.Pi * EarthRadiusMeters / 360; math.Abs(oneDeg-want) > 0.01 {
		t.Errorf("expected %.3f, got %.3f", want, oneDeg)
	}

	lp := DistanceMeters(london, paris)
	if lp < 343_000 || lp > 344_200 {
		t.Errorf("london-paris expected ~343.5km, got %.0f m", lp)
	}
}

func TestDistanceMeters_SymmetricAndZero(t *testing.T) {
	pairs := [][2]domain.Coordinate{
		{mexicoCity, puebla},
		{london, paris},
		{domain.Point(-33.8688, 151.2093), domain.Point(40.7128, -74.0060)},
		{domain.Point(89.9, 10), domain.Point(-89.9, -170)},
	}
	for _, p := range pairs {
		ab := DistanceMeters(p[0], p[1])
		ba := DistanceMeters(p[1], p[0])
		if ab != ba {
			t.Errorf("distance not symmetric for %v/%v: %v vs %v", p[0], p[1], ab, ba)
		}
		if d := DistanceMeters(p[0], p[0]); d != 0 {
			t.Errorf("distance to self should be 0, got %v", d)
		}
	}
}

func TestBearingDegrees_Cardinal(t *testing.T) {
	origin := domain.Point(0, 0)
	cases := []struct {
		to   domain.Coordinate
		want float64
	}{
		{domain.Point(1, 0), 0},
		{domain.Point(0, 1), 90},
		{domain.Point(-1, 0), 180},
		{domain.Point(0, -1), 270},
	}
	for _, tc := range cases {
		got := BearingDegrees(origin, tc.to)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("bearing to %v: expected %v, got %v", tc.to, tc.want, got)
		}
		if got < 0 || got >= 360 {
			t.Errorf("bearing out of range: %v", got)
		}
	}
}

func TestEstimateETA_AppliesBuffer(t *testing.T) {
	eta := EstimateETA(mexicoCity, puebla, 40)
	dist := DistanceMeters(mexicoCity, puebla)
	want := dist / (40.0 / 3.6) * 1.2
	if math.Abs(eta.DurationSeconds-want) > 1e-6 {
		t.Errorf("expected %.3fs, got %.3fs", want, eta.DurationSeconds)
	}
	if eta.DistanceMeters != dist {
		t.Errorf("expected distance %v, got %v", dist, eta.DistanceMeters)
	}
}

func TestEstimateETA_DefaultSpeed(t *testing.T) {
	a := EstimateETA(mexicoCity, puebla, 0)
	b := EstimateETA(mexicoCity, puebla, DefaultAssumedSpeedKmh)
	if a != b {
		t.Errorf("zero speed should use the default: %+v vs %+v", a, b)
	}
	if z := EstimateETA(mexicoCity, mexicoCity, 40); z.DurationSeconds != 0 {
		t.Errorf("expected zero ETA at destination, got %v", z.DurationSeconds)
	}
}

func TestDestination_RoundTrip(t *testing.T) {
	for _, bearing := range []float64{0, 45, 135, 270} {
		dst := Destination(mexicoCity, bearing, 750)
		if d := DistanceMeters(mexicoCity, dst); math.Abs(d-750) > 0.01 {
			t.Errorf("bearing %v: expected 750m, got %.4f", bearing, d)
		}
		if b := BearingDegrees(mexicoCity, dst); math.Abs(b-bearing) > 0.01 && math.Abs(b-bearing-360) > 0.01 {
			t.Errorf("expected bearing %v, got %v", bearing, b)
		}
	}
}
