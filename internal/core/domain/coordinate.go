package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
)

// cellPrecision gives ~150m cells, enough to bucket fixes around a geofence.
const cellPrecision = 7

// Coordinate is a single location fix. It is compared by distance, never by equality.
type Coordinate struct {
	Latitude  float64   `json:"lat" bson:"lat"`
	Longitude float64   `json:"lng" bson:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty" bson:"accuracy,omitempty"` // meters
	Altitude  *float64  `json:"altitude,omitempty" bson:"altitude,omitempty"` // meters
	Heading   *float64  `json:"heading,omitempty" bson:"heading,omitempty"`   // degrees
	Speed     *float64  `json:"speed,omitempty" bson:"speed,omitempty"`       // m/s
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Point builds a bare coordinate without fix metadata.
func Point(lat, lng float64) Coordinate {
	return Coordinate{Latitude: lat, Longitude: lng}
}

// Validate rejects NaN, infinite and out-of-range values.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, c.Longitude)
	}
	if c.Accuracy != nil && (math.IsNaN(*c.Accuracy) || *c.Accuracy < 0) {
		return fmt.Errorf("%w: accuracy %v", ErrInvalidCoordinate, *c.Accuracy)
	}
	return nil
}

// Cell returns the geohash cell the coordinate falls in.
func (c Coordinate) Cell() string {
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, cellPrecision)
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", c.Latitude, c.Longitude)
}
