package domain

import "fmt"

// Role is the side of the trip a session runs for.
type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleDriver, RoleCustomer:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// TripReference pins the reference points of an assigned trip. Immutable for the trip's lifetime.
type TripReference struct {
	TripID   string     `json:"trip_id" bson:"trip_id"`
	DriverID string     `json:"driver_id" bson:"driver_id"`
	Pickup   Coordinate `json:"pickup" bson:"pickup"`
	Delivery Coordinate `json:"delivery" bson:"delivery"`
}

// Validate checks the trip id and both reference points.
func (t TripReference) Validate() error {
	if t.TripID == "" {
		return fmt.Errorf("%w: empty trip id", ErrInvalidTrip)
	}
	if err := t.Pickup.Validate(); err != nil {
		return fmt.Errorf("%w: pickup: %v", ErrInvalidTrip, err)
	}
	if err := t.Delivery.Validate(); err != nil {
		return fmt.Errorf("%w: delivery: %v", ErrInvalidTrip, err)
	}
	return nil
}

// Topic is the backend pub/sub topic carrying updates for the trip.
func Topic(tripID string) string {
	return "trip." + tripID
}
