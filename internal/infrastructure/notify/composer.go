// Package notify turns status transitions into user-facing messages and
// delivers them.
package notify

import (
	"fmt"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// Message is the rendered notification.
type Message struct {
	TripID     string                `json:"trip_id"`
	Role       domain.Role           `json:"role"`
	Status     domain.TrackingStatus `json:"status"`
	Title      string                `json:"title"`
	Body       string                `json:"body"`
	ETASeconds int64                 `json:"eta_seconds,omitempty"`
	Sequence   uint64                `json:"sequence"`
	At         time.Time             `json:"at"`
}

// Compose renders the copy for a transition as seen by role. ok is false when
// that role is not told about the status.
func Compose(role domain.Role, t domain.Transition) (Message, bool) {
	tx, ok := catalog[role][t.To]
	if !ok {
		return Message{}, false
	}
	body := tx.body
	if tx.withETA && t.ETASeconds > 0 {
		body = fmt.Sprintf("%s ETA %s.", body, humanETA(t.ETASeconds))
	}
	return Message{
		TripID:     t.TripID,
		Role:       role,
		Status:     t.To,
		Title:      tx.title,
		Body:       body,
		ETASeconds: t.ETASeconds,
		Sequence:   t.Sequence,
		At:         t.At,
	}, true
}

type text struct {
	title   string
	body    string
	withETA bool
}

var catalog = map[domain.Role]map[domain.TrackingStatus]text{
	domain.RoleCustomer: {
		domain.StatusEnRoutePickup:   {"Driver on the way", "Your driver is heading to the pickup point.", true},
		domain.StatusAtPickup:        {"Driver at pickup", "Your driver has arrived at the pickup point.", false},
		domain.StatusLoaded:          {"Package picked up", "Your package is on board.", false},
		domain.StatusEnRouteDelivery: {"On the way", "Your package is on its way.", true},
		domain.StatusNearby:          {"Almost there", "Your driver is nearby.", true},
		domain.StatusAtDelivery:      {"Driver has arrived", "Your driver is at the delivery point.", false},
		domain.StatusDelivered:       {"Delivered", "Your package has been delivered.", false},
		domain.StatusCancelled:       {"Trip cancelled", "This trip has been cancelled.", false},
	},
	domain.RoleDriver: {
		domain.StatusAtPickup:   {"Arrived at pickup", "Confirm loading once the package is on board.", false},
		domain.StatusNearby:     {"Approaching delivery", "You are close to the delivery point.", true},
		domain.StatusAtDelivery: {"Arrived at delivery", "Confirm delivery once the package is handed over.", false},
		domain.StatusCancelled:  {"Trip cancelled", "This trip has been cancelled.", false},
	},
}

func humanETA(seconds int64) string {
	if seconds < 60 {
		return "under a minute"
	}
	minutes := (seconds + 59) / 60
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh %02dmin", minutes/60, minutes%60)
}
