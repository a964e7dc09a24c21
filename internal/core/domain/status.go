package domain

import "fmt"

// TrackingStatus is the lifecycle state of a tracked trip. Statuses are ordered
// and later states are never revisited, except for the cancelled terminal state.
type TrackingStatus string

const (
	StatusAssigned        TrackingStatus = "assigned"
	StatusEnRoutePickup   TrackingStatus = "en_route_pickup"
	StatusAtPickup        TrackingStatus = "at_pickup"
	StatusLoaded          TrackingStatus = "loaded"
	StatusEnRouteDelivery TrackingStatus = "en_route_delivery"
	StatusNearby          TrackingStatus = "nearby"
	StatusAtDelivery      TrackingStatus = "at_delivery"
	StatusDelivered       TrackingStatus = "delivered"
	StatusCancelled       TrackingStatus = "cancelled"
)

var statusRank = map[TrackingStatus]int{
	StatusAssigned:        0,
	StatusEnRoutePickup:   1,
	StatusAtPickup:        2,
	StatusLoaded:          3,
	StatusEnRouteDelivery: 4,
	StatusNearby:          5,
	StatusAtDelivery:      6,
	StatusDelivered:       7,
	StatusCancelled:       8,
}

// ParseStatus converts a wire value into a TrackingStatus.
func ParseStatus(s string) (TrackingStatus, error) {
	st := TrackingStatus(s)
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Rank is the position of the status in the lifecycle ordering, or -1 if unknown.
func (s TrackingStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transition is possible.
func (s TrackingStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Before reports whether s comes strictly earlier than other in the ordering.
func (s TrackingStatus) Before(other TrackingStatus) bool {
	return s.Rank() < other.Rank()
}

// TowardsDelivery reports whether the goods are on board, so distance and ETA
// are measured against the delivery point instead of the pickup point.
func (s TrackingStatus) TowardsDelivery() bool {
	return s.Rank() >= StatusLoaded.Rank() && s != StatusCancelled
}

// CanAdvanceTo reports whether moving from s to next keeps the ordering monotonic.
// Cancellation is reachable from every non-terminal status.
func (s TrackingStatus) CanAdvanceTo(next TrackingStatus) bool {
	if s.Terminal() || next.Rank() < 0 {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return s.Before(next)
}

// Command is an explicit driver or operator action. Statuses that geometry
// alone cannot distinguish are only reachable through commands.
type Command string

const (
	CommandLoaded    Command = "loaded"
	CommandDepart    Command = "depart"
	CommandDelivered Command = "delivered"
	CommandCancel    Command = "cancel"
)

type commandRule struct {
	from []TrackingStatus // nil means any non-terminal status
	to   TrackingStatus
}

var commandRules = map[Command]commandRule{
	CommandLoaded:    {from: []TrackingStatus{StatusAtPickup}, to: StatusLoaded},
	CommandDepart:    {from: []TrackingStatus{StatusLoaded}, to: StatusEnRouteDelivery},
	CommandDelivered: {from: []TrackingStatus{StatusNearby, StatusAtDelivery}, to: StatusDelivered},
	CommandCancel:    {to: StatusCancelled},
}

// ParseCommand validates a command string.
func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if _, ok := commandRules[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}

// Apply returns the status reached by running the command from current.
func (c Command) Apply(current TrackingStatus) (TrackingStatus, error) {
	rule, ok := commandRules[c]
	if !ok {
		return current, fmt.Errorf("%w: %q", ErrUnknownCommand, string(c))
	}
	if current.Terminal() {
		return current, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, current)
	}
	if rule.from == nil {
		return rule.to, nil
	}
	for _, allowed := range rule.from {
		if allowed == current {
			return rule.to, nil
		}
	}
	return current, fmt.Errorf("%w: %s not allowed from %s", ErrIllegalTransition, c, current)
}
