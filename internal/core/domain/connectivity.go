package domain

import "time"

// Connectivity is the backend link state shown as a passive indicator.
// Stalled is set once the oldest queued write exceeds the allowed age.
type Connectivity struct {
	Connected     bool
	Pending       int
	OldestPending time.Duration
	Stalled       bool
}

// Degraded reports whether the user should see a connectivity warning.
func (c Connectivity) Degraded() bool { return !c.Connected || c.Stalled }
