package ports

import (
	"context"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// StartTrackingInput starts a session. Customers only need Trip.TripID.
type StartTrackingInput struct {
	Trip domain.TripReference
	Role domain.Role
}

// SessionSnapshot is the synchronous view of a trip's tracking state.
// Live is false when the snapshot comes from the archive.
type SessionSnapshot struct {
	SessionID        string
	TripID           string
	Role             domain.Role
	Live             bool
	StartedAt        time.Time
	Update           *domain.TrackingUpdate
	Connectivity     domain.Connectivity
	PermissionDenied bool
}

// SessionEvent is pushed to session observers. Exactly one field is set.
type SessionEvent struct {
	Update       *domain.TrackingUpdate
	Connectivity *domain.Connectivity
}

// PlatformProvider resolves the device location platform for a driver.
type PlatformProvider interface {
	Platform(ctx context.Context, driverID string, trip domain.TripReference) (LocationPlatform, error)
}

// TrackingService manages the live tracking sessions of this process.
type TrackingService interface {
	Start(ctx context.Context, input StartTrackingInput) (*SessionSnapshot, error)
	Stop(ctx context.Context, tripID string, role domain.Role) error
	Command(ctx context.Context, tripID string, cmd domain.Command) (*domain.TrackingUpdate, error)
	Snapshot(ctx context.Context, tripID string) (*SessionSnapshot, error)
	Watch(ctx context.Context, tripID string) (<-chan SessionEvent, func(), error)
}
