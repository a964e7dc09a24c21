package ports

import (
	"context"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// NotificationDispatcher accepts status transitions for user-facing alerts.
// Dispatch must not block on delivery.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, role domain.Role, t domain.Transition) error
}

// Notifier delivers one alert. It owns the copy and the delivery channel.
type Notifier interface {
	Notify(ctx context.Context, role domain.Role, t domain.Transition) error
}

// UpdateRecorder accepts published updates for archiving. Record must not
// block on storage.
type UpdateRecorder interface {
	Record(ctx context.Context, update domain.TrackingUpdate) error
}

// LatestUpdates answers "what was the last update for this trip". It returns
// domain.ErrSessionNotFound when nothing is known.
type LatestUpdates interface {
	Latest(ctx context.Context, tripID string) (*domain.TrackingUpdate, error)
}

// UpdateArchive stores published updates keyed by (tripId, sequence).
type UpdateArchive interface {
	LatestUpdates
	Save(ctx context.Context, update domain.TrackingUpdate) error
}
