package ports

import (
	"context"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// Transport is the backend publish/subscribe connection. Publish must be
// idempotent on (tripId, sequence); delivery is at-least-once.
type Transport interface {
	Publish(ctx context.Context, topic string, update domain.TrackingUpdate) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a live topic subscription. Updates is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Updates() <-chan domain.TrackingUpdate
	Err() error
	Close() error
}

// QueueStore persists the outbound queue so a killed process does not lose
// queued writes. Saving an empty slice clears the stored queue.
type QueueStore interface {
	SaveQueue(ctx context.Context, tripID string, writes []domain.QueuedWrite) error
	LoadQueue(ctx context.Context, tripID string) ([]domain.QueuedWrite, error)
}
