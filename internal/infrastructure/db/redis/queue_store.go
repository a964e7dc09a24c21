package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

const defaultQueueTTL = 24 * time.Hour

// QueueStore persists a trip's outbound queue as one JSON value.
// Key format: tracking:outbox:{<trip_id>}
type QueueStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewQueueStore creates a QueueStore whose entries expire after ttl.
func NewQueueStore(client *redis.Client, ttl time.Duration) *QueueStore {
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &QueueStore{client: client, ttl: ttl}
}

// SaveQueue replaces the stored queue. An empty queue deletes the key.
func (s *QueueStore) SaveQueue(ctx context.Context, tripID string, writes []domain.QueuedWrite) error {
	if len(writes) == 0 {
		if err := s.client.Del(ctx, outboxKey(tripID)).Err(); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(writes)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.client.Set(ctx, outboxKey(tripID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// LoadQueue returns the stored queue, or nil when there is none.
func (s *QueueStore) LoadQueue(ctx context.Context, tripID string) ([]domain.QueuedWrite, error) {
	raw, err := s.client.Get(ctx, outboxKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	var writes []domain.QueuedWrite
	if err := json.Unmarshal(raw, &writes); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return writes, nil
}
