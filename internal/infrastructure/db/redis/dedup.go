package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

const defaultAckTTL = 24 * time.Hour

// publishOnce marks (trip, sequence) as written, publishes the payload and
// advances the trip's latest record, all atomically. A write whose ack key
// already exists is a no-op and returns 0.
//
//	KEYS[1] ack key    KEYS[2] latest key
//	ARGV[1] payload    ARGV[2] ttl seconds  ARGV[3] pubsub channel  ARGV[4] sequence
var publishOnce = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
  return 0
end
redis.call('PUBLISH', ARGV[3], ARGV[1])
local cur = redis.call('HGET', KEYS[2], 'seq')
if (not cur) or tonumber(cur) < tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[2], 'seq', ARGV[4], 'payload', ARGV[1])
end
redis.call('EXPIRE', KEYS[2], ARGV[2])
return 1
`)

// Deduper makes update writes idempotent on (tripId, sequence).
// Key format: tracking:ack:{<trip_id>}:<sequence>
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a Deduper whose ack keys expire after ttl.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = defaultAckTTL
	}
	return &Deduper{client: client, ttl: ttl}
}

// PublishOnce writes the update unless it was already written. It reports
// whether this call performed the write.
func (d *Deduper) PublishOnce(ctx context.Context, channel string, u domain.TrackingUpdate, payload []byte) (bool, error) {
	keys := []string{ackKey(u.TripID, u.Sequence), latestKey(u.TripID)}
	n, err := publishOnce.Run(ctx, d.client, keys,
		payload, int64(d.ttl/time.Second), channel, u.Sequence).Int()
	if err != nil {
		return false, fmt.Errorf("dedup publish: %w", err)
	}
	return n == 1, nil
}

// Keys share the {trip} hash tag so the script stays in one cluster slot.
func ackKey(tripID string, seq uint64) string {
	return fmt.Sprintf("tracking:ack:{%s}:%d", tripID, seq)
}

func latestKey(tripID string) string {
	return fmt.Sprintf("tracking:latest:{%s}", tripID)
}

func outboxKey(tripID string) string {
	return fmt.Sprintf("tracking:outbox:{%s}", tripID)
}

func pubsubChannel(topic string) string {
	return "tracking:" + topic
}
