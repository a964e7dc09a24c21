package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const subscriptionBuffer = 64

// Transport carries trip updates over Redis pub/sub. Writes are upserted
// idempotently and the latest record per trip is kept for late joiners.
type Transport struct {
	client *redis.Client
	dedup  *Deduper
	log    zerolog.Logger
}

// NewTransport creates a Transport over client.
func NewTransport(client *redis.Client, dedup *Deduper, log zerolog.Logger) *Transport {
	return &Transport{
		client: client,
		dedup:  dedup,
		log:    log.With().Str("component", "redis_transport").Logger(),
	}
}

// Publish writes the update once per (tripId, sequence).
func (t *Transport) Publish(ctx context.Context, topic string, u domain.TrackingUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	first, err := t.dedup.PublishOnce(ctx, pubsubChannel(topic), u, payload)
	if err != nil {
		return err
	}
	if !first {
		t.log.Debug().Str("key", u.IdempotencyKey()).Msg("update already written")
	}
	return nil
}

// Subscribe opens a pub/sub subscription. The trip's latest record, if any,
// is delivered first.
func (t *Transport) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	ps := t.client.Subscribe(ctx, pubsubChannel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan domain.TrackingUpdate, subscriptionBuffer),
		done: make(chan struct{}),
		log:  t.log.With().Str("topic", topic).Logger(),
	}

	var seed *domain.TrackingUpdate
	if tripID, ok := tripFromTopic(topic); ok {
		u, err := t.Latest(ctx, tripID)
		switch {
		case err == nil:
			seed = u
		case !errors.Is(err, domain.ErrSessionNotFound):
			sub.log.Warn().Err(err).Msg("could not read latest record")
		}
	}

	go sub.run(seed)
	return sub, nil
}

// Latest returns the newest update written for the trip.
func (t *Transport) Latest(ctx context.Context, tripID string) (*domain.TrackingUpdate, error) {
	raw, err := t.client.HGet(ctx, latestKey(tripID), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis latest: %w", err)
	}
	var u domain.TrackingUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode latest: %w", err)
	}
	return &u, nil
}

// Ping checks the connection.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

type subscription struct {
	ps   *redis.PubSub
	out  chan domain.TrackingUpdate
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func (s *subscription) Updates() <-chan domain.TrackingUpdate { return s.out }

// Err is always nil: go-redis reconnects the pub/sub connection itself.
func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) run(seed *domain.TrackingUpdate) {
	defer close(s.out)

	if seed != nil && !s.emit(*seed) {
		return
	}
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var u domain.TrackingUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				s.log.Warn().Err(err).Msg("dropped undecodable update")
				continue
			}
			if !s.emit(u) {
				return
			}
		}
	}
}

func (s *subscription) emit(u domain.TrackingUpdate) bool {
	select {
	case s.out <- u:
		return true
	case <-s.done:
		return false
	}
}

func tripFromTopic(topic string) (string, bool) {
	const prefix = "trip."
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}
