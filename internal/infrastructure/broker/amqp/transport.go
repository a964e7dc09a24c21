package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// Transport publishes trip updates to a topic exchange, one routing key per
// trip. MessageId carries the (trip, sequence) idempotency key; consumers
// drop redeliveries by sequence.
type Transport struct {
	conn     *Conn
	exchange string
	log      zerolog.Logger
}

func NewTransport(conn *Conn, exchange string, log zerolog.Logger) *Transport {
	return &Transport{
		conn:     conn,
		exchange: exchange,
		log:      log.With().Str("component", "amqp_transport").Logger(),
	}
}

// Publish sends the update and waits for the broker confirm.
func (t *Transport) Publish(ctx context.Context, topic string, u domain.TrackingUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return t.conn.Publish(ctx, t.exchange, topic, u.IdempotencyKey(), body)
}

// Subscribe binds an exclusive auto-delete queue to the trip's routing key.
// The subscription ends, with an error, when the broker closes its channel.
func (t *Transport) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	ch, err := t.conn.NewChannel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, t.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s: %w", topic, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	sub := &subscription{
		ch:     ch,
		out:    make(chan domain.TrackingUpdate, 64),
		done:   make(chan struct{}),
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
		log:    t.log.With().Str("topic", topic).Logger(),
	}
	go sub.run(deliveries)
	return sub, nil
}

// Ping reports whether the broker connection is up.
func (t *Transport) Ping(context.Context) error {
	if !t.conn.IsAlive() {
		return ErrNotConnected
	}
	return nil
}

type subscription struct {
	ch     *amqp.Channel
	out    chan domain.TrackingUpdate
	done   chan struct{}
	closed chan *amqp.Error
	once   sync.Once
	log    zerolog.Logger

	mu  sync.Mutex
	err error
}

func (s *subscription) Updates() <-chan domain.TrackingUpdate { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if !s.ch.IsClosed() {
			err = s.ch.Close()
		}
	})
	return err
}

func (s *subscription) run(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case amqpErr := <-s.closed:
			s.fail(amqpErr)
			return
		case d, ok := <-deliveries:
			if !ok {
				s.fail(nil)
				return
			}
			var u domain.TrackingUpdate
			if err := json.Unmarshal(d.Body, &u); err != nil {
				s.log.Warn().Err(err).Str("message_id", d.MessageId).Msg("dropped undecodable update")
				continue
			}
			select {
			case s.out <- u:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) fail(amqpErr *amqp.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amqpErr != nil {
		s.err = amqpErr
	} else {
		s.err = fmt.Errorf("amqp: delivery channel closed")
	}
}
