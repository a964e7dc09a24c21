package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// Publisher is the broker call the AMQP notifier needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageID string, body []byte) error
}

// AMQPNotifier publishes rendered messages to a topic exchange with routing
// key notify.<role>.<status>.
type AMQPNotifier struct {
	pub      Publisher
	exchange string
	log      zerolog.Logger
}

func NewAMQPNotifier(pub Publisher, exchange string, log zerolog.Logger) *AMQPNotifier {
	return &AMQPNotifier{pub: pub, exchange: exchange, log: log}
}

// Notify renders and publishes the transition. Statuses the role is not told
// about are skipped.
func (n *AMQPNotifier) Notify(ctx context.Context, role domain.Role, t domain.Transition) error {
	msg, ok := Compose(role, t)
	if !ok {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := fmt.Sprintf("notify.%s.%s", role, t.To)
	id := fmt.Sprintf("%s:%d:%s", t.TripID, t.Sequence, role)
	return n.pub.Publish(ctx, n.exchange, key, id, body)
}

// LogNotifier writes rendered messages to the log. It is the delivery
// channel when no broker is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, role domain.Role, t domain.Transition) error {
	msg, ok := Compose(role, t)
	if !ok {
		return nil
	}
	n.log.Info().
		Str("trip_id", msg.TripID).
		Str("role", string(role)).
		Str("status", string(msg.Status)).
		Str("title", msg.Title).
		Msg(msg.Body)
	return nil
}
