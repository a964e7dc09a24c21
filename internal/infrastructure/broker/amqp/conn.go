// Package amqp carries trip updates and notifications over RabbitMQ topic
// exchanges.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned while the connection is being re-established.
var ErrNotConnected = errors.New("amqp: not connected")

// Conn owns one AMQP connection and a confirm-mode publishing channel, and
// re-dials them when the broker drops either.
type Conn struct {
	url            string
	exchanges      []string
	reconnectDelay time.Duration
	log            zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects and declares the given durable topic exchanges.
func Dial(url string, reconnectDelay time.Duration, log zerolog.Logger, exchanges ...string) (*Conn, error) {
	c := &Conn{
		url:            url,
		exchanges:      exchanges,
		reconnectDelay: reconnectDelay,
		log:            log.With().Str("component", "amqp").Logger(),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	return c, nil
}

func (c *Conn) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := c.openChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return nil
}

func (c *Conn) openChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	for _, ex := range c.exchanges {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}
	return ch, nil
}

// Run watches the connection and reconnects until ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	for {
		c.mu.RLock()
		conn, ch := c.conn, c.ch
		c.mu.RUnlock()

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			return nil
		case err := <-chClosed:
			c.log.Warn().Err(errOrNil(err)).Msg("publishing channel closed")
			if !conn.IsClosed() {
				if fresh, err := c.openChannel(conn); err == nil {
					c.mu.Lock()
					c.ch = fresh
					c.mu.Unlock()
					continue
				}
			}
		case err := <-connClosed:
			c.log.Warn().Err(errOrNil(err)).Msg("connection closed")
		}

		c.mu.Lock()
		c.ch = nil
		c.mu.Unlock()
		if !c.redial(ctx) {
			return nil
		}
	}
}

func (c *Conn) redial(ctx context.Context) bool {
	t := time.NewTicker(c.reconnectDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if err := c.connect(); err != nil {
				c.log.Info().Err(err).Msg("reconnect failed")
				continue
			}
			c.log.Info().Msg("reconnected")
			return true
		}
	}
}

// Channel returns the shared confirm-mode publishing channel.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ch == nil || c.ch.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.ch, nil
}

// NewChannel opens a dedicated channel, e.g. for a consumer.
func (c *Conn) NewChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// IsAlive reports whether both the connection and the publishing channel are open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed()
}

// Publish sends one persistent JSON message and waits for the broker confirm.
func (c *Conn) Publish(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqp publish %s: nacked by broker", messageID)
	}
	return nil
}

// Close shuts the channel and connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil && !c.ch.IsClosed() {
		if err := c.ch.Close(); err != nil {
			return fmt.Errorf("close amqp channel: %w", err)
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close amqp connection: %w", err)
		}
	}
	return nil
}

func errOrNil(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}
