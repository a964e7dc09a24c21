// Package channel keeps a trip's tracking updates flowing to and from the
// backend across connectivity loss. Outbound writes are queued, retried with
// backoff and drained in sequence order; inbound updates are de-duplicated
// and fanned out to local subscribers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
	"github.com/99minutos/trip-tracking/internal/pkg/fanout"
	"github.com/99minutos/trip-tracking/internal/pkg/metrics"
)

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("tracking channel closed")

// Options tunes retry and health behaviour. Zero fields take defaults.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SendTimeout bounds a single publish attempt.
	SendTimeout time.Duration
	// MaxQueueAge is how long the oldest queued write may wait before the
	// channel reports itself stalled.
	MaxQueueAge    time.Duration
	PersistTimeout time.Duration
	// SubscriberBuffer is the per-subscriber backlog before stale updates
	// are dropped.
	SubscriberBuffer int
	// OnHealthChange fires when Connected or Stalled flips.
	OnHealthChange func(Health)
}

// DefaultOptions returns the production retry settings.
func DefaultOptions() Options {
	return Options{
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		SendTimeout:      5 * time.Second,
		MaxQueueAge:      2 * time.Minute,
		PersistTimeout:   2 * time.Second,
		SubscriberBuffer: 16,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(d.MaxBackoff, o.InitialBackoff)
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.MaxQueueAge <= 0 {
		o.MaxQueueAge = d.MaxQueueAge
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = d.PersistTimeout
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = d.SubscriberBuffer
	}
	return o
}

// Health is the connectivity signal surfaced to the UI.
type Health = domain.Connectivity

// Channel is the resilient link for one trip. Publish never blocks on the
// network; a single drain worker sends queued writes head first.
type Channel struct {
	tripID    string
	topic     string
	transport ports.Transport
	store     ports.QueueStore
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	box         outbox
	wake        chan struct{}
	reconnected chan struct{}
	idle        chan struct{}
	hub         *fanout.Hub[domain.TrackingUpdate]

	mu         sync.Mutex
	last       *domain.TrackingUpdate
	delivered  uint64
	connected  bool
	reported   Health
	started    bool
	subStarted bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a channel for tripID. store may be nil, in which case queued
// writes do not survive the process.
func New(tripID string, transport ports.Transport, store ports.QueueStore, opts Options, log zerolog.Logger) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		tripID:      tripID,
		topic:       domain.Topic(tripID),
		transport:   transport,
		store:       store,
		opts:        opts,
		log:         log.With().Str("component", "channel").Str("trip_id", tripID).Logger(),
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		reconnected: make(chan struct{}, 1),
		idle:        make(chan struct{}, 1),
		hub:         fanout.New[domain.TrackingUpdate](opts.SubscriberBuffer),
		connected:   true,
		reported:    Health{Connected: true},
	}
}

// Start restores any persisted queue and launches the drain worker. The
// channel runs until Close or until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.restore(ctx)

	c.wg.Add(1)
	go c.drain()
	return nil
}

func (c *Channel) restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, c.opts.PersistTimeout)
	defer cancel()

	writes, err := c.store.LoadQueue(lctx, c.tripID)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not restore persisted queue")
		return
	}
	kept := writes[:0]
	for _, w := range writes {
		if w.Update.TripID == c.tripID {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return
	}
	c.box.restore(kept)
	metrics.OutboxDepth.Add(float64(len(kept)))

	c.mu.Lock()
	head, _ := c.box.peek()
	for _, w := range kept {
		c.recordLocked(w.Update)
	}
	c.mu.Unlock()

	c.log.Info().
		Int("pending", len(kept)).
		Uint64("first_sequence", head.Update.Sequence).
		Msg("restored persisted queue")
}

// Publish queues u for delivery and returns immediately.
func (c *Channel) Publish(u domain.TrackingUpdate) error {
	if u.TripID != c.tripID {
		return fmt.Errorf("%w: update for trip %q on channel %q", domain.ErrInvalidTrip, u.TripID, c.tripID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.recordLocked(u)
	c.box.push(domain.QueuedWrite{Update: u, EnqueuedAt: c.now()})
	c.mu.Unlock()

	metrics.OutboxDepth.Inc()
	signal(c.wake)
	return nil
}

// Subscribe returns a stream of this trip's updates. The most recent known
// update, if any, is delivered first. The first call starts the remote
// subscription; cancel releases only this subscriber.
func (c *Channel) Subscribe() (<-chan domain.TrackingUpdate, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started && !c.closed && !c.subStarted {
		c.subStarted = true
		c.wg.Add(1)
		go c.subscribe()
	}

	var initial []domain.TrackingUpdate
	if c.last != nil {
		initial = append(initial, *c.last)
	}
	return c.hub.Subscribe(initial...)
}

// Last returns the most recent known update.
func (c *Channel) Last() (domain.TrackingUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return domain.TrackingUpdate{}, false
	}
	return *c.last, true
}

// LastSequence is the highest sequence seen or queued on this channel.
func (c *Channel) LastSequence() uint64 {
	c.mu.Lock()
	seq := c.delivered
	c.mu.Unlock()
	if h := c.box.highest(); h > seq {
		seq = h
	}
	return seq
}

// Health reports connectivity and queue state.
func (c *Channel) Health() Health {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	age := c.box.age(c.now())
	return Health{
		Connected:     connected,
		Pending:       c.box.len(),
		OldestPending: age,
		Stalled:       age > c.opts.MaxQueueAge,
	}
}

// Close stops the channel. Queued writes get up to flushTimeout to drain.
// With discard the remainder is dropped and the persisted queue cleared;
// otherwise it stays persisted for the next session on this trip. Close
// returns the number of writes that were still undelivered.
func (c *Channel) Close(flushTimeout time.Duration, discard bool) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.flush(flushTimeout)
		c.cancel()
		c.wg.Wait()
	}

	remaining := c.box.len()
	switch {
	case discard:
		n := c.box.clear()
		if n > 0 {
			metrics.OutboxDiscardedTotal.Add(float64(n))
			metrics.OutboxDepth.Sub(float64(n))
			c.log.Warn().Int("discarded", n).Msg("discarded undelivered updates")
		}
		c.saveQueue(nil)
	case started:
		c.saveQueue(c.box.snapshot())
		if remaining > 0 {
			metrics.OutboxDepth.Sub(float64(remaining))
			c.log.Info().Int("pending", remaining).Msg("kept undelivered updates for the next session")
		}
	}

	c.hub.Close()
	return remaining
}

func (c *Channel) flush(timeout time.Duration) {
	if c.box.len() == 0 {
		return
	}
	// Skip the current backoff wait.
	signal(c.reconnected)

	t := time.NewTimer(timeout)
	defer t.Stop()
	for c.box.len() > 0 {
		select {
		case <-c.idle:
		case <-t.C:
			return
		}
	}
}

func (c *Channel) drain() {
	defer c.wg.Done()
	done := c.ctx.Done()

	for {
		c.persist()

		w, ok := c.box.peek()
		if !ok {
			signal(c.idle)
			select {
			case <-done:
				return
			case <-c.wake:
			}
			continue
		}

		if err := c.send(w.Update); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempts := c.box.fail()
			delay := backoffDelay(attempts, c.opts.InitialBackoff, c.opts.MaxBackoff)
			metrics.PublishFailuresTotal.Inc()
			c.log.Warn().Err(err).
				Uint64("sequence", w.Update.Sequence).
				Int("attempts", attempts).
				Dur("retry_in", delay).
				Msg("publish failed, update stays queued")
			c.setConnected(false)
			c.persist()
			if !sleep(delay, done, c.reconnected) {
				return
			}
			continue
		}

		if c.box.ack(w.Update.Sequence) {
			metrics.OutboxDepth.Dec()
			metrics.UpdatesPublishedTotal.WithLabelValues(string(w.Update.Status)).Inc()
		}
		c.setConnected(true)
	}
}

func (c *Channel) send(u domain.TrackingUpdate) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err := c.transport.Publish(ctx, c.topic, u)
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	return err
}

func (c *Channel) subscribe() {
	defer c.wg.Done()
	done := c.ctx.Done()
	attempt := 0

	for {
		sub, err := c.transport.Subscribe(c.ctx, c.topic)
		if err == nil {
			attempt = 0
			c.setConnected(true)
			signal(c.reconnected)
			err = c.consume(sub)
			_ = sub.Close()
		}
		if c.ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoffDelay(attempt, c.opts.InitialBackoff, c.opts.MaxBackoff)
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("subscription lost, resubscribing")
		c.setConnected(false)
		if !sleep(delay, done, nil) {
			return
		}
	}
}

func (c *Channel) consume(sub ports.Subscription) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case u, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errors.New("subscription ended")
			}
			c.deliver(u)
		}
	}
}

// deliver applies an inbound update. Anything at or below the delivered
// high-water mark is a redelivery and is dropped.
func (c *Channel) deliver(u domain.TrackingUpdate) {
	if u.TripID != c.tripID {
		metrics.InboundUpdatesTotal.WithLabelValues("foreign").Inc()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if u.Sequence <= c.delivered {
		metrics.InboundUpdatesTotal.WithLabelValues("duplicate").Inc()
		c.log.Debug().Uint64("sequence", u.Sequence).Msg("dropped duplicate update")
		return
	}
	if c.delivered > 0 && u.Sequence > c.delivered+1 {
		c.log.Warn().
			Uint64("expected", c.delivered+1).
			Uint64("got", u.Sequence).
			Msg("sequence gap in inbound updates")
	}
	metrics.InboundUpdatesTotal.WithLabelValues("delivered").Inc()
	c.recordLocked(u)
}

func (c *Channel) recordLocked(u domain.TrackingUpdate) {
	if c.last == nil || u.Sequence >= c.last.Sequence {
		last := u
		c.last = &last
	}
	if u.Sequence > c.delivered {
		c.delivered = u.Sequence
		if dropped := c.hub.Publish(u); dropped > 0 {
			metrics.SubscriberDropsTotal.Add(float64(dropped))
		}
	}
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
	c.reportHealth()
}

func (c *Channel) reportHealth() {
	h := c.Health()

	c.mu.Lock()
	changed := h.Connected != c.reported.Connected || h.Stalled != c.reported.Stalled
	c.reported = h
	cb := c.opts.OnHealthChange
	c.mu.Unlock()

	if !changed {
		return
	}
	ev := c.log.Info()
	if h.Degraded() {
		ev = c.log.Warn()
	}
	ev.Bool("connected", h.Connected).
		Bool("stalled", h.Stalled).
		Int("pending", h.Pending).
		Msg("connectivity changed")
	if cb != nil {
		cb(h)
	}
}

func (c *Channel) persist() {
	if c.store == nil {
		return
	}
	writes, ok := c.box.takeDirty()
	if !ok {
		return
	}
	if err := c.saveQueue(writes); err != nil {
		c.box.markDirty()
	}
}

func (c *Channel) saveQueue(writes []domain.QueuedWrite) error {
	if c.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	if err := c.store.SaveQueue(ctx, c.tripID, writes); err != nil {
		c.log.Warn().Err(err).Int("pending", len(writes)).Msg("could not persist queue")
		return err
	}
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
