package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/channel"
	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geofence"
	"github.com/99minutos/trip-tracking/internal/core/ports"
	"github.com/99minutos/trip-tracking/internal/pkg/fanout"
	"github.com/99minutos/trip-tracking/internal/pkg/metrics"
)

// PublishMode selects when the driver session emits updates.
type PublishMode string

const (
	// PublishEveryFix emits one update per accepted fix plus one per transition.
	PublishEveryFix PublishMode = "every_fix"
	// PublishTransitions emits updates only when the status changes.
	PublishTransitions PublishMode = "transitions"
)

// SessionConfig holds the per-session tunables.
type SessionConfig struct {
	Thresholds   geofence.Thresholds
	Stream       ports.StreamOptions
	FixTimeout   time.Duration
	FlushTimeout time.Duration
	PublishMode  PublishMode
	Channel      channel.Options
	EventBuffer  int
}

// DefaultSessionConfig returns production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Thresholds: geofence.DefaultThresholds(),
		Stream: ports.StreamOptions{
			Accuracy:          ports.AccuracyHigh,
			MinInterval:       5 * time.Second,
			MinDistanceMeters: 10,
		},
		FixTimeout:   10 * time.Second,
		FlushTimeout: 5 * time.Second,
		PublishMode:  PublishEveryFix,
		Channel:      channel.DefaultOptions(),
		EventBuffer:  16,
	}
}

// Session tracks one trip for one role. A driver session samples positions,
// runs the geofence engine and publishes; a customer session only mirrors
// what the backend delivers.
type Session struct {
	id        string
	trip      domain.TripReference
	role      domain.Role
	cfg       SessionConfig
	source    ports.PositionSource
	channel   *channel.Channel
	notifier  ports.NotificationDispatcher
	recorder  ports.UpdateRecorder
	log       zerolog.Logger
	now       func() time.Time
	startedAt time.Time
	onClose   func(*Session)

	events *fanout.Hub[ports.SessionEvent]

	mu               sync.Mutex
	engine           *geofence.Engine
	seq              uint64
	snapshot         *domain.TrackingUpdate
	permissionDenied bool
	closed           bool
	stream           ports.FixStream
	unsubscribe      func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type sessionDeps struct {
	source    ports.PositionSource
	transport ports.Transport
	store     ports.QueueStore
	notifier  ports.NotificationDispatcher
	recorder  ports.UpdateRecorder
	onClose   func(*Session)
}

func newSession(trip domain.TripReference, role domain.Role, cfg SessionConfig, deps sessionDeps, log zerolog.Logger) *Session {
	s := &Session{
		id:       uuid.NewString(),
		trip:     trip,
		role:     role,
		cfg:      cfg,
		source:   deps.source,
		notifier: deps.notifier,
		recorder: deps.recorder,
		now:      time.Now,
		onClose:  deps.onClose,
		events:   fanout.New[ports.SessionEvent](cfg.EventBuffer),
	}
	s.log = log.With().
		Str("session_id", s.id).
		Str("trip_id", trip.TripID).
		Str("role", string(role)).
		Logger()

	opts := cfg.Channel
	opts.OnHealthChange = s.onHealth
	s.channel = channel.New(trip.TripID, deps.transport, deps.store, opts, s.log)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// TripID returns the tracked trip.
func (s *Session) TripID() string { return s.trip.TripID }

// Role returns who this session tracks for.
func (s *Session) Role() domain.Role { return s.role }

// start brings the session up. ctx bounds the start-up calls only; the
// session itself runs until Stop.
func (s *Session) start(ctx context.Context, latest *domain.TrackingUpdate) error {
	s.startedAt = s.now()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	// The channel outlives s.ctx so teardown can flush it; Close stops it.
	if err := s.channel.Start(context.WithoutCancel(ctx)); err != nil {
		s.cancel()
		return fmt.Errorf("start channel: %w", err)
	}

	var err error
	if s.role == domain.RoleDriver {
		err = s.startDriving(ctx, latest)
	} else {
		s.startMirroring()
	}
	if err != nil {
		s.cancel()
		s.channel.Close(0, false)
		s.events.Close()
		return err
	}

	metrics.ActiveSessions.WithLabelValues(string(s.role)).Inc()
	s.log.Info().Msg("tracking session started")
	return nil
}

func (s *Session) startDriving(ctx context.Context, latest *domain.TrackingUpdate) error {
	initial := domain.StatusAssigned
	s.seq = s.channel.LastSequence()
	if latest != nil {
		if latest.Status.Terminal() {
			return fmt.Errorf("%w: trip %s is %s", domain.ErrTripFinished, s.trip.TripID, latest.Status)
		}
		initial = latest.Status
		s.seq = max(s.seq, latest.Sequence)
	}
	if last, ok := s.channel.Last(); ok && initial.Before(last.Status) && !last.Status.Terminal() {
		initial = last.Status
	}

	engine, err := geofence.NewEngine(s.trip, s.cfg.Thresholds, initial)
	if err != nil {
		return fmt.Errorf("geofence: %w", err)
	}
	s.engine = engine

	if !s.acquirePermission(ctx) {
		s.publishPlaceholder()
		return nil
	}

	fix, err := s.source.CurrentFix(ctx, s.cfg.FixTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("no initial fix, using pickup as placeholder")
		s.publishPlaceholder()
	} else {
		s.processFix(fix, true)
	}

	stream, err := s.source.StreamFixes(s.ctx, s.cfg.Stream)
	if err != nil {
		// Tracking continues on the placeholder and explicit commands.
		s.log.Warn().Err(err).Msg("position stream unavailable")
		if errors.Is(err, domain.ErrPermissionDenied) {
			s.mu.Lock()
			s.permissionDenied = true
			s.mu.Unlock()
		}
		return nil
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runFixes(stream)
	return nil
}

// acquirePermission reports whether live positions can be used. A denial is
// recorded on the session and is not an error.
func (s *Session) acquirePermission(ctx context.Context) bool {
	status, err := s.source.CheckPermission(ctx)
	if err == nil && status.Granted {
		return true
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("permission check failed, requesting")
	}

	if _, err := s.source.RequestPermission(ctx); err != nil {
		s.log.Warn().Err(err).Msg("location permission denied, falling back to placeholder")
		s.mu.Lock()
		s.permissionDenied = true
		s.mu.Unlock()
		return false
	}
	return true
}

// publishPlaceholder announces the trip at its pickup point without feeding
// the engine.
func (s *Session) publishPlaceholder() {
	pos := s.trip.Pickup
	pos.Timestamp = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.engine.Measure(pos)
	u := s.buildLocked(pos, res.Status, res)
	u.Placeholder = true
	s.emitLocked(u)
}

func (s *Session) runFixes(stream ports.FixStream) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fix, ok := <-stream.Fixes():
			if !ok {
				return
			}
			s.processFix(fix, false)
		}
	}
}

// processFix runs one fix through the engine and emits the resulting
// updates. force emits an update even when nothing changed.
func (s *Session) processFix(fix domain.Coordinate, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	res, err := s.engine.Evaluate(fix)
	if err != nil {
		metrics.RejectedFixesTotal.Inc()
		s.log.Warn().Err(err).Str("fix", fix.String()).Msg("discarded invalid fix")
		return
	}

	// Steps of one cascade never change the target point, so they share the
	// distance and ETA measured from this fix.
	for _, step := range res.Steps {
		u := s.buildLocked(fix, step.To, res)
		s.emitLocked(u)
		s.transitionLocked(step, u)
	}
	if len(res.Steps) == 0 && (force || s.cfg.PublishMode != PublishTransitions) {
		s.emitLocked(s.buildLocked(fix, res.Status, res))
	}
}

// Command applies an explicit driver action and publishes the result.
// Reaching a terminal status stops the session.
func (s *Session) Command(cmd domain.Command) (domain.TrackingUpdate, error) {
	if s.role != domain.RoleDriver {
		return domain.TrackingUpdate{}, domain.ErrNotDriving
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.TrackingUpdate{}, domain.ErrSessionClosed
	}
	step, err := s.engine.Apply(cmd)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("command", string(cmd)).Msg("command rejected")
		return domain.TrackingUpdate{}, err
	}

	pos, placeholder := s.trip.Pickup, true
	if s.snapshot != nil {
		pos, placeholder = s.snapshot.Position, s.snapshot.Placeholder
	}
	res := s.engine.Measure(pos)
	u := s.buildLocked(pos, step.To, res)
	u.Placeholder = placeholder
	s.emitLocked(u)
	s.transitionLocked(step, u)
	s.mu.Unlock()

	s.log.Info().Str("command", string(cmd)).Str("status", string(step.To)).Msg("command applied")
	if step.To.Terminal() {
		s.Stop()
	}
	return u, nil
}

// startMirroring subscribes to the trip topic and republishes locally.
func (s *Session) startMirroring() {
	updates, unsubscribe := s.channel.Subscribe()
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for u := range updates {
			s.mirror(u)
		}
	}()
}

func (s *Session) mirror(u domain.TrackingUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.snapshot
	if prev != nil && u.Sequence <= prev.Sequence {
		s.mu.Unlock()
		return
	}
	s.snapshot = &u
	s.publishEventLocked(ports.SessionEvent{Update: &u})
	if prev != nil && prev.Status != u.Status {
		s.transitionLocked(geofence.Step{From: prev.Status, To: u.Status}, u)
	}
	s.mu.Unlock()

	if u.Status.Terminal() {
		// Stop waits for this goroutine.
		go s.Stop()
	}
}

func (s *Session) buildLocked(pos domain.Coordinate, status domain.TrackingStatus, res geofence.Result) domain.TrackingUpdate {
	return domain.TrackingUpdate{
		TripID:                  s.trip.TripID,
		DriverID:                s.trip.DriverID,
		Position:                pos,
		Status:                  status,
		ETASeconds:              res.ETASeconds,
		DistanceRemainingMeters: res.DistanceRemainingMeters,
		BearingDegrees:          res.BearingDegrees,
		ProducedAt:              s.now().UTC(),
	}
}

// emitLocked assigns the next sequence and hands the update to the channel,
// the archive and local observers.
func (s *Session) emitLocked(u domain.TrackingUpdate) {
	s.seq++
	u.Sequence = s.seq
	if err := s.channel.Publish(u); err != nil {
		s.log.Error().Err(err).Uint64("sequence", u.Sequence).Msg("update not queued")
	}
	if s.recorder != nil {
		if err := s.recorder.Record(s.ctx, u); err != nil {
			s.log.Debug().Err(err).Uint64("sequence", u.Sequence).Msg("update not archived")
		}
	}
	s.snapshot = &u
	s.publishEventLocked(ports.SessionEvent{Update: &u})
}

func (s *Session) transitionLocked(step geofence.Step, u domain.TrackingUpdate) {
	metrics.TransitionsTotal.WithLabelValues(string(step.From), string(step.To)).Inc()
	s.log.Info().
		Str("from", string(step.From)).
		Str("to", string(step.To)).
		Uint64("sequence", u.Sequence).
		Int64("eta_seconds", u.ETASeconds).
		Msg("status changed")

	if s.notifier == nil {
		return
	}
	t := domain.Transition{
		TripID:     s.trip.TripID,
		From:       step.From,
		To:         step.To,
		ETASeconds: u.ETASeconds,
		Sequence:   u.Sequence,
		At:         u.ProducedAt,
	}
	if err := s.notifier.Dispatch(s.ctx, s.role, t); err != nil {
		s.log.Warn().Err(err).Str("to", string(step.To)).Msg("notification not dispatched")
	}
}

func (s *Session) publishEventLocked(ev ports.SessionEvent) {
	if dropped := s.events.Publish(ev); dropped > 0 {
		metrics.SubscriberDropsTotal.Add(float64(dropped))
	}
}

func (s *Session) onHealth(h domain.Connectivity) {
	s.events.Publish(ports.SessionEvent{Connectivity: &h})
}

// CurrentSnapshot returns the last known update, or nil before the first.
func (s *Session) CurrentSnapshot() *domain.TrackingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	u := *s.snapshot
	return &u
}

// Connectivity reports the backend link state.
func (s *Session) Connectivity() domain.Connectivity {
	return s.channel.Health()
}

// Info returns the full session view.
func (s *Session) Info() ports.SessionSnapshot {
	s.mu.Lock()
	denied := s.permissionDenied
	s.mu.Unlock()
	return ports.SessionSnapshot{
		SessionID:        s.id,
		TripID:           s.trip.TripID,
		Role:             s.role,
		Live:             true,
		StartedAt:        s.startedAt,
		Update:           s.CurrentSnapshot(),
		Connectivity:     s.Connectivity(),
		PermissionDenied: denied,
	}
}

// Subscribe streams updates and connectivity changes. The current snapshot,
// if any, is delivered first.
func (s *Session) Subscribe() (<-chan ports.SessionEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return s.events.Subscribe()
	}
	u := *s.snapshot
	return s.events.Subscribe(ports.SessionEvent{Update: &u})
}

// Stop tears the session down: the position stream first, then the inbound
// subscription, then a bounded flush of the outbound queue. Undelivered
// writes are discarded when the trip has finished and kept otherwise.
// Calling Stop more than once is a no-op.
func (s *Session) Stop() {
	s.stopOnce.Do(s.teardown)
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	stream, unsubscribe := s.stream, s.unsubscribe
	finished := s.snapshot != nil && s.snapshot.Status.Terminal()
	s.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	s.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	left := s.channel.Close(s.cfg.FlushTimeout, finished)
	s.events.Close()
	metrics.ActiveSessions.WithLabelValues(string(s.role)).Dec()

	if s.onClose != nil {
		s.onClose(s)
	}
	s.log.Info().Bool("finished", finished).Int("undelivered", left).Msg("tracking session stopped")
}
