package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
	"github.com/99minutos/trip-tracking/internal/core/position"
)

// TrackerDeps are the collaborators shared by every session.
type TrackerDeps struct {
	Platforms  ports.PlatformProvider
	Transport  ports.Transport
	QueueStore ports.QueueStore
	Notifier   ports.NotificationDispatcher
	Recorder   ports.UpdateRecorder
	// Latest resumes status and sequencing of a trip; Archive answers
	// snapshots for trips without a live session. Both are optional.
	Latest  ports.LatestUpdates
	Archive ports.LatestUpdates
}

// Tracker creates, indexes and stops tracking sessions. It implements
// ports.TrackingService.
type Tracker struct {
	deps     TrackerDeps
	cfg      SessionConfig
	registry *Registry
	logger   zerolog.Logger
}

func NewTracker(deps TrackerDeps, cfg SessionConfig, logger zerolog.Logger) *Tracker {
	return &Tracker{
		deps:     deps,
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// Registry exposes the live sessions.
func (t *Tracker) Registry() *Registry { return t.registry }

// Start opens a session for the trip and role. A driver session needs the
// full trip reference and a location platform; a customer session only the
// trip id.
func (t *Tracker) Start(ctx context.Context, input ports.StartTrackingInput) (*ports.SessionSnapshot, error) {
	trip := input.Trip
	switch input.Role {
	case domain.RoleDriver:
		if err := trip.Validate(); err != nil {
			return nil, err
		}
	case domain.RoleCustomer:
		if trip.TripID == "" {
			return nil, fmt.Errorf("%w: empty trip id", domain.ErrInvalidTrip)
		}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRole, input.Role)
	}

	commit, release, err := t.registry.reserve(trip.TripID, input.Role)
	if err != nil {
		return nil, err
	}

	s, err := t.open(ctx, trip, input.Role)
	if err != nil {
		release()
		t.logger.Warn().Err(err).Str("trip_id", trip.TripID).Str("role", string(input.Role)).Msg("session not started")
		return nil, err
	}
	commit(s)

	info := s.Info()
	return &info, nil
}

func (t *Tracker) open(ctx context.Context, trip domain.TripReference, role domain.Role) (*Session, error) {
	deps := sessionDeps{
		transport: t.deps.Transport,
		notifier:  t.deps.Notifier,
		onClose:   t.registry.Remove,
	}

	var latest *domain.TrackingUpdate
	if role == domain.RoleDriver {
		platform, err := t.deps.Platforms.Platform(ctx, trip.DriverID, trip)
		if err != nil {
			return nil, fmt.Errorf("resolve location platform: %w", err)
		}
		deps.source = position.NewSource(platform, t.logger)
		deps.store = t.deps.QueueStore
		deps.recorder = t.deps.Recorder

		if t.deps.Latest != nil {
			latest, err = t.deps.Latest.Latest(ctx, trip.TripID)
			if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				t.logger.Warn().Err(err).Str("trip_id", trip.TripID).Msg("could not load latest update, starting fresh")
			}
		}
	}

	s := newSession(trip, role, t.cfg, deps, t.logger)
	if err := s.start(ctx, latest); err != nil {
		return nil, err
	}
	return s, nil
}

// Stop ends the session for (trip, role).
func (t *Tracker) Stop(_ context.Context, tripID string, role domain.Role) error {
	s, ok := t.registry.Get(tripID, role)
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.Stop()
	return nil
}

// Command applies a driver command to the trip's driver session.
func (t *Tracker) Command(_ context.Context, tripID string, cmd domain.Command) (*domain.TrackingUpdate, error) {
	s, ok := t.registry.Get(tripID, domain.RoleDriver)
	if !ok {
		if _, other := t.registry.Get(tripID, domain.RoleCustomer); other {
			return nil, domain.ErrNotDriving
		}
		return nil, domain.ErrSessionNotFound
	}
	u, err := s.Command(cmd)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Snapshot returns the live view of the trip, or the archived latest update
// when no session is running here.
func (t *Tracker) Snapshot(ctx context.Context, tripID string) (*ports.SessionSnapshot, error) {
	if s, ok := t.registry.ForTrip(tripID); ok {
		info := s.Info()
		return &info, nil
	}
	if t.deps.Archive == nil {
		return nil, domain.ErrSessionNotFound
	}
	u, err := t.deps.Archive.Latest(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return &ports.SessionSnapshot{
		TripID: tripID,
		Update: u,
	}, nil
}

// Watch streams the trip's session events.
func (t *Tracker) Watch(_ context.Context, tripID string) (<-chan ports.SessionEvent, func(), error) {
	s, ok := t.registry.ForTrip(tripID)
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := s.Subscribe()
	return ch, cancel, nil
}

// Shutdown stops every live session, each with its own bounded flush.
func (t *Tracker) Shutdown(ctx context.Context) error {
	sessions := t.registry.All()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info().Int("sessions", len(sessions)).Msg("all tracking sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
