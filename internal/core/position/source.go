// Package position adapts a raw device LocationPlatform into the PositionSource
// contract used by tracking sessions: ordered permission negotiation, typed
// recoverable failures and deterministically cancellable fix streams.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const defaultFixTimeout = 10 * time.Second

// Source implements ports.PositionSource on top of a LocationPlatform.
type Source struct {
	platform ports.LocationPlatform
	log      zerolog.Logger
	now      func() time.Time
}

var _ ports.PositionSource = (*Source)(nil)

// NewSource wraps platform.
func NewSource(platform ports.LocationPlatform, log zerolog.Logger) *Source {
	return &Source{
		platform: platform,
		log:      log.With().Str("component", "position_source").Logger(),
		now:      time.Now,
	}
}

// CheckPermission reports the current permission state without prompting.
func (s *Source) CheckPermission(ctx context.Context) (ports.PermissionStatus, error) {
	st, err := s.platform.QueryPermission(ctx)
	if err != nil {
		return ports.PermissionStatus{}, fmt.Errorf("check permission: %w", err)
	}
	return st, nil
}

// RequestPermission asks for foreground access first and only then for
// background access. A background denial is not an error.
func (s *Source) RequestPermission(ctx context.Context) (ports.PermissionGrant, error) {
	fg, err := s.platform.RequestPermission(ctx, ports.ScopeForeground)
	if err != nil {
		return ports.PermissionGrant{}, fmt.Errorf("request foreground permission: %w", err)
	}
	if !fg {
		return ports.PermissionGrant{}, domain.ErrPermissionDenied
	}
	grant := ports.PermissionGrant{Foreground: true}

	st, err := s.platform.QueryPermission(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("permission query failed after foreground grant, staying foreground-only")
		return grant, nil
	}
	if !st.CanRequestBackground {
		return grant, nil
	}

	bg, err := s.platform.RequestPermission(ctx, ports.ScopeBackground)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("background permission request failed, tracking foreground-only")
	case !bg:
		s.log.Info().Msg("background permission denied, tracking foreground-only")
	default:
		grant.Background = true
	}
	return grant, nil
}

// CurrentFix returns a single fix, or domain.ErrFixUnavailable when the
// platform cannot produce a valid one before timeout.
func (s *Source) CurrentFix(ctx context.Context, timeout time.Duration) (domain.Coordinate, error) {
	if timeout <= 0 {
		timeout = defaultFixTimeout
	}
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := s.platform.CurrentFix(fixCtx)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return domain.Coordinate{}, err
		}
		return domain.Coordinate{}, fmt.Errorf("%w: %v", domain.ErrFixUnavailable, err)
	}
	if err := fix.Validate(); err != nil {
		return domain.Coordinate{}, fmt.Errorf("%w: %v", domain.ErrFixUnavailable, err)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = s.now()
	}
	return fix, nil
}

// StreamFixes starts continuous updates. The stream is cancelled by Cancel or
// when ctx ends, whichever happens first.
func (s *Source) StreamFixes(ctx context.Context, opts ports.StreamOptions) (ports.FixStream, error) {
	st := newStream(opts, s.now)
	stop, err := s.platform.Watch(ctx, opts, st.offer)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("stream fixes: %w", err)
	}
	st.attach(stop, context.AfterFunc(ctx, st.Cancel))

	s.log.Debug().
		Str("accuracy", string(opts.Accuracy)).
		Dur("min_interval", opts.MinInterval).
		Float64("min_distance_m", opts.MinDistanceMeters).
		Msg("fix stream started")
	return st, nil
}
