package position

import (
	"sync"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geo"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const streamBuffer = 32

// stream turns platform callbacks into a channel. offer never blocks the
// platform: when the consumer lags, the oldest buffered fix is dropped.
type stream struct {
	mu        sync.Mutex
	out       chan domain.Coordinate
	cancelled bool
	stop      func()
	release   func() bool

	opts   ports.StreamOptions
	now    func() time.Time
	last   *domain.Coordinate
	lastAt time.Time
}

var _ ports.FixStream = (*stream)(nil)

func newStream(opts ports.StreamOptions, now func() time.Time) *stream {
	return &stream{
		out:  make(chan domain.Coordinate, streamBuffer),
		opts: opts,
		now:  now,
	}
}

func (s *stream) attach(stop func(), release func() bool) {
	s.mu.Lock()
	cancelled := s.cancelled
	s.stop = stop
	s.release = release
	s.mu.Unlock()
	// ctx may already be done, in which case Cancel ran before stop was known.
	if cancelled {
		stop()
		release()
	}
}

func (s *stream) Fixes() <-chan domain.Coordinate { return s.out }

// Cancel stops the platform watch, discards buffered fixes and closes the
// channel. Nothing is delivered once Cancel has returned.
func (s *stream) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	for drained := false; !drained; {
		select {
		case <-s.out:
		default:
			drained = true
		}
	}
	close(s.out)
	stop, release := s.stop, s.release
	s.mu.Unlock()

	// outside the lock: the platform may wait for an in-flight offer
	if stop != nil {
		stop()
	}
	if release != nil {
		release()
	}
}

func (s *stream) offer(fix domain.Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = s.now()
	}
	// Invalid fixes bypass throttling so the engine can reject and log them.
	if fix.Validate() == nil {
		if !s.due(fix) {
			return
		}
		f := fix
		s.last = &f
		s.lastAt = fix.Timestamp
	}

	select {
	case s.out <- fix:
	default:
		select {
		case <-s.out:
		default:
		}
		s.out <- fix
	}
}

// due applies the minimum interval and minimum distance filters; both must pass.
func (s *stream) due(fix domain.Coordinate) bool {
	if s.last == nil {
		return true
	}
	if s.opts.MinInterval > 0 && fix.Timestamp.Sub(s.lastAt) < s.opts.MinInterval {
		return false
	}
	if s.opts.MinDistanceMeters > 0 && geo.DistanceMeters(*s.last, fix) < s.opts.MinDistanceMeters {
		return false
	}
	return true
}
