package ports

import (
	"context"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// AccuracyTier selects the power/precision trade-off requested from the platform.
type AccuracyTier string

const (
	AccuracyLow      AccuracyTier = "low"
	AccuracyBalanced AccuracyTier = "balanced"
	AccuracyHigh     AccuracyTier = "high"
)

// PermissionScope distinguishes the two location permission levels.
type PermissionScope string

const (
	ScopeForeground PermissionScope = "foreground"
	ScopeBackground PermissionScope = "background"
)

// PermissionStatus is the result of a permission query.
type PermissionStatus struct {
	Granted              bool
	CanRequestBackground bool
}

// PermissionGrant reports what a permission request obtained. Background may be
// false while tracking still proceeds in foreground-only mode.
type PermissionGrant struct {
	Foreground bool
	Background bool
}

// StreamOptions configures a continuous fix stream.
type StreamOptions struct {
	Accuracy          AccuracyTier
	MinInterval       time.Duration
	MinDistanceMeters float64
}

// LocationPlatform is the raw, callback-based location API of a device.
type LocationPlatform interface {
	QueryPermission(ctx context.Context) (PermissionStatus, error)
	// RequestPermission asks for one scope and reports whether it was granted.
	RequestPermission(ctx context.Context, scope PermissionScope) (bool, error)
	// CurrentFix blocks until the platform produces a fix or ctx ends.
	CurrentFix(ctx context.Context) (domain.Coordinate, error)
	// Watch registers onFix for continuous updates. The returned stop function
	// unregisters it; the platform may still be mid-callback when stop returns.
	Watch(ctx context.Context, opts StreamOptions, onFix func(domain.Coordinate)) (stop func(), err error)
}

// FixStream is a cancellable stream of fixes. After Cancel returns no further
// value is delivered on Fixes, and the channel is closed.
type FixStream interface {
	Fixes() <-chan domain.Coordinate
	Cancel()
}

// PositionSource hides the platform behind a capability contract. Denials and
// timeouts surface as domain.ErrPermissionDenied and domain.ErrFixUnavailable.
type PositionSource interface {
	CheckPermission(ctx context.Context) (PermissionStatus, error)
	RequestPermission(ctx context.Context) (PermissionGrant, error)
	CurrentFix(ctx context.Context, timeout time.Duration) (domain.Coordinate, error)
	StreamFixes(ctx context.Context, opts StreamOptions) (FixStream, error)
}
