package domain

import "errors"

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidTrip       = errors.New("invalid trip reference")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrUnknownStatus     = errors.New("unknown tracking status")
	ErrUnknownRole       = errors.New("unknown session role")

	// ErrPermissionDenied and ErrFixUnavailable are recoverable: callers
	// fall back to a placeholder position instead of aborting.
	ErrPermissionDenied = errors.New("location permission denied")
	ErrFixUnavailable   = errors.New("location fix unavailable")

	ErrSessionNotFound = errors.New("tracking session not found")
	ErrSessionExists   = errors.New("tracking session already active")
	ErrSessionClosed   = errors.New("tracking session closed")
	ErrNotDriving      = errors.New("session does not drive this trip")
	ErrTripFinished    = errors.New("trip already finished")

	ErrDeviceNotConnected = errors.New("driver device not connected")
)
