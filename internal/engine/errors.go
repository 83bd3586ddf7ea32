package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrLocationUnavailable means no position could be obtained: permission
	// denied, no fix, or the acquisition timed out. Nothing was recorded.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrConfigurationMissing means the tenant has no configuration, usually a
	// stale or malformed terminal link. Check-ins are refused.
	ErrConfigurationMissing = errors.New("tenant configuration missing")
	ErrInvalidAttempt       = errors.New("invalid check-in attempt")
)

type GeofenceViolationError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceViolationError) Error() string {
	return fmt.Sprintf("outside geofence: %.0fm from site (radius %.0fm)", e.DistanceMeters, e.RadiusMeters)
}

// PersistenceError reports a failed write to the log. Op names the write
// that failed; the event append and the profile binding are independent, so
// a failure of one says nothing about the other.
type PersistenceError struct {
	Op  string
	Err error
}

const (
	OpAppendEvent = "append_event"
	OpBindProfile = "bind_profile"
	OpGetConfig   = "get_configuration"
)

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an engine error to the stable machine code surfaced to
// clients.
func ErrorCode(err error) string {
	var geo *GeofenceViolationError
	var pe *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLocationUnavailable):
		return "location_unavailable"
	case errors.As(err, &geo):
		return "geofence_violation"
	case errors.Is(err, ErrConfigurationMissing):
		return "configuration_missing"
	case errors.As(err, &pe):
		return "persistence_error"
	case errors.Is(err, ErrInvalidAttempt):
		return "invalid_attempt"
	}
	return "internal"
}
