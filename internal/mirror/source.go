// Package mirror follows the target stream of a second telescope and turns
// it into validated targets for the session.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

// EventKind distinguishes source events.
type EventKind int

const (
	EventMove EventKind = iota
	EventDomeClosed
)

func (k EventKind) String() string {
	if k == EventDomeClosed {
		return "dome_closed"
	}
	return "move"
}

// Event is one observation from a Source.
type Event struct {
	Kind    EventKind
	Record  model.MirrorRecord // set for EventMove
	At      time.Time
	Status  string // dome status for EventDomeClosed
	Message string
}

// Source reports what the remote telescope is doing. Poll returns only
// events not returned before.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]Event, error)
	Close() error
}

// closureStatuses are the dome states that end a mirror session.
var closureStatuses = map[string]bool{
	"weather_danger_closing": true,
	"closing_both_panels":    true,
	"close_requested_left":   true,
	"close_requested_right":  true,
	"close_requested":        true,
	"closed":                 true,
}

// IsClosureStatus reports whether a dome status means the dome is closing.
func IsClosureStatus(status string) bool {
	return closureStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// ErrValidation is wrapped by every rejected mirror record.
var ErrValidation = errors.New("invalid mirror record")

// ValidationError explains why a record was rejected.
type ValidationError struct {
	Fingerprint string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mirror record %s: %s", e.Fingerprint, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validate checks coordinate ranges: RA in [0, 360), Dec in [-90, 90].
func Validate(rec model.MirrorRecord) error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Fingerprint: rec.Fingerprint(), Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case math.IsNaN(rec.RADeg) || math.IsInf(rec.RADeg, 0):
		return fail("ra is not finite")
	case math.IsNaN(rec.DecDeg) || math.IsInf(rec.DecDeg, 0):
		return fail("dec is not finite")
	case rec.RADeg < 0 || rec.RADeg >= 360:
		return fail("ra %.6f outside [0, 360)", rec.RADeg)
	case rec.DecDeg < -90 || rec.DecDeg > 90:
		return fail("dec %.6f outside [-90, 90]", rec.DecDeg)
	case rec.Timestamp.IsZero():
		return fail("missing timestamp")
	}
	return nil
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 (taken as UTC).
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
