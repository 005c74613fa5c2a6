package capture

import (
	"errors"
	"fmt"
)

// Sentinel outcomes of the entry guard and session checks.
var (
	// ErrAlreadyMarked means the subject already holds a record for the
	// session's day; the flow short-circuits without touching the locator
	// or the oracle.
	ErrAlreadyMarked = errors.New("attendance already marked for today")

	// ErrNoActiveSession means no session of the flow's kind is live.
	ErrNoActiveSession = errors.New("no active attendance session")

	// ErrSessionGone means the session this attempt started against was
	// ended or replaced mid-flow.
	ErrSessionGone = errors.New("attendance session ended or replaced")
)

// GeofenceViolation reports a failed distance check. It carries the
// computed distance so a caller can show the subject how far out they are.
type GeofenceViolation struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceViolation) Error() string {
	return fmt.Sprintf("outside session geofence: %.0fm away, allowed %.0fm", e.DistanceMeters, e.RadiusMeters)
}

// IsDistanceError reports whether err is a geofence violation, letting a
// UI offer the optional map overlay for this case only.
func IsDistanceError(err error) bool {
	var gv *GeofenceViolation
	return errors.As(err, &gv)
}

// VerificationError reports a face-match failure: either the oracle was
// unreachable or it answered that the faces differ. Both fail closed.
type VerificationError struct {
	Mismatch bool
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Mismatch {
		return "face does not match enrolled reference photo"
	}
	return "face verification failed: " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }
