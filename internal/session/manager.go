package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"geopresence/internal/geo"
)

// Kind distinguishes the two live-session tracks: student sessions opened by
// a lecturer, and faculty sessions opened by an admin.
type Kind string

const (
	KindStudent Kind = "student"
	KindFaculty Kind = "faculty"
)

// Student session radii are clamped to a sane campus range. Faculty sessions
// accept any positive radius.
const (
	MinStudentRadiusMeters = 10
	MaxStudentRadiusMeters = 5000
)

// ValidationError reports bad session parameters. Never retried
// automatically; surfaced straight to the initiator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session %s: %s", e.Field, e.Reason)
}

// Session is a live, geofenced attendance window. Center is locked at start
// and never recomputed for the session's lifetime.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	CreatorID    string    `json:"creator_id"`
	StartedAt    time.Time `json:"started_at"`
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Manager owns at most one live session per kind. Start replaces, End
// clears; there is no queue of pending sessions.
type Manager struct {
	mu     sync.RWMutex
	active map[Kind]*Session
	now    func() time.Time
}

// NewManager creates a manager with no live sessions.
func NewManager() *Manager {
	return &Manager{
		active: make(map[Kind]*Session),
		now:    time.Now,
	}
}

// Start validates parameters, replaces any live session of the same kind,
// and returns the new session. Attendance already recorded under the prior
// session is untouched.
func (m *Manager) Start(kind Kind, name, creatorID string, center *geo.Point, radiusMeters float64) (Session, error) {
	if name == "" {
		return Session{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if center == nil {
		return Session{}, &ValidationError{Field: "center", Reason: "location unavailable"}
	}
	switch kind {
	case KindStudent:
		if radiusMeters < MinStudentRadiusMeters || radiusMeters > MaxStudentRadiusMeters {
			return Session{}, &ValidationError{
				Field:  "radius",
				Reason: fmt.Sprintf("must be within [%d, %d] meters", MinStudentRadiusMeters, MaxStudentRadiusMeters),
			}
		}
	case KindFaculty:
		if radiusMeters <= 0 {
			return Session{}, &ValidationError{Field: "radius", Reason: "must be positive"}
		}
	default:
		return Session{}, &ValidationError{Field: "kind", Reason: "unknown session kind"}
	}

	s := Session{
		ID:           uuid.NewString(),
		Name:         name,
		Kind:         kind,
		CreatorID:    creatorID,
		StartedAt:    m.now().UTC(),
		Center:       *center,
		RadiusMeters: radiusMeters,
	}

	m.mu.Lock()
	m.active[kind] = &s
	m.mu.Unlock()
	return s, nil
}

// End clears the live session of the given kind. Subjects mid-capture
// against that session observe it via IsLive on their next interaction.
func (m *Manager) End(kind Kind) {
	m.mu.Lock()
	delete(m.active, kind)
	m.mu.Unlock()
}

// Active returns a copy of the live session of the given kind, or false.
func (m *Manager) Active(kind Kind) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[kind]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IsLive reports whether the session with the given id is still the active
// session of its kind. Capture flows check this before committing so an
// attempt started against a replaced or ended session fails instead of
// silently succeeding.
func (m *Manager) IsLive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.active {
		if s.ID == id {
			return true
		}
	}
	return false
}
