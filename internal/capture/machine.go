package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"geopresence/internal/connectivity"
	"geopresence/internal/geo"
	"geopresence/internal/ledger"
	"geopresence/internal/metrics"
	"geopresence/internal/offline"
	"geopresence/internal/session"
)

// State of a capture attempt.
type State string

const (
	StateReady            State = "READY"
	StateCheckingLocation State = "CHECKING_LOCATION"
	StateCapturing        State = "CAPTURING"
	StateVerifying        State = "VERIFYING"
	StateSubmitting       State = "SUBMITTING"
	StateConfirmed        State = "CONFIRMED"
	StateOfflineQueued    State = "OFFLINE_QUEUED"
	StateAlreadyMarked    State = "ALREADY_MARKED"
	StateError            State = "ERROR"
)

// Terminal reports whether the machine is finished; a new machine is
// created per attempt once a terminal state is reached.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateOfflineQueued || s == StateAlreadyMarked
}

// Event drives the machine. Events come from the acting subject (or the
// tests); nothing advances automatically.
type Event interface{ isEvent() }

// Begin starts an attempt: entry guard, then position acquisition.
type Begin struct{}

// Captured carries the single still image the subject took.
type Captured struct{ ImageURL string }

// Retry returns an errored attempt to READY, discarding the captured
// image and location. Full restart, never a partial resume.
type Retry struct{}

func (Begin) isEvent()    {}
func (Captured) isEvent() {}
func (Retry) isEvent()    {}

// FaceMatchOracle decides whether two face images show the same person.
// Implemented by faceclient.Client; unreachable oracle fails the attempt
// closed.
type FaceMatchOracle interface {
	SameSubject(ctx context.Context, referenceURL, capturedURL string) (bool, error)
}

// Subject is the person marking attendance.
type Subject struct {
	ID                string
	Name              string
	ReferencePhotoURL string
	CourseID          string // students only
	UnitID            string // students only
}

// Config wires a machine's collaborators.
type Config struct {
	Subject      Subject
	Kind         session.Kind
	Sessions     *session.Manager
	Locator      geo.Locator
	Oracle       FaceMatchOracle
	Ledger       ledger.Ledger
	Queue        *offline.Queue
	Connectivity *connectivity.Monitor
	Logger       *zap.Logger
	Now          func() time.Time
}

// Machine runs one attendance capture attempt for one subject. A subject
// runs at most one machine at a time; the mutex keeps a confused caller
// from interleaving events, not from sharing the machine across subjects.
//
// Student flow checks the geofence before camera capture; faculty flow
// checks it after the face match succeeds, before commit. The orderings
// are intentionally different and must stay that way.
type Machine struct {
	cfg Config

	mu       sync.Mutex
	state    State
	sess     session.Session
	fix      *geo.Fix
	distance float64
	failure  error
}

// NewMachine creates a machine in READY for a single attempt.
func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cfg: cfg, state: StateReady}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the error that put the machine into ERROR, or nil.
func (m *Machine) Failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Distance returns the last computed distance to the session center in
// meters. Meaningful once the geofence check has run.
func (m *Machine) Distance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distance
}

// Session returns the session this attempt is bound to.
func (m *Machine) Session() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Transition applies one event. The returned error is the capture failure
// (typed per the taxonomy) when the machine lands in ERROR or a terminal
// guard outcome; callers surface it to the acting subject. Events illegal
// for the current state return a plain error and change nothing.
func (m *Machine) Transition(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case Begin:
		if m.state != StateReady {
			return fmt.Errorf("cannot begin from %s", m.state)
		}
		return m.begin(ctx)
	case Captured:
		if m.state != StateCapturing {
			return fmt.Errorf("cannot capture from %s", m.state)
		}
		return m.captured(ctx, ev.ImageURL)
	case Retry:
		if m.state != StateError {
			return fmt.Errorf("cannot retry from %s", m.state)
		}
		m.state = StateReady
		m.fix = nil
		m.distance = 0
		m.failure = nil
		m.sess = session.Session{}
		return nil
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

func (m *Machine) begin(ctx context.Context) error {
	sess, ok := m.cfg.Sessions.Active(m.cfg.Kind)
	if !ok {
		return m.fail(ErrNoActiveSession)
	}
	m.sess = sess

	// Entry guard: an existing record for this session's day ends the
	// attempt before the locator or the oracle is touched.
	marked, err := m.cfg.Ledger.AlreadyMarked(ctx, m.cfg.Subject.ID, m.identity(), m.day())
	if err != nil {
		return m.fail(err)
	}
	if marked {
		m.state = StateAlreadyMarked
		m.observe("already_marked")
		return ErrAlreadyMarked
	}

	if m.cfg.Kind == session.KindStudent {
		m.state = StateCheckingLocation
	}

	fix, err := m.acquire(ctx)
	if err != nil {
		return m.fail(fmt.Errorf("%w: %v", geo.ErrLocationUnavailable, err))
	}
	m.fix = &fix
	m.distance = geo.DistanceMeters(fix.Point, m.sess.Center)

	// Students are rejected here, before the camera opens. Faculty carry
	// the fix forward and are checked after the face match.
	if m.cfg.Kind == session.KindStudent && m.distance > m.sess.RadiusMeters {
		return m.fail(&GeofenceViolation{DistanceMeters: m.distance, RadiusMeters: m.sess.RadiusMeters})
	}

	m.state = StateCapturing
	return nil
}

func (m *Machine) captured(ctx context.Context, imageURL string) error {
	m.state = StateVerifying

	start := m.cfg.Now()
	same, err := m.cfg.Oracle.SameSubject(ctx, m.cfg.Subject.ReferencePhotoURL, imageURL)
	metrics.FaceMatchDuration.Observe(m.cfg.Now().Sub(start).Seconds())
	if err != nil {
		return m.fail(&VerificationError{Err: err})
	}
	if !same {
		return m.fail(&VerificationError{Mismatch: true})
	}

	if m.cfg.Kind == session.KindFaculty && m.distance > m.sess.RadiusMeters {
		return m.fail(&GeofenceViolation{DistanceMeters: m.distance, RadiusMeters: m.sess.RadiusMeters})
	}

	m.state = StateSubmitting

	// The session may have been ended or replaced while the subject was
	// in front of the camera; never commit against a stale session.
	if !m.cfg.Sessions.IsLive(m.sess.ID) {
		return m.fail(ErrSessionGone)
	}

	rec := ledger.Record{
		SubjectID:    m.cfg.Subject.ID,
		SubjectName:  m.cfg.Subject.Name,
		Identity:     m.identity(),
		Day:          m.day(),
		RecordedAt:   m.cfg.Now().UTC(),
		SubjectFix:   *m.fix, // the reading already validated against the fence
		Center:       m.sess.Center,
		RadiusMeters: m.sess.RadiusMeters,
	}

	if !m.cfg.Connectivity.Online() {
		if err := m.cfg.Queue.Enqueue(ctx, rec); err != nil {
			return m.fail(err)
		}
		m.state = StateOfflineQueued
		m.observe("offline_queued")
		return nil
	}

	if err := m.cfg.Ledger.Append(ctx, rec); err != nil {
		return m.fail(err)
	}
	m.state = StateConfirmed
	m.observe("confirmed")
	m.cfg.Logger.Info("attendance confirmed",
		zap.String("subject_id", rec.SubjectID),
		zap.String("session", rec.Identity.Key()),
		zap.Float64("distance_meters", m.distance))
	return nil
}

// acquire runs the locator under the standard acquisition bound.
func (m *Machine) acquire(ctx context.Context) (geo.Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, geo.DefaultTimeout)
	defer cancel()
	return m.cfg.Locator.CurrentPosition(ctx)
}

func (m *Machine) fail(err error) error {
	m.state = StateError
	m.failure = err
	m.observe("error")
	m.cfg.Logger.Warn("capture attempt failed",
		zap.String("subject_id", m.cfg.Subject.ID),
		zap.Error(err))
	return err
}

func (m *Machine) observe(outcome string) {
	metrics.CaptureOutcomes.WithLabelValues(outcome, string(m.cfg.Kind)).Inc()
}

// identity keys the record: students by course and unit, faculty by the
// session itself.
func (m *Machine) identity() ledger.Identity {
	if m.cfg.Kind == session.KindStudent {
		return ledger.Identity{CourseID: m.cfg.Subject.CourseID, UnitID: m.cfg.Subject.UnitID}
	}
	return ledger.Identity{SessionID: m.sess.ID}
}

func (m *Machine) day() string {
	return m.cfg.Now().UTC().Format(ledger.DayFormat)
}
