package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geopresence/internal/capture"
	"geopresence/internal/connectivity"
	"geopresence/internal/geo"
	"geopresence/internal/ledger"
	"geopresence/internal/offline"
	"geopresence/internal/session"
)

var campusCenter = geo.Point{Lat: 34.0522, Lon: -118.2437}

type countingLocator struct {
	fix   geo.Fix
	err   error
	calls int
}

func (l *countingLocator) CurrentPosition(ctx context.Context) (geo.Fix, error) {
	l.calls++
	if l.err != nil {
		return geo.Fix{}, l.err
	}
	return l.fix, nil
}

type fakeOracle struct {
	match bool
	err   error
	calls int
}

func (o *fakeOracle) SameSubject(ctx context.Context, refURL, capturedURL string) (bool, error) {
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.match, nil
}

type rig struct {
	sessions *session.Manager
	sess     session.Session
	locator  *countingLocator
	oracle   *fakeOracle
	ledger   *ledger.Memory
	storage  *offline.MemoryStorage
	queue    *offline.Queue
	monitor  *connectivity.Monitor
	machine  *capture.Machine
}

func fixAt(p geo.Point) geo.Fix {
	return geo.Fix{Point: p, AccuracyMeters: 5, AcquiredAt: time.Now().UTC()}
}

func newRig(t *testing.T, kind session.Kind, subjectPos geo.Point) *rig {
	t.Helper()
	sessions := session.NewManager()
	radius := 100.0
	var sess session.Session
	var err error
	if kind == session.KindStudent {
		sess, err = sessions.Start(kind, "CS101 Lecture", "lect-1", &campusCenter, radius)
	} else {
		sess, err = sessions.Start(kind, "Staff briefing", "admin-1", &campusCenter, radius)
	}
	require.NoError(t, err)

	r := &rig{
		sessions: sessions,
		sess:     sess,
		locator:  &countingLocator{fix: fixAt(subjectPos)},
		oracle:   &fakeOracle{match: true},
		ledger:   ledger.NewMemory(),
		storage:  offline.NewMemoryStorage(),
		monitor:  connectivity.NewMonitor(true),
	}
	r.queue = offline.NewQueue(r.storage, zap.NewNop())
	r.machine = capture.NewMachine(capture.Config{
		Subject: capture.Subject{
			ID:                "stu-1",
			Name:              "Ada Wanjiru",
			ReferencePhotoURL: "https://img.example/ref/stu-1.jpg",
			CourseID:          "BSC-CS",
			UnitID:            "CS101",
		},
		Kind:         kind,
		Sessions:     sessions,
		Locator:      r.locator,
		Oracle:       r.oracle,
		Ledger:       r.ledger,
		Queue:        r.queue,
		Connectivity: r.monitor,
	})
	return r
}

func TestStudentFlow_ConfirmedInsideFence(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	assert.Equal(t, capture.StateCapturing, r.machine.State())

	require.NoError(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"}))
	assert.Equal(t, capture.StateConfirmed, r.machine.State())

	recs := r.ledger.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "stu-1", rec.SubjectID)
	assert.Equal(t, "BSC-CS", rec.Identity.CourseID)
	assert.Equal(t, "CS101", rec.Identity.UnitID)
	assert.Empty(t, rec.Identity.SessionID)
	assert.Equal(t, time.Now().UTC().Format(ledger.DayFormat), rec.Day)
	// the committed fix is the same reading that passed the fence check
	assert.Equal(t, r.locator.fix, rec.SubjectFix)
	assert.Equal(t, campusCenter, rec.Center)
	assert.Equal(t, 100.0, rec.RadiusMeters)
}

func TestEntryGuard_AlreadyMarkedSkipsLocatorAndOracle(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	ctx := context.Background()

	require.NoError(t, r.ledger.Append(ctx, ledger.Record{
		SubjectID: "stu-1",
		Identity:  ledger.Identity{CourseID: "BSC-CS", UnitID: "CS101"},
		Day:       time.Now().UTC().Format(ledger.DayFormat),
	}))

	err := r.machine.Transition(ctx, capture.Begin{})
	require.ErrorIs(t, err, capture.ErrAlreadyMarked)
	assert.Equal(t, capture.StateAlreadyMarked, r.machine.State())
	assert.Zero(t, r.locator.calls, "locator must not be called")
	assert.Zero(t, r.oracle.calls, "oracle must not be called")
	assert.Equal(t, 1, r.ledger.Len())
}

func TestStudentFlow_GeofenceViolationBeforeCamera(t *testing.T) {
	// roughly 2km north of the session center
	away := geo.Point{Lat: campusCenter.Lat + 0.017987, Lon: campusCenter.Lon}
	r := newRig(t, session.KindStudent, away)
	ctx := context.Background()

	err := r.machine.Transition(ctx, capture.Begin{})
	require.Error(t, err)
	require.True(t, capture.IsDistanceError(err))
	assert.Equal(t, capture.StateError, r.machine.State())

	var gv *capture.GeofenceViolation
	require.True(t, errors.As(err, &gv))
	assert.InDelta(t, 2000, gv.DistanceMeters, 20) // within 1%
	assert.Equal(t, 100.0, gv.RadiusMeters)

	// the camera never opens: Captured is illegal from ERROR
	assert.Error(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "x"}))
	assert.Zero(t, r.oracle.calls)
	assert.Zero(t, r.ledger.Len())
}

func TestStudentFlow_LocationUnavailable(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.locator.err = errors.New("permission denied")

	err := r.machine.Transition(context.Background(), capture.Begin{})
	require.ErrorIs(t, err, geo.ErrLocationUnavailable)
	assert.Equal(t, capture.StateError, r.machine.State())
}

func TestFaceMismatch_NoRecordCreated(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.oracle.match = false
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	err := r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"})

	var ve *capture.VerificationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.Mismatch)
	assert.Equal(t, capture.StateError, r.machine.State())
	assert.Zero(t, r.ledger.Len(), "ledger must be unchanged")
	assert.Zero(t, r.storage.Len(), "queue must be unchanged")
}

func TestOracleFailure_FailsClosed(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.oracle.err = errors.New("face service unavailable: connection refused")
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	err := r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"})

	var ve *capture.VerificationError
	require.True(t, errors.As(err, &ve))
	assert.False(t, ve.Mismatch)
	assert.Zero(t, r.ledger.Len())
}

func TestFacultyFlow_GeofenceCheckedAfterFaceMatch(t *testing.T) {
	away := geo.Point{Lat: campusCenter.Lat + 0.017987, Lon: campusCenter.Lon}
	r := newRig(t, session.KindFaculty, away)
	ctx := context.Background()

	// out of range, but faculty flow proceeds straight to capture
	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	assert.Equal(t, capture.StateCapturing, r.machine.State())

	err := r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"})
	require.True(t, capture.IsDistanceError(err))
	assert.Equal(t, 1, r.oracle.calls, "face match runs before the fence check")
	assert.Zero(t, r.ledger.Len())
}

func TestFacultyFlow_ConfirmedUsesSessionIdentity(t *testing.T) {
	r := newRig(t, session.KindFaculty, campusCenter)
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	require.NoError(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"}))

	recs := r.ledger.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, r.sess.ID, recs[0].Identity.SessionID)
}

func TestSessionReplacedMidFlow_FailsInsteadOfCommitting(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))

	// lecturer starts a new session while the subject is at the camera
	_, err := r.sessions.Start(session.KindStudent, "CS102 Lecture", "lect-1", &campusCenter, 100)
	require.NoError(t, err)

	err = r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"})
	require.ErrorIs(t, err, capture.ErrSessionGone)
	assert.Equal(t, capture.StateError, r.machine.State())
	assert.Zero(t, r.ledger.Len())
}

func TestSessionEndedMidFlow_FailsGracefully(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	r.sessions.End(session.KindStudent)

	err := r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"})
	require.ErrorIs(t, err, capture.ErrSessionGone)
}

func TestOffline_SubmissionQueuedNotErrored(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.monitor.Set(false)
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	require.NoError(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"}))

	assert.Equal(t, capture.StateOfflineQueued, r.machine.State())
	assert.Nil(t, r.machine.Failure())
	assert.Zero(t, r.ledger.Len())

	pending, err := r.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stu-1", pending[0].SubjectID)
}

func TestNoActiveSession(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.sessions.End(session.KindStudent)

	err := r.machine.Transition(context.Background(), capture.Begin{})
	require.ErrorIs(t, err, capture.ErrNoActiveSession)
	assert.Equal(t, capture.StateError, r.machine.State())
}

func TestRetry_FullRestartFromError(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	r.oracle.match = false
	ctx := context.Background()

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	require.Error(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still.jpg"}))
	require.Equal(t, capture.StateError, r.machine.State())

	require.NoError(t, r.machine.Transition(ctx, capture.Retry{}))
	assert.Equal(t, capture.StateReady, r.machine.State())
	assert.Nil(t, r.machine.Failure())
	assert.Zero(t, r.machine.Distance())

	// the whole attempt restarts: location is re-acquired
	r.oracle.match = true
	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	require.NoError(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "https://img.example/still2.jpg"}))
	assert.Equal(t, capture.StateConfirmed, r.machine.State())
	assert.Equal(t, 2, r.locator.calls)
}

func TestIllegalEvents(t *testing.T) {
	r := newRig(t, session.KindStudent, campusCenter)
	ctx := context.Background()

	assert.Error(t, r.machine.Transition(ctx, capture.Captured{ImageURL: "x"}), "capture before begin")
	assert.Error(t, r.machine.Transition(ctx, capture.Retry{}), "retry outside error")

	require.NoError(t, r.machine.Transition(ctx, capture.Begin{}))
	assert.Error(t, r.machine.Transition(ctx, capture.Begin{}), "double begin")
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, capture.StateConfirmed.Terminal())
	assert.True(t, capture.StateOfflineQueued.Terminal())
	assert.True(t, capture.StateAlreadyMarked.Terminal())
	assert.False(t, capture.StateError.Terminal())
	assert.False(t, capture.StateReady.Terminal())
}
