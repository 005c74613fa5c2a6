package ledger

import (
	"context"
	"fmt"
	"time"

	"geopresence/internal/geo"
)

// DayFormat is the calendar-day key used for the one-record-per-day rule.
const DayFormat = "2006-01-02"

// Identity names the session a record belongs to. Faculty records carry the
// session id; student records are keyed by course and unit so the same unit
// meeting on different days stays distinct by Day, not by session id.
type Identity struct {
	SessionID string `json:"session_id,omitempty"`
	CourseID  string `json:"course_id,omitempty"`
	UnitID    string `json:"unit_id,omitempty"`
}

// Key collapses the identity to a single comparable string.
func (id Identity) Key() string {
	if id.SessionID != "" {
		return "session:" + id.SessionID
	}
	return fmt.Sprintf("unit:%s/%s", id.CourseID, id.UnitID)
}

// Record is one confirmed attendance mark. Immutable once created; the
// session geofence is snapshotted so later session changes cannot rewrite
// history.
type Record struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	Identity    Identity  `json:"identity"`
	Day         string    `json:"day"`
	RecordedAt  time.Time `json:"recorded_at"`

	SubjectFix   geo.Fix   `json:"subject_fix"`
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Scope filters percentage queries: any non-empty field must match.
type Scope struct {
	CourseID string
	UnitID   string
}

// Ledger is the append-only collection of confirmed attendance records.
// Append performs no deduplication; the capture flow's entry guard owns
// that. Concurrent appends from different subjects must never lose a record.
type Ledger interface {
	Append(ctx context.Context, rec Record) error
	AlreadyMarked(ctx context.Context, subjectID string, id Identity, day string) (bool, error)
	PresentSubjectIDs(ctx context.Context, id Identity, day string) ([]string, error)
	PercentageFor(ctx context.Context, subjectID string, scope Scope) (float64, error)
}

// SubmissionError reports a ledger append that failed for reasons other
// than connectivity (storage fault). The offline path is not an error.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return "attendance submission failed: " + e.Err.Error() }
func (e *SubmissionError) Unwrap() error { return e.Err }
