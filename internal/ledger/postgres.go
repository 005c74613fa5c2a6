package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Postgres persists attendance records in Postgres. Writes go through a
// single INSERT per record; the database serializes concurrent appends.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed ledger.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Append writes a new record.
func (p *Postgres) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, subject_id, subject_name, session_id, course_id, unit_id, day, recorded_at,
			 subject_lat, subject_lon, subject_alt, accuracy_meters, acquired_at,
			 center_lat, center_lon, radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.ID, rec.SubjectID, rec.SubjectName,
		nullable(rec.Identity.SessionID), nullable(rec.Identity.CourseID), nullable(rec.Identity.UnitID),
		rec.Day, rec.RecordedAt,
		rec.SubjectFix.Lat, rec.SubjectFix.Lon, rec.SubjectFix.Alt,
		rec.SubjectFix.AccuracyMeters, rec.SubjectFix.AcquiredAt,
		rec.Center.Lat, rec.Center.Lon, rec.RadiusMeters)
	if err != nil {
		return &SubmissionError{Err: err}
	}
	return nil
}

// AlreadyMarked checks for an existing record for the subject on the given
// day under the same session identity.
func (p *Postgres) AlreadyMarked(ctx context.Context, subjectID string, id Identity, day string) (bool, error) {
	query := `
		SELECT 1 FROM attendance_records
		WHERE subject_id = $1 AND day = $2 AND session_id = $3
		LIMIT 1
	`
	args := []any{subjectID, day, id.SessionID}
	if id.SessionID == "" {
		query = `
			SELECT 1 FROM attendance_records
			WHERE subject_id = $1 AND day = $2 AND course_id = $3 AND unit_id = $4
			LIMIT 1
		`
		args = []any{subjectID, day, id.CourseID, id.UnitID}
	}
	var one int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PresentSubjectIDs returns distinct subjects recorded for the identity on
// the given day.
func (p *Postgres) PresentSubjectIDs(ctx context.Context, id Identity, day string) ([]string, error) {
	query := `
		SELECT DISTINCT subject_id FROM attendance_records
		WHERE day = $1 AND session_id = $2
	`
	args := []any{day, id.SessionID}
	if id.SessionID == "" {
		query = `
			SELECT DISTINCT subject_id FROM attendance_records
			WHERE day = $1 AND course_id = $2 AND unit_id = $3
		`
		args = []any{day, id.CourseID, id.UnitID}
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		ids = append(ids, s)
	}
	return ids, rows.Err()
}

// PercentageFor computes attended distinct (identity, day) pairs over
// offered pairs within scope. Returns 0 when nothing was offered.
func (p *Postgres) PercentageFor(ctx context.Context, subjectID string, scope Scope) (float64, error) {
	query := `
		SELECT
			COUNT(DISTINCT (COALESCE(session_id, course_id || '/' || unit_id), day))
				FILTER (WHERE subject_id = $1),
			COUNT(DISTINCT (COALESCE(session_id, course_id || '/' || unit_id), day))
		FROM attendance_records
		WHERE ($2 = '' OR course_id = $2)
		  AND ($3 = '' OR unit_id = $3)
	`
	var attended, offered int
	if err := p.db.QueryRowContext(ctx, query, subjectID, scope.CourseID, scope.UnitID).Scan(&attended, &offered); err != nil {
		return 0, err
	}
	if offered == 0 {
		return 0, nil
	}
	return float64(attended) / float64(offered), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
