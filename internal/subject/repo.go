package subject

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role of an enrolled identity.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLecturer Role = "lecturer"
	RoleStudent  Role = "student"
)

// ErrPhotoAlreadySet rejects replacing a reference photo; the enrolled
// reference is immutable once set.
var ErrPhotoAlreadySet = errors.New("reference photo already set")

// Subject is an enrolled student or lecturer.
type Subject struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Role              Role       `json:"role"`
	CourseID          *string    `json:"course_id,omitempty"`
	UnitID            *string    `json:"unit_id,omitempty"`
	ReferencePhotoURL *string    `json:"reference_photo_url,omitempty"`
	EnrolledAt        *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Repository persists subjects in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create enrolls a subject and returns it with the issued credential.
func (r *Repository) Create(ctx context.Context, name string, role Role, courseID, unitID *string) (Subject, string, error) {
	if name == "" {
		return Subject{}, "", errors.New("subject name required")
	}
	s := Subject{
		ID:       uuid.NewString(),
		Name:     name,
		Role:     role,
		CourseID: courseID,
		UnitID:   unitID,
	}
	secret := uuid.NewString()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO subjects (id, name, role, course_id, unit_id, secret)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, s.ID, s.Name, s.Role, s.CourseID, s.UnitID, secret)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Subject{}, "", err
	}
	return s, secret, nil
}

// Get returns a subject by id, or nil when unknown.
func (r *Repository) Get(ctx context.Context, id string) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, course_id, unit_id, reference_photo_url, enrolled_at, created_at
		FROM subjects WHERE id = $1
	`, id)
	var s Subject
	if err := row.Scan(&s.ID, &s.Name, &s.Role, &s.CourseID, &s.UnitID, &s.ReferencePhotoURL, &s.EnrolledAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Authenticate looks up a subject by id and credential. Plain lookup; the
// surrounding system owns anything stronger.
func (r *Repository) Authenticate(ctx context.Context, id, secret string) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, course_id, unit_id, reference_photo_url, enrolled_at, created_at
		FROM subjects WHERE id = $1 AND secret = $2
	`, id, secret)
	var s Subject
	if err := row.Scan(&s.ID, &s.Name, &s.Role, &s.CourseID, &s.UnitID, &s.ReferencePhotoURL, &s.EnrolledAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetReferencePhoto stores the enrollment photo URL exactly once.
func (r *Repository) SetReferencePhoto(ctx context.Context, id, photoURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subjects
		SET reference_photo_url = $2, enrolled_at = NOW()
		WHERE id = $1 AND reference_photo_url IS NULL
	`, id, photoURL)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("unknown subject")
		}
		return ErrPhotoAlreadySet
	}
	return nil
}

// List returns all subjects, students first by name.
func (r *Repository) List(ctx context.Context) ([]Subject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, role, course_id, unit_id, reference_photo_url, enrolled_at, created_at
		FROM subjects ORDER BY role, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.Name, &s.Role, &s.CourseID, &s.UnitID, &s.ReferencePhotoURL, &s.EnrolledAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
