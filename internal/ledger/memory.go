package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process ledger for development and tests. The mutex
// serializes appends so concurrent subjects never lose a record.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores a copy of the record.
func (m *Memory) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// AlreadyMarked reports whether the subject has a record for the given
// session identity and day.
func (m *Memory) AlreadyMarked(ctx context.Context, subjectID string, id Identity, day string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.SubjectID == subjectID && r.Identity.Key() == id.Key() && r.Day == day {
			return true, nil
		}
	}
	return false, nil
}

// PresentSubjectIDs returns the distinct subjects recorded for the given
// session identity and day.
func (m *Memory) PresentSubjectIDs(ctx context.Context, id Identity, day string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range m.records {
		if r.Identity.Key() != id.Key() || r.Day != day {
			continue
		}
		if _, ok := seen[r.SubjectID]; ok {
			continue
		}
		seen[r.SubjectID] = struct{}{}
		out = append(out, r.SubjectID)
	}
	return out, nil
}

// PercentageFor divides the distinct (identity, day) pairs the subject
// attended by the distinct pairs offered within scope. Zero when nothing
// was offered.
func (m *Memory) PercentageFor(ctx context.Context, subjectID string, scope Scope) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	offered := make(map[string]struct{})
	attended := make(map[string]struct{})
	for _, r := range m.records {
		if scope.CourseID != "" && r.Identity.CourseID != scope.CourseID {
			continue
		}
		if scope.UnitID != "" && r.Identity.UnitID != scope.UnitID {
			continue
		}
		pair := r.Identity.Key() + "@" + r.Day
		offered[pair] = struct{}{}
		if r.SubjectID == subjectID {
			attended[pair] = struct{}{}
		}
	}
	if len(offered) == 0 {
		return 0, nil
	}
	return float64(len(attended)) / float64(len(offered)), nil
}

// Len reports the record count; used by tests to assert no partial writes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a snapshot copy of all records.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
