package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopresence/internal/geo"
)

var center = geo.Point{Lat: 34.0522, Lon: -118.2437}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		sessName  string
		center    *geo.Point
		radius    float64
		wantField string
	}{
		{"empty name", KindStudent, "", &center, 100, "name"},
		{"missing center", KindStudent, "CS101", nil, 100, "center"},
		{"student radius too small", KindStudent, "CS101", &center, 5, "radius"},
		{"student radius too large", KindStudent, "CS101", &center, 6000, "radius"},
		{"faculty radius zero", KindFaculty, "Staff", &center, 0, "radius"},
		{"faculty radius negative", KindFaculty, "Staff", &center, -1, "radius"},
		{"unknown kind", Kind("visitor"), "X", &center, 100, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager().Start(tt.kind, tt.sessName, "creator", tt.center, tt.radius)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestStart_FacultyAcceptsAnyPositiveRadius(t *testing.T) {
	m := NewManager()
	s, err := m.Start(KindFaculty, "Staff briefing", "admin-1", &center, 25000)
	require.NoError(t, err)
	assert.Equal(t, 25000.0, s.RadiusMeters)
}

func TestStart_ReplacesActiveSessionOfSameKind(t *testing.T) {
	m := NewManager()
	first, err := m.Start(KindStudent, "CS101", "lect-1", &center, 100)
	require.NoError(t, err)

	second, err := m.Start(KindStudent, "CS102", "lect-1", &center, 200)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	active, ok := m.Active(KindStudent)
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
	assert.False(t, m.IsLive(first.ID))
	assert.True(t, m.IsLive(second.ID))
}

func TestStart_KindsAreIndependent(t *testing.T) {
	m := NewManager()
	_, err := m.Start(KindStudent, "CS101", "lect-1", &center, 100)
	require.NoError(t, err)
	_, err = m.Start(KindFaculty, "Staff", "admin-1", &center, 50)
	require.NoError(t, err)

	_, ok := m.Active(KindStudent)
	assert.True(t, ok)
	_, ok = m.Active(KindFaculty)
	assert.True(t, ok)
}

func TestEnd_ClearsActiveSession(t *testing.T) {
	m := NewManager()
	s, err := m.Start(KindStudent, "CS101", "lect-1", &center, 100)
	require.NoError(t, err)

	m.End(KindStudent)

	_, ok := m.Active(KindStudent)
	assert.False(t, ok)
	assert.False(t, m.IsLive(s.ID))
}

func TestCenterLockedAtStart(t *testing.T) {
	m := NewManager()
	local := center
	s, err := m.Start(KindStudent, "CS101", "lect-1", &local, 100)
	require.NoError(t, err)

	// mutating the caller's point must not move the locked center
	local.Lat = 0
	active, ok := m.Active(KindStudent)
	require.True(t, ok)
	assert.Equal(t, center.Lat, active.Center.Lat)
	assert.Equal(t, s.Center, active.Center)
}
