package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceMeters_CoincidentPointsIsZero(t *testing.T) {
	p := Point{Lat: 34.0522, Lon: -118.2437}
	assert.Zero(t, DistanceMeters(p, p))
}

func TestDistanceMeters_Symmetric(t *testing.T) {
	a := Point{Lat: 34.0522, Lon: -118.2437}
	b := Point{Lat: 34.0700, Lon: -118.2500}
	assert.InDelta(t, DistanceMeters(a, b), DistanceMeters(b, a), 1e-9)
}

func TestDistanceMeters_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantM     float64
		tolerance float64 // fraction
	}{
		{
			name:      "one degree latitude",
			a:         Point{Lat: 0, Lon: 0},
			b:         Point{Lat: 1, Lon: 0},
			wantM:     111195,
			tolerance: 0.005,
		},
		{
			name:      "two kilometers north of downtown LA",
			a:         Point{Lat: 34.0522, Lon: -118.2437},
			b:         Point{Lat: 34.0522 + 0.017987, Lon: -118.2437},
			wantM:     2000,
			tolerance: 0.01,
		},
		{
			name:      "lecture hall to far side of campus",
			a:         Point{Lat: -1.09620, Lon: 37.01456},
			b:         Point{Lat: -1.09980, Lon: 37.01456},
			wantM:     400,
			tolerance: 0.01,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.a, tt.b)
			assert.InDelta(t, tt.wantM, got, tt.wantM*tt.tolerance)
		})
	}
}

func TestStaticLocator(t *testing.T) {
	fix := Fix{
		Point:          Point{Lat: 1.5, Lon: 2.5},
		AccuracyMeters: 12,
		AcquiredAt:     time.Now(),
	}
	got, err := Static(fix).CurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fix, got)
}

func TestStaticLocator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Static(Fix{}).CurrentPosition(ctx)
	require.Error(t, err)
}
