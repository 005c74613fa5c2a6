package geo

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrLocationUnavailable is returned when a position cannot be acquired:
// permission denied, acquisition timeout, or no location hardware.
var ErrLocationUnavailable = errors.New("location unavailable")

// Point is a WGS84 coordinate. Altitude is optional; most device fixes
// on campus hardware omit it.
type Point struct {
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

// Fix is a single position reading with its acquisition metadata.
type Fix struct {
	Point
	AccuracyMeters float64   `json:"accuracy_meters"`
	AcquiredAt     time.Time `json:"acquired_at"`
}

// DefaultTimeout bounds a single position acquisition.
const DefaultTimeout = 10 * time.Second

// Locator acquires the caller's current position. Implementations wrap a
// device location API or, on the server side, a position submitted by the
// client. Acquisition is never retried here; callers decide.
type Locator interface {
	CurrentPosition(ctx context.Context) (Fix, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context) (Fix, error)

func (f LocatorFunc) CurrentPosition(ctx context.Context) (Fix, error) { return f(ctx) }

// Static returns a Locator that always reports the given fix. Used for
// client-submitted positions and in tests.
func Static(fix Fix) Locator {
	return LocatorFunc(func(ctx context.Context) (Fix, error) {
		if err := ctx.Err(); err != nil {
			return Fix{}, err
		}
		return fix, nil
	})
}

const earthRadiusMeters = 6371000

// DistanceMeters returns the haversine great-circle distance between two
// points. Pure and symmetric; zero when the points coincide.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}
