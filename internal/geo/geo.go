package geo

import (
	"math"
	"time"

	"github.com/example/ride-driver/internal/models"
)

// MovementFilter decides whether a fresh fix is worth reporting. A sample
// passes when it moved at least MinDistance meters from the last accepted
// sample or MinInterval elapsed since it.
type MovementFilter struct {
	MinDistance float64
	MinInterval time.Duration

	last *models.LocationSample
}

func NewMovementFilter(minDistance float64, minInterval time.Duration) *MovementFilter {
	return &MovementFilter{MinDistance: minDistance, MinInterval: minInterval}
}

// Accept reports whether s passes the filter and, if so, makes it the new
// reference sample.
func (f *MovementFilter) Accept(s models.LocationSample) bool {
	if f.last == nil {
		f.last = &s
		return true
	}
	moved := Haversine(f.last.Lat, f.last.Lon, s.Lat, s.Lon)
	elapsed := s.Timestamp.Sub(f.last.Timestamp)
	if moved >= f.MinDistance || elapsed >= f.MinInterval {
		f.last = &s
		return true
	}
	return false
}

// Reset forgets the reference sample so the next one always passes.
func (f *MovementFilter) Reset() { f.last = nil }

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
