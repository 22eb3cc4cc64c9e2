package location

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/example/ride-driver/internal/models"
)

// RandomWalk simulates a moving device starting at a fixed point.
type RandomWalk struct {
	mu       sync.Mutex
	lat, lng float64
	step     float64
	rnd      *rand.Rand
}

func NewRandomWalk(lat, lng float64) *RandomWalk {
	return &RandomWalk{lat: lat, lng: lng, step: 0.0002, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (w *RandomWalk) Current(ctx context.Context) (models.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return models.LocationSample{}, ErrUnavailable
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lat += (w.rnd.Float64() - 0.5) * w.step
	w.lng += (w.rnd.Float64() - 0.5) * w.step
	return models.LocationSample{Lat: w.lat, Lon: w.lng, Accuracy: 5, Timestamp: time.Now()}, nil
}
