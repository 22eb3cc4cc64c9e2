package geo

import (
	"testing"
	"time"

	"github.com/example/ride-driver/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("expected ~111.2km, got %f", d)
	}
}

func TestMovementFilter(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewMovementFilter(5, 5*time.Second)

	first := models.LocationSample{Lat: 17.385, Lon: 78.486, Timestamp: t0}
	if !f.Accept(first) {
		t.Fatal("first sample must pass")
	}
	// ~1m away, 1s later
	near := models.LocationSample{Lat: 17.38501, Lon: 78.486, Timestamp: t0.Add(time.Second)}
	if f.Accept(near) {
		t.Fatal("sample within distance and interval must be filtered")
	}
	// ~11m away
	far := models.LocationSample{Lat: 17.3851, Lon: 78.486, Timestamp: t0.Add(2 * time.Second)}
	if !f.Accept(far) {
		t.Fatal("sample beyond min distance must pass")
	}
	still := models.LocationSample{Lat: 17.3851, Lon: 78.486, Timestamp: t0.Add(7 * time.Second)}
	if !f.Accept(still) {
		t.Fatal("sample after min interval must pass even without movement")
	}

	f.Reset()
	if !f.Accept(still) {
		t.Fatal("sample after reset must pass")
	}
}
