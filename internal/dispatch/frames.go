package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-driver/internal/models"
)

// Channel event names.
const (
	EventNewRideRequest    = "newRideRequest"
	EventRideStatusChanged = "rideStatusChanged"
	EventRideCancelled     = "rideCancelled"
	EventJoinDriverRoom    = "joinDriverRoom"
)

// Frame is the envelope of every message on the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusChange is a server-side ride status update.
type StatusChange struct {
	RideID string `json:"rideId"`
	Status string `json:"status"`
}

func joinFrame(driverID string) ([]byte, error) {
	data, err := json.Marshal(driverID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: EventJoinDriverRoom, Data: data})
}

func decodeOffer(data json.RawMessage, received time.Time) (models.RideOffer, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.RideOffer{}, fmt.Errorf("decode offer: %w", err)
	}
	return models.OfferFromPayload(payload, received)
}

func decodeStatus(event string, data json.RawMessage) (StatusChange, error) {
	var sc StatusChange
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("decode %s: %w", event, err)
	}
	if event == EventRideCancelled {
		sc.Status = models.ServerStatusCancelled
	}
	if sc.RideID == "" || sc.Status == "" {
		return sc, fmt.Errorf("decode %s: ride id and status are required", event)
	}
	return sc, nil
}
