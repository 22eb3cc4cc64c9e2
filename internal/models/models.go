package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Place is a coordinate with the human readable address shown to the driver.
type Place struct {
	Coord
	Address string `json:"addr,omitempty"`
}

// LocationSample is one device position fix.
type LocationSample struct {
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// DriverSession is the authenticated identity plus its bearer credential.
type DriverSession struct {
	DriverID string `json:"driverId"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Token    string `json:"-"`
	Online   bool   `json:"online"`
}

// RideOffer is an immutable ride proposal pushed or polled from the server.
type RideOffer struct {
	RideID       string    `json:"rideId"`
	CustomerID   string    `json:"customerId,omitempty"`
	CustomerName string    `json:"customerName,omitempty"`
	Pickup       Place     `json:"pickup"`
	Drop         Place     `json:"drop"`
	Fare         float64   `json:"fare"`
	DistanceKm   float64   `json:"distance"`
	VehicleType  string    `json:"vehicleType,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// LoginResult is what the authentication service hands back.
type LoginResult struct {
	DriverID string `json:"driverId"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Token    string `json:"token"`
}

// Server-side ride statuses as they appear on the wire.
const (
	ServerStatusOffered   = "Offered"
	ServerStatusAccepted  = "Accepted"
	ServerStatusArrived   = "Arrived"
	ServerStatusOngoing   = "Ongoing"
	ServerStatusCompleted = "Completed"
	ServerStatusCancelled = "Cancelled"
)
