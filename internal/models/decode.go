package models

import (
	"errors"
	"time"

	"github.com/spf13/cast"
)

var ErrMissingRideID = errors.New("ride payload has no ride id")

// OfferFromPayload decodes a loosely typed ride payload as pushed on the
// channel or returned by the available-rides endpoint. Field names differ
// between the two sources and numbers sometimes arrive as strings.
func OfferFromPayload(p map[string]interface{}, received time.Time) (RideOffer, error) {
	o := RideOffer{ReceivedAt: received}
	o.RideID = firstString(p, "rideId", "_id", "id", "ride_id")
	if o.RideID == "" {
		return RideOffer{}, ErrMissingRideID
	}

	o.CustomerID = firstString(p, "customerId", "userId")
	o.CustomerName = firstString(p, "customerName")
	if user, ok := p["user"].(map[string]interface{}); ok {
		if o.CustomerName == "" {
			o.CustomerName = cast.ToString(user["name"])
		}
		if o.CustomerID == "" {
			o.CustomerID = firstString(user, "_id", "id")
		}
	}

	o.Pickup = placeFrom(p["pickup"])
	o.Drop = placeFrom(p["drop"])
	o.Fare = firstFloat(p, "fare", "price")
	o.DistanceKm = firstFloat(p, "distance", "distanceKm")
	o.VehicleType = firstString(p, "vehicleType", "vehicle_type")
	return o, nil
}

func placeFrom(v interface{}) Place {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Place{}
	}
	return Place{
		Coord:   Coord{Lat: firstFloat(m, "lat", "latitude"), Lon: firstFloat(m, "lng", "lon", "longitude")},
		Address: firstString(m, "addr", "address"),
	}
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := cast.ToString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstFloat(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if f, err := cast.ToFloat64E(v); err == nil {
				return f
			}
		}
	}
	return 0
}
