package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-driver/internal/models"
)

var errNoDriver = errors.New("no active driver for geo index")

// GeoClient is the part of go-redis the index uses.
type GeoClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisIndex publishes the driver position into the shared Redis GEO set
// the dispatcher searches for nearby drivers.
type RedisIndex struct {
	client   GeoClient
	key      string
	driverID func() (string, bool)
}

func NewRedisIndex(client GeoClient, key string, driverID func() (string, bool)) *RedisIndex {
	return &RedisIndex{client: client, key: key, driverID: driverID}
}

// PushLocation implements location.Sink.
func (r *RedisIndex) PushLocation(ctx context.Context, s models.LocationSample) error {
	id, ok := r.driverID()
	if !ok {
		return errNoDriver
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: s.Lon, Latitude: s.Lat}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(id),
		"online", "true",
		"accuracy", strconv.FormatFloat(s.Accuracy, 'f', 1, 64),
		"updated", s.Timestamp.UTC().Format(time.RFC3339),
	).Err()
}

// Remove drops the driver from the index so offline drivers are not matched.
func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if driverID == "" {
		return errNoDriver
	}
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func metaKey(id string) string { return "driver:meta:" + id }
