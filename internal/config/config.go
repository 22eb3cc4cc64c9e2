package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const (
	SessionBackendMemory = "memory"
	SessionBackendFile   = "file"
	SessionBackendRedis  = "redis"
)

// DriverConfig captures all tunable parameters for the driver client daemon.
// Values are loaded from the environment (optionally seeded from a .env file)
// with defaults that match the production driver app.
type DriverConfig struct {
	APIBaseURL  string
	SocketURL   string
	ControlAddr string
	HTTPTimeout time.Duration

	LogLevel  string
	LogFormat string

	SessionBackend string
	SessionFile    string
	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string
	RedisGeoKey    string
	GeoIndex       bool

	PGDSN string

	KafkaBrokers       []string
	KafkaLocationTopic string

	LocationMinDistance float64
	LocationMinInterval time.Duration
	LocationCadence     time.Duration

	PollInterval time.Duration

	ChannelMaxFailures  int
	ChannelBackoffBase  time.Duration
	ChannelBackoffMax   time.Duration
	ChannelPingInterval time.Duration

	SimLat float64
	SimLng float64

	ShutdownTimeout time.Duration
}

func defaultDriverConfig() DriverConfig {
	return DriverConfig{
		APIBaseURL:          "http://localhost:5001/api",
		SocketURL:           "ws://localhost:5001/ws/drivers",
		ControlAddr:         "127.0.0.1:8090",
		HTTPTimeout:         10 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
		SessionBackend:      SessionBackendFile,
		SessionFile:         "driver-session.json",
		RedisKeyPrefix:      "driver:session:",
		RedisGeoKey:         "drivers:geo",
		KafkaLocationTopic:  "driver-locations",
		LocationMinDistance: 5,
		LocationMinInterval: 5 * time.Second,
		LocationCadence:     time.Second,
		PollInterval:        5 * time.Second,
		ChannelMaxFailures:  3,
		ChannelBackoffBase:  time.Second,
		ChannelBackoffMax:   30 * time.Second,
		ChannelPingInterval: 25 * time.Second,
		SimLat:              17.385044,
		SimLng:              78.486671,
		ShutdownTimeout:     10 * time.Second,
	}
}

func LoadDriverConfig() (DriverConfig, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := defaultDriverConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.SocketURL, "SOCKET_URL")
	setStringFromEnv(&cfg.ControlAddr, "CONTROL_ADDR")
	setDurationFromEnv(&cfg.HTTPTimeout, "HTTP_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("SESSION_BACKEND"); v != "" {
		cfg.SessionBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.SessionFile, "SESSION_FILE")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.GeoIndex = BoolFromEnv("REDIS_GEO_INDEX", true)

	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")

	setFloatFromEnv(&cfg.LocationMinDistance, "LOCATION_MIN_DISTANCE_M", &errs)
	setDurationFromEnv(&cfg.LocationMinInterval, "LOCATION_MIN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LocationCadence, "LOCATION_CADENCE", &errs)
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)

	setIntFromEnv(&cfg.ChannelMaxFailures, "CHANNEL_MAX_FAILURES", &errs)
	setDurationFromEnv(&cfg.ChannelBackoffBase, "CHANNEL_BACKOFF_BASE", &errs)
	setDurationFromEnv(&cfg.ChannelBackoffMax, "CHANNEL_BACKOFF_MAX", &errs)
	setDurationFromEnv(&cfg.ChannelPingInterval, "CHANNEL_PING_INTERVAL", &errs)

	setFloatFromEnv(&cfg.SimLat, "SIM_LAT", &errs)
	setFloatFromEnv(&cfg.SimLng, "SIM_LNG", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c DriverConfig) validate() []error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL must be set"))
	}
	if c.SocketURL == "" {
		errs = append(errs, errors.New("SOCKET_URL must be set"))
	}
	if c.LocationMinDistance < 0 {
		errs = append(errs, errors.New("LOCATION_MIN_DISTANCE_M must be >= 0"))
	}
	for key, d := range map[string]time.Duration{
		"HTTP_TIMEOUT":          c.HTTPTimeout,
		"LOCATION_MIN_INTERVAL": c.LocationMinInterval,
		"LOCATION_CADENCE":      c.LocationCadence,
		"POLL_INTERVAL":         c.PollInterval,
		"CHANNEL_BACKOFF_BASE":  c.ChannelBackoffBase,
		"CHANNEL_BACKOFF_MAX":   c.ChannelBackoffMax,
		"CHANNEL_PING_INTERVAL": c.ChannelPingInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.ChannelMaxFailures <= 0 {
		errs = append(errs, errors.New("CHANNEL_MAX_FAILURES must be > 0"))
	}
	switch c.SessionBackend {
	case SessionBackendMemory, SessionBackendFile:
	case SessionBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend))
	}
	return errs
}

// BoolFromEnv reads a loosely formatted boolean ("1", "true", "yes" ...).
func BoolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "y", "on":
		return true
	case "no", "n", "off":
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
