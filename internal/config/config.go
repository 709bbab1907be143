package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RideService configures cmd/rideservice. Empty Redis, Postgres or NATS settings select
// the in-memory implementation of that concern.
type RideService struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required"`
	LogLevel        string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	JWTSecret       string        `mapstructure:"JWT_SECRET" validate:"required,min=8"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	PostgresDSN     string        `mapstructure:"POSTGRES_DSN"`
	NATSURL         string        `mapstructure:"NATS_URL"`
	EventSubject    string        `mapstructure:"RIDE_EVENT_SUBJECT" validate:"required"`
	RealtimeSubject string        `mapstructure:"REALTIME_SUBJECT" validate:"required"`
	ClaimTTL        time.Duration `mapstructure:"CLAIM_TTL" validate:"gt=0"`
	IdempotencyTTL  time.Duration `mapstructure:"IDEMPOTENCY_TTL" validate:"gt=0"`
	ReadRate        float64       `mapstructure:"RATE_READ" validate:"gte=0"`
	WriteRate       float64       `mapstructure:"RATE_WRITE" validate:"gte=0"`
	AcceptRate      float64       `mapstructure:"RATE_ACCEPT" validate:"gte=0"`
	RateBurst       float64       `mapstructure:"RATE_BURST" validate:"gte=0"`
	OSRMURL         string        `mapstructure:"OSRM_URL" validate:"omitempty,url"`
	NominatimURL    string        `mapstructure:"NOMINATIM_URL" validate:"omitempty,url"`
	ProviderTimeout time.Duration `mapstructure:"ROUTING_TIMEOUT" validate:"gt=0"`
	OutboxInterval  time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL" validate:"gt=0"`
	OutboxBatchSize int           `mapstructure:"OUTBOX_BATCH_SIZE" validate:"gt=0"`
	OutboxRetryMax  int           `mapstructure:"OUTBOX_RETRY_MAX" validate:"gt=0"`
}

// LocationService configures cmd/locationservice.
type LocationService struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required"`
	GRPCAddr        string        `mapstructure:"GRPC_ADDR" validate:"required"`
	LogLevel        string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	OSRMURL         string        `mapstructure:"OSRM_URL" validate:"omitempty,url"`
	NominatimURL    string        `mapstructure:"NOMINATIM_URL" validate:"omitempty,url"`
	ProviderTimeout time.Duration `mapstructure:"ROUTING_TIMEOUT" validate:"gt=0"`
	RouteCacheTTL   time.Duration `mapstructure:"ROUTE_CACHE_TTL" validate:"gt=0"`
	FallbackSpeed   float64       `mapstructure:"FALLBACK_SPEED_KMH" validate:"gt=0"`
}

// Client configures cmd/rideclient, the participant side of the engine.
type Client struct {
	APIURL         string        `mapstructure:"RIDE_API_URL" validate:"required,url"`
	RealtimeURL    string        `mapstructure:"RIDE_REALTIME_URL" validate:"required,url"`
	RoutingURL     string        `mapstructure:"ROUTING_URL" validate:"omitempty,url"`
	LocationAddr   string        `mapstructure:"LOCATION_GRPC_ADDR"`
	Token          string        `mapstructure:"RIDE_TOKEN" validate:"required"`
	LogLevel       string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	PollInterval   time.Duration `mapstructure:"DIRECTORY_POLL_INTERVAL" validate:"gt=0"`
	Cadence        time.Duration `mapstructure:"LOCATION_CADENCE" validate:"gt=0"`
	AcquireTimeout time.Duration `mapstructure:"LOCATION_ACQUIRE_TIMEOUT" validate:"gt=0"`
	MinDisplacement float64      `mapstructure:"MIN_DISPLACEMENT_KM" validate:"gt=0"`
	PickupRadius   float64       `mapstructure:"PICKUP_RADIUS_KM" validate:"gt=0"`
}

var validate = validator.New()

func LoadRideService() (RideService, error) {
	var cfg RideService
	err := load(map[string]any{
		"HTTP_ADDR":            ":8080",
		"LOG_LEVEL":            "info",
		"JWT_SECRET":           "",
		"JWT_ISSUER":           "",
		"REDIS_ADDR":           "",
		"POSTGRES_DSN":         "",
		"NATS_URL":             "",
		"RIDE_EVENT_SUBJECT":   "ride.events",
		"REALTIME_SUBJECT":     "ride.realtime",
		"CLAIM_TTL":            "10s",
		"IDEMPOTENCY_TTL":      "24h",
		"RATE_READ":            20,
		"RATE_WRITE":           5,
		"RATE_ACCEPT":          1,
		"RATE_BURST":           10,
		"OSRM_URL":             "",
		"NOMINATIM_URL":        "",
		"ROUTING_TIMEOUT":      "2s",
		"OUTBOX_POLL_INTERVAL": "200ms",
		"OUTBOX_BATCH_SIZE":    100,
		"OUTBOX_RETRY_MAX":     3,
	}, &cfg)
	return cfg, err
}

func LoadLocationService() (LocationService, error) {
	var cfg LocationService
	err := load(map[string]any{
		"HTTP_ADDR":          ":8081",
		"GRPC_ADDR":          ":9091",
		"LOG_LEVEL":          "info",
		"REDIS_ADDR":         "",
		"OSRM_URL":           "",
		"NOMINATIM_URL":      "",
		"ROUTING_TIMEOUT":    "2s",
		"ROUTE_CACHE_TTL":    "5m",
		"FALLBACK_SPEED_KMH": 30,
	}, &cfg)
	return cfg, err
}

func LoadClient() (Client, error) {
	var cfg Client
	err := load(map[string]any{
		"RIDE_API_URL":             "http://localhost:8080",
		"RIDE_REALTIME_URL":        "ws://localhost:8080/v1/realtime",
		"ROUTING_URL":              "",
		"LOCATION_GRPC_ADDR":       "",
		"RIDE_TOKEN":               "",
		"LOG_LEVEL":                "info",
		"DIRECTORY_POLL_INTERVAL":  "30s",
		"LOCATION_CADENCE":         "3s",
		"LOCATION_ACQUIRE_TIMEOUT": "10s",
		"MIN_DISPLACEMENT_KM":      0.05,
		"PICKUP_RADIUS_KM":         0.15,
	}, &cfg)
	return cfg, err
}

// load reads the environment over defaults into out and validates it. Every key needs a
// default, even an empty one, or viper will not unmarshal it from the environment.
func load(defaults map[string]any, out any) error {
	v := viper.New()
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
