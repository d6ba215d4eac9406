package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/i474232898/farm-weather/internal/weather"
)

type AppConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`

	// DatabaseURL selects the PostgreSQL store. Empty keeps everything in memory.
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"omitempty,url"`
	// StoreMaxAge bounds hourly history in the in-memory store (0 = unlimited).
	StoreMaxAge time.Duration `envconfig:"STORE_MAX_AGE" default:"720h" validate:"gte=0"`

	// API keys. An empty key disables the check for that route group.
	CronAPIKey  string `envconfig:"CRON_API_KEY"`
	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`

	OpenMeteoBaseURL      string        `envconfig:"OPEN_METEO_BASE_URL" default:"https://api.open-meteo.com/v1/forecast" validate:"url"`
	OpenMeteoTimezone     string        `envconfig:"OPEN_METEO_TIMEZONE" default:"Europe/Istanbul"`
	OpenMeteoPastDays     int           `envconfig:"OPEN_METEO_PAST_DAYS" default:"2" validate:"gte=1,lte=92"`
	OpenMeteoForecastDays int           `envconfig:"OPEN_METEO_FORECAST_DAYS" default:"7" validate:"gte=1,lte=16"`
	OpenMeteoChunkSize    int           `envconfig:"OPEN_METEO_CHUNK_SIZE" default:"8" validate:"gte=1"`
	OpenMeteoMaxChunkSize int           `envconfig:"OPEN_METEO_MAX_CHUNK_SIZE" default:"50" validate:"gte=1"`
	OpenMeteoConcurrency  int           `envconfig:"OPEN_METEO_CONCURRENCY" default:"4" validate:"gte=1"`
	OpenMeteoChunkTimeout time.Duration `envconfig:"OPEN_METEO_CHUNK_TIMEOUT" default:"20s" validate:"gt=0"`
	BreakerFailures       uint32        `envconfig:"OPEN_METEO_BREAKER_FAILURES" default:"5"`
	BreakerTimeout        time.Duration `envconfig:"OPEN_METEO_BREAKER_TIMEOUT" default:"2m"`
	HTTPClientTimeout     time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"30s" validate:"gt=0"`

	// SyncInterval of 0 disables the scheduled sync; the cron endpoint still works.
	SyncInterval         time.Duration `envconfig:"SYNC_INTERVAL" default:"1h" validate:"gte=0"`
	SyncTimeout          time.Duration `envconfig:"SYNC_TIMEOUT" default:"5m" validate:"gt=0"`
	SyncMaxRetries       int           `envconfig:"SYNC_MAX_RETRIES" default:"2" validate:"gte=0,lte=10"`
	SyncRetryInitial     time.Duration `envconfig:"SYNC_RETRY_INITIAL_INTERVAL" default:"2s" validate:"gte=0"`
	SyncRetryMaxInterval time.Duration `envconfig:"SYNC_RETRY_MAX_INTERVAL" default:"30s" validate:"gte=0"`
	// DefaultCoordinates is "lat,lon", used for fields nothing else can locate.
	DefaultCoordinates string `envconfig:"DEFAULT_COORDINATES"`
	GeocoderAPIKey     string `envconfig:"GEOCODER_API_KEY"`
	GeocoderCountry    string `envconfig:"GEOCODER_COUNTRY" default:"Turkey"`

	CacheDefaultTTL      time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"5m" validate:"gt=0"`
	CacheWeatherTTL      time.Duration `envconfig:"CACHE_WEATHER_TTL" default:"10m" validate:"gt=0"`
	CacheWaterTTL        time.Duration `envconfig:"CACHE_WATER_TTL" default:"3m" validate:"gt=0"`
	CacheCleanupInterval time.Duration `envconfig:"CACHE_CLEANUP_INTERVAL" default:"5m" validate:"gte=0"`

	FarmTimezone         string        `envconfig:"FARM_TIMEZONE" default:"Europe/Istanbul"`
	RecencyWindow        time.Duration `envconfig:"WATER_RECENCY_WINDOW" default:"72h" validate:"gt=0"`
	LookbackDays         int           `envconfig:"WATER_LOOKBACK_DAYS" default:"0" validate:"gte=0,lte=400"`
	HorizonDays          int           `envconfig:"WATER_HORIZON_DAYS" default:"7" validate:"gte=1,lte=16"`
	MediumRatio          float64       `envconfig:"IRRIGATION_MEDIUM_RATIO" default:"0.5" validate:"gt=0"`
	HighRatio            float64       `envconfig:"IRRIGATION_HIGH_RATIO" default:"1.0" validate:"gtfield=MediumRatio"`
	DefaultSoil          string        `envconfig:"DEFAULT_SOIL_TYPE" default:"LOAM" validate:"oneof=CLAY LOAM SANDY SILT"`
	IrrigationEfficiency float64       `envconfig:"IRRIGATION_EFFICIENCY" default:"0.85" validate:"gt=0,lte=1"`
	KcMode               string        `envconfig:"KC_MODE" default:"step" validate:"oneof=step fao56"`
	CropTablePath        string        `envconfig:"CROP_TABLE_PATH"`

	defaultCoords *weather.Coordinates
	farmLocation  *time.Location
}

var validate = validator.New()

// Load reads configuration from the environment (and .env when present),
// applies defaults and validates the result.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "reason", err)
	}
	cfg := &AppConfig{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	coords, err := weather.ParseCoordinates(cfg.DefaultCoordinates)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_COORDINATES: %w", err)
	}
	cfg.defaultCoords = coords

	loc, err := time.LoadLocation(cfg.FarmTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid FARM_TIMEZONE: %w", err)
	}
	cfg.farmLocation = loc
	return cfg, nil
}

// DefaultCoords is the parsed DEFAULT_COORDINATES, nil when unset.
func (c *AppConfig) DefaultCoords() *weather.Coordinates { return c.defaultCoords }

// FarmLocation is the timezone that defines a farm calendar day.
func (c *AppConfig) FarmLocation() *time.Location {
	if c.farmLocation == nil {
		return time.UTC
	}
	return c.farmLocation
}
