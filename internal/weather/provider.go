package weather

import (
	"context"
	"time"
)

// BatchOptions controls the window and chunking of a batch fetch. Zero values
// fall back to the provider's defaults.
type BatchOptions struct {
	PastDays     int
	ForecastDays int
	ChunkSize    int
}

// Provider abstracts a batch weather data source (e.g. Open-Meteo).
type Provider interface {
	Name() string
	// FetchBatch returns exactly one result per input coordinate, in input order.
	// It never returns an error of its own: failures are carried per field.
	FetchBatch(ctx context.Context, coords []FieldCoordinate, opts BatchOptions) []FetchResult
}

// Geocoder resolves free-text locations to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, location string) (Coordinates, error)
}

// Store is what sync needs from persistence.
type Store interface {
	ListFields(ctx context.Context, ids []string) ([]Field, error)
	GetWell(ctx context.Context, id string) (Well, error)
	// LatestFeatureBefore returns nil when no feature precedes date.
	LatestFeatureBefore(ctx context.Context, fieldID string, date time.Time) (*DailyFeature, error)
	// SaveFieldWeather upserts all rows of one field as a unit.
	SaveFieldWeather(ctx context.Context, fieldID string, hourly []HourlyRecord, daily []DailyRecord, features []DailyFeature) (UpsertCounts, error)
}

// Invalidator drops cached views derived from a field's weather.
type Invalidator interface {
	Delete(key string)
	ClearByPattern(pattern string) int
}
