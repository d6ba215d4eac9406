package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/farm-weather/internal/common"
	"github.com/i474232898/farm-weather/internal/observability"
	"github.com/i474232898/farm-weather/internal/weather"
)

const (
	defaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	coordinatePrecision = 4
)

var hourlyParams = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"precipitation",
	"wind_speed_10m",
	"wind_direction_10m",
	"wind_gusts_10m",
	"shortwave_radiation",
	"et0_fao_evapotranspiration",
	"vapour_pressure_deficit",
	"soil_temperature_0cm",
	"soil_moisture_0_1cm",
}

var dailyParams = []string{
	"temperature_2m_max",
	"temperature_2m_min",
	"precipitation_sum",
	"precipitation_probability_max",
	"shortwave_radiation_sum",
	"et0_fao_evapotranspiration",
	"wind_speed_10m_max",
	"wind_direction_10m_dominant",
	"wind_gusts_10m_max",
	"daylight_duration",
}

// OpenMeteoConfig configures the Open-Meteo batch client.
type OpenMeteoConfig struct {
	BaseURL      string
	Timezone     string
	PastDays     int
	ForecastDays int
	ChunkSize    int
	MaxChunkSize int
	Concurrency  int
	ChunkTimeout time.Duration
	Breaker      BreakerSettings
}

func (c *OpenMeteoConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenMeteoURL
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Istanbul"
	}
	if c.PastDays <= 0 {
		c.PastDays = 2
	}
	if c.ForecastDays <= 0 {
		c.ForecastDays = 7
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 50
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8
	}
	if c.ChunkSize > c.MaxChunkSize {
		c.ChunkSize = c.MaxChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 20 * time.Second
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 5
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 2 * time.Minute
	}
}

// OpenMeteoClient fetches hourly and daily series for many coordinates per request.
type OpenMeteoClient struct {
	name    string
	client  *http.Client
	cfg     OpenMeteoConfig
	circuit *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewOpenMeteoClient creates the client. metrics may be nil.
func NewOpenMeteoClient(client *http.Client, cfg OpenMeteoConfig, logger *slog.Logger, metrics *observability.Metrics) *OpenMeteoClient {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenMeteoClient{
		name:    "openmeteo",
		client:  client,
		cfg:     cfg,
		circuit: newBreaker("openmeteo", cfg.Breaker),
		logger:  logger,
		metrics: metrics,
	}
}

func (p *OpenMeteoClient) Name() string {
	return p.name
}

// location is one distinct rounded coordinate and the fields that share it.
type location struct {
	lat, lon float64
	fields   []int // indexes into the input slice
}

// FetchBatch deduplicates coordinates, splits them into chunks and fetches the
// chunks concurrently. Each chunk is attempted once; a failed chunk fails all of
// its fields while other chunks are unaffected.
func (p *OpenMeteoClient) FetchBatch(ctx context.Context, coords []weather.FieldCoordinate, opts weather.BatchOptions) []weather.FetchResult {
	if len(coords) == 0 {
		return nil
	}
	opts = p.resolveOptions(opts)

	results := make([]weather.FetchResult, len(coords))
	for i, c := range coords {
		results[i].FieldID = c.FieldID
	}

	var locs []*location
	byKey := make(map[string]*location)
	for i, c := range coords {
		lat := common.RoundTo(c.Latitude, coordinatePrecision)
		lon := common.RoundTo(c.Longitude, coordinatePrecision)
		key := formatCoord(lat) + "," + formatCoord(lon)
		l, ok := byKey[key]
		if !ok {
			l = &location{lat: lat, lon: lon}
			byKey[key] = l
			locs = append(locs, l)
		}
		l.fields = append(l.fields, i)
	}

	chunks := common.Chunk(locs, opts.ChunkSize)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for ci, chunk := range chunks {
		g.Go(func() error {
			batches, err := p.fetchChunk(gCtx, chunk, opts)
			if err != nil {
				p.logger.Warn("open-meteo chunk failed",
					"chunk", ci, "locations", len(chunk), "error", err)
			}
			for li, l := range chunk {
				for _, idx := range l.fields {
					if err != nil {
						results[idx].Err = err
						continue
					}
					results[idx].Batch = forField(batches[li], coords[idx].FieldID)
				}
			}
			// Chunk failures are carried per field, never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *OpenMeteoClient) resolveOptions(opts weather.BatchOptions) weather.BatchOptions {
	if opts.PastDays <= 0 {
		opts.PastDays = p.cfg.PastDays
	}
	if opts.ForecastDays <= 0 {
		opts.ForecastDays = p.cfg.ForecastDays
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = p.cfg.ChunkSize
	}
	if opts.ChunkSize > p.cfg.MaxChunkSize {
		opts.ChunkSize = p.cfg.MaxChunkSize
	}
	return opts
}

func (p *OpenMeteoClient) fetchChunk(ctx context.Context, chunk []*location, opts weather.BatchOptions) ([]weather.LocationBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ChunkTimeout)
	defer cancel()

	lats := make([]string, len(chunk))
	lons := make([]string, len(chunk))
	for i, l := range chunk {
		lats[i] = formatCoord(l.lat)
		lons[i] = formatCoord(l.lon)
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", strings.Join(lats, ","))
		values.Set("longitude", strings.Join(lons, ","))
		values.Set("hourly", strings.Join(hourlyParams, ","))
		values.Set("daily", strings.Join(dailyParams, ","))
		values.Set("past_days", strconv.Itoa(opts.PastDays))
		values.Set("forecast_days", strconv.Itoa(opts.ForecastDays))
		values.Set("timezone", p.cfg.Timezone)

		u := fmt.Sprintf("%s?%s", p.cfg.BaseURL, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	start := time.Now()
	body, err := doRequest(ctx, p.client, p.circuit, buildRequest)
	if err == nil {
		var batches []weather.LocationBatch
		batches, err = decodeBatch(body, len(chunk))
		p.metrics.ObserveChunk(time.Since(start).Seconds(), err)
		return batches, err
	}
	p.metrics.ObserveChunk(time.Since(start).Seconds(), err)
	return nil, err
}

// forField copies a location's series and tags the rows with fieldID.
func forField(b weather.LocationBatch, fieldID string) *weather.LocationBatch {
	out := b
	out.Hourly = make([]weather.HourlyRecord, len(b.Hourly))
	for i, h := range b.Hourly {
		h.FieldID = fieldID
		out.Hourly[i] = h
	}
	out.Daily = make([]weather.DailyRecord, len(b.Daily))
	for i, d := range b.Daily {
		d.FieldID = fieldID
		out.Daily[i] = d
	}
	return &out
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', coordinatePrecision, 64)
}

type openMeteoLocation struct {
	Latitude         float64                    `json:"latitude"`
	Longitude        float64                    `json:"longitude"`
	Timezone         string                     `json:"timezone"`
	UTCOffsetSeconds int                        `json:"utc_offset_seconds"`
	Hourly           map[string]json.RawMessage `json:"hourly"`
	Daily            map[string]json.RawMessage `json:"daily"`
}

// decodeBatch accepts a single object (one location) or an array of objects.
func decodeBatch(body []byte, want int) ([]weather.LocationBatch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", errUnexpected)
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode open-meteo response: %w", err)
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}
	if len(raws) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", errLocationMismatch, len(raws), want)
	}

	out := make([]weather.LocationBatch, len(raws))
	for i, raw := range raws {
		var loc openMeteoLocation
		if err := json.Unmarshal(raw, &loc); err != nil {
			// A malformed location yields empty series, not a chunk failure.
			continue
		}
		out[i] = normalizeLocation(loc)
	}
	return out, nil
}

func normalizeLocation(loc openMeteoLocation) weather.LocationBatch {
	b := weather.LocationBatch{
		Latitude:         loc.Latitude,
		Longitude:        loc.Longitude,
		Timezone:         loc.Timezone,
		UTCOffsetSeconds: loc.UTCOffsetSeconds,
	}
	zone := time.FixedZone(loc.Timezone, loc.UTCOffsetSeconds)

	if times, ok := stringSeries(loc.Hourly, "time"); ok {
		series := floatSeries(loc.Hourly, hourlyParams)
		for i, raw := range times {
			ts, err := time.ParseInLocation("2006-01-02T15:04", raw, zone)
			if err != nil {
				b.Hourly = nil
				break
			}
			b.Hourly = append(b.Hourly, weather.HourlyRecord{
				Source:             weather.SourceOpenMeteo,
				Timestamp:          ts.UTC(),
				Latitude:           loc.Latitude,
				Longitude:          loc.Longitude,
				Timezone:           loc.Timezone,
				Temperature:        at(series["temperature_2m"], i),
				RelativeHumidity:   at(series["relative_humidity_2m"], i),
				Precipitation:      at(series["precipitation"], i),
				WindSpeed:          at(series["wind_speed_10m"], i),
				WindDirection:      at(series["wind_direction_10m"], i),
				WindGusts:          at(series["wind_gusts_10m"], i),
				ShortwaveRadiation: at(series["shortwave_radiation"], i),
				ET0:                at(series["et0_fao_evapotranspiration"], i),
				VapourPressureDef:  at(series["vapour_pressure_deficit"], i),
				SoilTemperature0cm: at(series["soil_temperature_0cm"], i),
				SoilMoisture0to1cm: at(series["soil_moisture_0_1cm"], i),
			})
		}
	}

	if dates, ok := stringSeries(loc.Daily, "time"); ok {
		series := floatSeries(loc.Daily, dailyParams)
		for i, raw := range dates {
			day, err := time.Parse("2006-01-02", raw)
			if err != nil {
				b.Daily = nil
				break
			}
			b.Daily = append(b.Daily, weather.DailyRecord{
				Source:                weather.SourceOpenMeteo,
				Date:                  day.UTC(),
				Latitude:              loc.Latitude,
				Longitude:             loc.Longitude,
				Timezone:              loc.Timezone,
				TMax:                  at(series["temperature_2m_max"], i),
				TMin:                  at(series["temperature_2m_min"], i),
				PrecipitationSum:      at(series["precipitation_sum"], i),
				PrecipitationProbMax:  at(series["precipitation_probability_max"], i),
				ShortwaveRadiationSum: at(series["shortwave_radiation_sum"], i),
				ET0:                   at(series["et0_fao_evapotranspiration"], i),
				WindSpeedMax:          at(series["wind_speed_10m_max"], i),
				WindDirectionDominant: at(series["wind_direction_10m_dominant"], i),
				WindGustsMax:          at(series["wind_gusts_10m_max"], i),
				DaylightSeconds:       at(series["daylight_duration"], i),
			})
		}
	}
	return b
}

func stringSeries(block map[string]json.RawMessage, key string) ([]string, bool) {
	raw, ok := block[key]
	if !ok {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func floatSeries(block map[string]json.RawMessage, keys []string) map[string][]*float64 {
	out := make(map[string][]*float64, len(keys))
	for _, k := range keys {
		raw, ok := block[k]
		if !ok {
			continue
		}
		var vals []*float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			continue
		}
		out[k] = vals
	}
	return out
}

func at(vals []*float64, i int) *float64 {
	if i >= len(vals) || vals[i] == nil || math.IsNaN(*vals[i]) {
		return nil
	}
	v := *vals[i]
	return &v
}
