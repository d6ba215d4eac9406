package weather_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/observability"
	"github.com/i474232898/farm-weather/internal/store"
	"github.com/i474232898/farm-weather/internal/weather"
)

var day0 = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func makeBatch(lat, lon float64, start time.Time, days int) weather.LocationBatch {
	b := weather.LocationBatch{Latitude: lat, Longitude: lon, Timezone: "UTC"}
	for d := 0; d < days; d++ {
		date := start.AddDate(0, 0, d)
		for h := 0; h < 24; h++ {
			b.Hourly = append(b.Hourly, weather.HourlyRecord{
				Source:      weather.SourceOpenMeteo,
				Timestamp:   date.Add(time.Duration(h) * time.Hour),
				Latitude:    lat,
				Longitude:   lon,
				Temperature: ptr(20),
				ET0:         ptr(0.2),
			})
		}
		b.Daily = append(b.Daily, weather.DailyRecord{
			Source:           weather.SourceOpenMeteo,
			Date:             date,
			TMax:             ptr(30),
			TMin:             ptr(15),
			PrecipitationSum: ptr(0),
			ET0:              ptr(5),
		})
	}
	return b
}

// fakeProvider serves a fixed three-day batch. failures holds how many more
// requests should fail per field; a negative count fails forever.
type fakeProvider struct {
	mu       sync.Mutex
	start    time.Time
	failures map[string]int
	requests [][]weather.FieldCoordinate
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) FetchBatch(_ context.Context, coords []weather.FieldCoordinate, _ weather.BatchOptions) []weather.FetchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]weather.FieldCoordinate(nil), coords...))

	out := make([]weather.FetchResult, len(coords))
	for i, fc := range coords {
		out[i].FieldID = fc.FieldID
		if n := p.failures[fc.FieldID]; n != 0 {
			if n > 0 {
				p.failures[fc.FieldID] = n - 1
			}
			out[i].Err = errors.New("upstream 503")
			continue
		}
		start := p.start
		if start.IsZero() {
			start = day0
		}
		b := makeBatch(fc.Latitude, fc.Longitude, start, 3)
		out[i].Batch = &b
	}
	return out
}

type fakeGeocoder map[string]weather.Coordinates

func (g fakeGeocoder) Geocode(_ context.Context, location string) (weather.Coordinates, error) {
	if c, ok := g[location]; ok {
		return c, nil
	}
	return weather.Coordinates{}, errors.New("ZERO_RESULTS")
}

// failingStore fails SaveFieldWeather for one field.
type failingStore struct {
	*store.MemoryStore
	failFor string
}

func (s *failingStore) SaveFieldWeather(ctx context.Context, fieldID string, h []weather.HourlyRecord, d []weather.DailyRecord, f []weather.DailyFeature) (weather.UpsertCounts, error) {
	if fieldID == s.failFor {
		return weather.UpsertCounts{}, errors.New("deadlock detected")
	}
	return s.MemoryStore.SaveFieldWeather(ctx, fieldID, h, d, f)
}

func seededStore() *store.MemoryStore {
	s := store.NewMemoryStore(0)
	s.PutField(weather.Field{
		ID: "f1", Name: "North", Latitude: ptr(39.9), Longitude: ptr(32.8), OwnerIDs: []string{"u1"},
		ActiveCrop: &weather.Crop{ID: "c1", Name: "corn", PlantedDate: day0.AddDate(0, 0, -10), Status: "ACTIVE"},
	})
	s.PutField(weather.Field{ID: "f2", Name: "South", Latitude: ptr(37.0), Longitude: ptr(35.3), OwnerIDs: []string{"u1"}})
	return s
}

func newService(t *testing.T, st weather.Store, p weather.Provider, cfg weather.SyncConfig, deps weather.SyncDeps) *weather.SyncService {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewFakeClockAt(day0.Add(12 * time.Hour))
	}
	svc, err := weather.NewSyncService(st, p, cfg, deps)
	require.NoError(t, err)
	return svc
}

func TestSyncAll_RepeatedRunsAreIdempotent(t *testing.T) {
	st := seededStore()
	svc := newService(t, st, &fakeProvider{}, weather.SyncConfig{}, weather.SyncDeps{})

	first, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.ProcessedFields)
	assert.Equal(t, 0, first.SkippedFields)
	assert.Equal(t, 144, first.HourlyUpserts)
	assert.Equal(t, 6, first.DailyUpserts)
	assert.Equal(t, 6, first.FeatureUpserts)
	assert.Contains(t, first.Messages, "OK North [field]: 72 hourly, 3 daily, 3 features")
	assert.NotEmpty(t, first.RunID)

	stored := st.Counts("f1")
	second, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.HourlyUpserts, second.HourlyUpserts)
	assert.Equal(t, first.FeatureUpserts, second.FeatureUpserts)
	assert.Equal(t, stored, st.Counts("f1"))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSyncAll_RestrictsToFieldIDs(t *testing.T) {
	st := seededStore()
	p := &fakeProvider{}
	svc := newService(t, st, p, weather.SyncConfig{}, weather.SyncDeps{})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{FieldIDs: []string{"f2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalFields)
	assert.Equal(t, 1, report.ProcessedFields)
	assert.Zero(t, st.Counts("f1").Hourly)
	require.Len(t, p.requests, 1)
	assert.Equal(t, "f2", p.requests[0][0].FieldID)
}

func TestSyncAll_SkipsFieldsWithoutCoordinates(t *testing.T) {
	st := seededStore()
	st.PutField(weather.Field{ID: "f3", Name: "East"})
	p := &fakeProvider{}
	svc := newService(t, st, p, weather.SyncConfig{}, weather.SyncDeps{})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ProcessedFields)
	assert.Equal(t, 1, report.SkippedFields)
	assert.Contains(t, report.Messages, "SKIP East: no coordinates")
	for _, fc := range p.requests[0] {
		assert.NotEqual(t, "f3", fc.FieldID)
	}
}

func TestSyncAll_CoordinateFallbacks(t *testing.T) {
	st := store.NewMemoryStore(0)
	st.PutField(weather.Field{ID: "a", Name: "ByWell"})
	st.PutField(weather.Field{ID: "b", Name: "ByAddress", Location: "Konya"})
	st.PutField(weather.Field{ID: "c", Name: "ByDefault", Location: "Atlantis"})
	st.PutWell(weather.Well{ID: "w0", Name: "Dry"})
	st.PutWell(weather.Well{ID: "w1", Name: "Main", Latitude: ptr(38.1), Longitude: ptr(27.2), FieldIDs: []string{"a"}})

	p := &fakeProvider{}
	svc := newService(t, st, p,
		weather.SyncConfig{DefaultCoordinates: &weather.Coordinates{Latitude: 39.0, Longitude: 35.0}},
		weather.SyncDeps{Geocoder: fakeGeocoder{"Konya": {Latitude: 37.87, Longitude: 32.48}}})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.ProcessedFields)

	require.Len(t, p.requests, 1)
	got := map[string]weather.FieldCoordinate{}
	for _, fc := range p.requests[0] {
		got[fc.FieldID] = fc
	}
	assert.Equal(t, weather.CoordinateFromWell, got["a"].Source)
	assert.Equal(t, 38.1, got["a"].Latitude)
	assert.Equal(t, weather.CoordinateFromGeocoder, got["b"].Source)
	assert.Equal(t, 32.48, got["b"].Longitude)
	assert.Equal(t, weather.CoordinateFromDefault, got["c"].Source)
	assert.Contains(t, report.Messages, "OK ByWell [well]: 72 hourly, 3 daily, 3 features")
}

func TestSyncAll_ProviderFailureIsIsolated(t *testing.T) {
	st := seededStore()
	p := &fakeProvider{failures: map[string]int{"f2": -1}}
	metrics := observability.NewMetricsForTesting()
	svc := newService(t, st, p, weather.SyncConfig{}, weather.SyncDeps{Metrics: metrics})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProcessedFields)
	assert.Equal(t, 1, report.SkippedFields)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "f2", report.Failures[0].FieldID)
	assert.Contains(t, report.Messages, "ERR South: upstream 503")
	assert.Equal(t, 72, st.Counts("f1").Hourly)
	assert.Zero(t, st.Counts("f2").Hourly)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncRuns.WithLabelValues("partial")))
}

func TestSyncAll_RetriesOnlyFailedFields(t *testing.T) {
	st := seededStore()
	p := &fakeProvider{failures: map[string]int{"f2": 1}}
	cfg := weather.SyncConfig{Backoff: weather.BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}}
	svc := newService(t, st, p, cfg, weather.SyncDeps{})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ProcessedFields)
	assert.Empty(t, report.Failures)

	require.Len(t, p.requests, 2)
	assert.Len(t, p.requests[0], 2)
	require.Len(t, p.requests[1], 1)
	assert.Equal(t, "f2", p.requests[1][0].FieldID)
}

func TestSyncAll_PersistenceErrorStopsRun(t *testing.T) {
	st := &failingStore{MemoryStore: seededStore(), failFor: "f2"}
	metrics := observability.NewMetricsForTesting()
	svc := newService(t, st, &fakeProvider{}, weather.SyncConfig{}, weather.SyncDeps{Metrics: metrics})

	report, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist field f2")
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.Equal(t, 1, report.ProcessedFields)
	assert.Equal(t, 72, report.HourlyUpserts)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SyncRuns.WithLabelValues("error")))
}

type brokenLister struct{ *store.MemoryStore }

func (brokenLister) ListFields(context.Context, []string) ([]weather.Field, error) {
	return nil, errors.New("connection refused")
}

func TestSyncAll_ListFieldsError(t *testing.T) {
	svc := newService(t, brokenLister{store.NewMemoryStore(0)}, &fakeProvider{}, weather.SyncConfig{}, weather.SyncDeps{})

	_, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "list fields:"))
}

func TestSyncAll_InvalidatesDerivedCacheEntries(t *testing.T) {
	st := seededStore()
	c := cache.New(cache.DefaultConfig(), clockwork.NewFakeClock(), nil)
	c.Set(cache.FieldWaterKey("f1"), "stale", 0)
	c.Set(cache.FieldWeatherKey("f1"), "stale", 0)
	c.Set(cache.UserWaterKey("u1"), "stale", 0)
	c.Set(cache.WellWeatherKey("w1"), "stale", 0)
	c.Set(cache.FieldWaterKey("other"), "fresh", 0)

	svc := newService(t, st, &fakeProvider{}, weather.SyncConfig{}, weather.SyncDeps{Cache: c})
	_, err := svc.SyncAll(context.Background(), weather.SyncOptions{FieldIDs: []string{"f1"}})
	require.NoError(t, err)

	for _, key := range []string{cache.FieldWaterKey("f1"), cache.FieldWeatherKey("f1"), cache.UserWaterKey("u1"), cache.WellWeatherKey("w1")} {
		_, ok := c.Get(key)
		assert.False(t, ok, key)
	}
	_, ok := c.Get(cache.FieldWaterKey("other"))
	assert.True(t, ok)
}

func TestSyncAll_FeaturesChainAcrossRuns(t *testing.T) {
	st := seededStore()
	p := &fakeProvider{}
	svc := newService(t, st, p, weather.SyncConfig{}, weather.SyncDeps{})
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, weather.SyncOptions{FieldIDs: []string{"f1"}})
	require.NoError(t, err)

	features, err := st.FeatureRange(ctx, "f1", day0, day0.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, features, 3)
	for i, f := range features {
		require.NotNil(t, f.GDD)
		require.NotNil(t, f.ETcCumulative)
		assert.Equal(t, "c1", f.CropID)
		require.NotNil(t, f.DaysAfterPlanting)
		assert.Equal(t, 10+i, *f.DaysAfterPlanting)
		if i > 0 {
			assert.InDelta(t, *features[i-1].GDDCumulative+*f.GDD, *f.GDDCumulative, 1e-9)
			assert.InDelta(t, *features[i-1].ETcCumulative+*f.ETc, *f.ETcCumulative, 1e-9)
		}
	}
	day1 := features[1]

	// The next run starts one day later and must chain from the stored day0 feature.
	p.start = day0.AddDate(0, 0, 1)
	_, err = svc.SyncAll(ctx, weather.SyncOptions{FieldIDs: []string{"f1"}})
	require.NoError(t, err)

	rerun, err := st.FeatureRange(ctx, "f1", day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rerun, 1)
	assert.InDelta(t, *day1.GDDCumulative, *rerun[0].GDDCumulative, 1e-9)
	assert.InDelta(t, *day1.WaterBalance, *rerun[0].WaterBalance, 1e-9)
}

func TestSyncAll_DaysBeforePlantingHaveNoCrop(t *testing.T) {
	st := store.NewMemoryStore(0)
	st.PutField(weather.Field{
		ID: "f1", Name: "North", Latitude: ptr(39.9), Longitude: ptr(32.8),
		ActiveCrop: &weather.Crop{ID: "c1", Name: "wheat", PlantedDate: day0.AddDate(0, 0, 1)},
	})
	svc := newService(t, st, &fakeProvider{}, weather.SyncConfig{}, weather.SyncDeps{})

	_, err := svc.SyncAll(context.Background(), weather.SyncOptions{})
	require.NoError(t, err)

	features, err := st.FeatureRange(context.Background(), "f1", day0, day0.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, features, 3)
	assert.Empty(t, features[0].CropID)
	assert.Nil(t, features[0].DaysAfterPlanting)
	assert.Equal(t, "c1", features[1].CropID)
	assert.Equal(t, 0, *features[1].DaysAfterPlanting)
}

func TestNewSyncService_RejectsInvalidBackoff(t *testing.T) {
	_, err := weather.NewSyncService(store.NewMemoryStore(0), &fakeProvider{},
		weather.SyncConfig{Backoff: weather.BackoffConfig{MaxRetries: 3}}, weather.SyncDeps{})
	require.Error(t, err)
}
