package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-weather/internal/weather"
)

func f64(v float64) *float64 { return &v }

func sampleSeries(fieldID string, day time.Time) ([]weather.HourlyRecord, []weather.DailyRecord, []weather.DailyFeature) {
	var hourly []weather.HourlyRecord
	for h := 0; h < 24; h++ {
		hourly = append(hourly, weather.HourlyRecord{
			FieldID:     fieldID,
			Source:      weather.SourceOpenMeteo,
			Timestamp:   day.Add(time.Duration(h) * time.Hour),
			Temperature: f64(float64(10 + h)),
		})
	}
	daily := []weather.DailyRecord{{FieldID: fieldID, Date: day, TMax: f64(33)}}
	features := []weather.DailyFeature{{FieldID: fieldID, Date: day, Kc: 0.9, ETcCumulative: f64(4.5)}}
	return hourly, daily, features
}

func TestMemoryStore_SaveFieldWeatherIsIdempotent(t *testing.T) {
	s := NewMemoryStore(0)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly, daily, features := sampleSeries("f1", day)

	first, err := s.SaveFieldWeather(context.Background(), "f1", hourly, daily, features)
	require.NoError(t, err)
	assert.Equal(t, weather.UpsertCounts{Hourly: 24, Daily: 1, Features: 1}, first)

	hourly[0].Temperature = f64(-3)
	second, err := s.SaveFieldWeather(context.Background(), "f1", hourly, daily, features)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, s.Counts("f1"))

	got, err := s.HourlyRange(context.Background(), "f1", day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, -3.0, *got[0].Temperature)
}

func TestMemoryStore_Ranges(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	d1 := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	for _, d := range []time.Time{d2, d1} {
		h, dl, f := sampleSeries("f1", d)
		_, err := s.SaveFieldWeather(ctx, "f1", h, dl, f)
		require.NoError(t, err)
	}

	daily, err := s.DailyRange(ctx, "f1", d1, d2)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.True(t, daily[0].Date.Equal(d1))

	hourly, err := s.HourlyRange(ctx, "f1", d1.Add(22*time.Hour), d2.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, hourly, 4)

	latest, err := s.LatestHourlyAt(ctx, "f1", d2.Add(90*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Timestamp.Equal(d2.Add(time.Hour)))

	prev, err := s.LatestFeatureBefore(ctx, "f1", d2)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.Date.Equal(d1))

	prev, err = s.LatestFeatureBefore(ctx, "f1", d1)
	require.NoError(t, err)
	assert.Nil(t, prev)

	features, err := s.FeatureRange(ctx, "f1", d1, d2)
	require.NoError(t, err)
	assert.Len(t, features, 2)

	none, err := s.DailyRange(ctx, "unknown", d1, d2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_Retention(t *testing.T) {
	s := NewMemoryStore(6 * time.Hour)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day.Add(20 * time.Hour) }

	hourly, _, _ := sampleSeries("f1", day)
	_, err := s.SaveFieldWeather(context.Background(), "f1", hourly, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Counts("f1").Hourly)
}

func TestMemoryStore_FieldsAndWells(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	s.PutField(weather.Field{ID: "f2", Name: "North", OwnerIDs: []string{"u1"}})
	s.PutField(weather.Field{ID: "f1", Name: "South", OwnerIDs: []string{"u2"}})
	s.PutField(weather.Field{ID: "f3", Name: "East"})
	s.AssignField("u1", "f1")
	s.AssignField("u1", "f2")
	s.AssignField("u1", "missing")
	s.PutWell(weather.Well{ID: "w1", Name: "Main", FieldIDs: []string{"f1", "f2"}})
	s.PutWell(weather.Well{ID: "w2", Name: "Spare", FieldIDs: []string{"f3"}})

	all, err := s.ListFields(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f1", all[0].ID)
	assert.Equal(t, []string{"w1"}, all[0].WellIDs)

	some, err := s.ListFields(ctx, []string{"f3", "nope", "f3"})
	require.NoError(t, err)
	require.Len(t, some, 1)

	ids, err := s.FieldIDsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)

	wells, err := s.WellIDsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, wells)

	_, err = s.GetField(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetWell(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentSaves(t *testing.T) {
	s := NewMemoryStore(0)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("f%d", i%2)
			h, d, f := sampleSeries(id, day)
			_, err := s.SaveFieldWeather(context.Background(), id, h, d, f)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, weather.UpsertCounts{Hourly: 24, Daily: 1, Features: 1}, s.Counts("f0"))
	assert.Equal(t, weather.UpsertCounts{Hourly: 24, Daily: 1, Features: 1}, s.Counts("f1"))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SaveFieldWeather(ctx, "f1", nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
