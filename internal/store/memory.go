package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/farm-weather/internal/weather"
)

var (
	// ErrNotFound is returned when a field or well does not exist.
	ErrNotFound = errors.New("not found")
)

// fieldSeries holds one field's time series keyed by unix seconds. Its mutex
// serializes writers for the same field.
type fieldSeries struct {
	mu       sync.RWMutex
	hourly   map[int64]weather.HourlyRecord
	daily    map[int64]weather.DailyRecord
	features map[int64]weather.DailyFeature
}

func newFieldSeries() *fieldSeries {
	return &fieldSeries{
		hourly:   make(map[int64]weather.HourlyRecord),
		daily:    make(map[int64]weather.DailyRecord),
		features: make(map[int64]weather.DailyFeature),
	}
}

// MemoryStore is a concurrency-safe in-memory implementation of the store.
type MemoryStore struct {
	mu sync.RWMutex

	fields      map[string]weather.Field
	wells       map[string]weather.Well
	assignments map[string]map[string]struct{} // user id -> field ids
	series      map[string]*fieldSeries

	// maxAge drops hourly snapshots older than now-maxAge on write (0 = unlimited).
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a new MemoryStore. If maxAge is <= 0 hourly history is kept forever.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		fields:      make(map[string]weather.Field),
		wells:       make(map[string]weather.Well),
		assignments: make(map[string]map[string]struct{}),
		series:      make(map[string]*fieldSeries),
		maxAge:      maxAge,
		now:         time.Now,
	}
}

// PutField inserts or replaces a field.
func (s *MemoryStore) PutField(f weather.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[f.ID] = f
}

// PutWell inserts or replaces a well and links it to its fields.
func (s *MemoryStore) PutWell(w weather.Well) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wells[w.ID] = w
	for _, fid := range w.FieldIDs {
		f, ok := s.fields[fid]
		if !ok || containsString(f.WellIDs, w.ID) {
			continue
		}
		f.WellIDs = append(append([]string(nil), f.WellIDs...), w.ID)
		s.fields[fid] = f
	}
}

// AssignField gives userID access to a field they do not own.
func (s *MemoryStore) AssignField(userID, fieldID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.assignments[userID]
	if !ok {
		set = make(map[string]struct{})
		s.assignments[userID] = set
	}
	set[fieldID] = struct{}{}
}

// ListFields returns the given fields, or all fields when ids is empty, ordered by id.
// Unknown ids are ignored.
func (s *MemoryStore) ListFields(_ context.Context, ids []string) ([]weather.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []weather.Field
	if len(ids) == 0 {
		for _, f := range s.fields {
			out = append(out, f)
		}
	} else {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if f, ok := s.fields[id]; ok {
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetField returns a field or ErrNotFound.
func (s *MemoryStore) GetField(_ context.Context, id string) (weather.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[id]
	if !ok {
		return weather.Field{}, ErrNotFound
	}
	return f, nil
}

// GetWell returns a well or ErrNotFound.
func (s *MemoryStore) GetWell(_ context.Context, id string) (weather.Well, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wells[id]
	if !ok {
		return weather.Well{}, ErrNotFound
	}
	return w, nil
}

// FieldIDsForUser returns the distinct fields a user owns or is assigned to, ordered by id.
func (s *MemoryStore) FieldIDsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for id, f := range s.fields {
		if containsString(f.OwnerIDs, userID) {
			set[id] = struct{}{}
		}
	}
	for id := range s.assignments[userID] {
		if _, ok := s.fields[id]; ok {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// WellIDsForUser returns the distinct wells connected to the user's fields, ordered by id.
func (s *MemoryStore) WellIDsForUser(ctx context.Context, userID string) ([]string, error) {
	fieldIDs, err := s.FieldIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, fid := range fieldIDs {
		for _, wid := range s.fields[fid].WellIDs {
			if _, ok := s.wells[wid]; ok {
				set[wid] = struct{}{}
			}
		}
	}
	return sortedKeys(set), nil
}

func (s *MemoryStore) seriesFor(fieldID string, create bool) *fieldSeries {
	s.mu.RLock()
	fs, ok := s.series[fieldID]
	s.mu.RUnlock()
	if ok || !create {
		return fs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok = s.series[fieldID]; !ok {
		fs = newFieldSeries()
		s.series[fieldID] = fs
	}
	return fs
}

// SaveFieldWeather upserts a field's rows by natural key under the field's lock.
func (s *MemoryStore) SaveFieldWeather(ctx context.Context, fieldID string, hourly []weather.HourlyRecord, daily []weather.DailyRecord, features []weather.DailyFeature) (weather.UpsertCounts, error) {
	if err := ctx.Err(); err != nil {
		return weather.UpsertCounts{}, err
	}
	fs := s.seriesFor(fieldID, true)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, h := range hourly {
		h.FieldID = fieldID
		h.Timestamp = h.Timestamp.UTC()
		fs.hourly[h.Timestamp.Unix()] = h
	}
	for _, d := range daily {
		d.FieldID = fieldID
		fs.daily[d.Date.Unix()] = d
	}
	for _, f := range features {
		f.FieldID = fieldID
		fs.features[f.Date.Unix()] = f
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge).Unix()
		for k := range fs.hourly {
			if k < cutoff {
				delete(fs.hourly, k)
			}
		}
	}

	return weather.UpsertCounts{Hourly: len(hourly), Daily: len(daily), Features: len(features)}, nil
}

// LatestFeatureBefore returns the most recent feature strictly before date, or nil.
func (s *MemoryStore) LatestFeatureBefore(_ context.Context, fieldID string, date time.Time) (*weather.DailyFeature, error) {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return nil, nil
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var best *weather.DailyFeature
	for _, f := range fs.features {
		if !f.Date.Before(date) {
			continue
		}
		if best == nil || f.Date.After(best.Date) {
			f := f
			best = &f
		}
	}
	return best, nil
}

// HourlyRange returns snapshots with from <= timestamp <= to, ordered by time.
func (s *MemoryStore) HourlyRange(_ context.Context, fieldID string, from, to time.Time) ([]weather.HourlyRecord, error) {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return nil, nil
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []weather.HourlyRecord
	for _, h := range fs.hourly {
		if !h.Timestamp.Before(from) && !h.Timestamp.After(to) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LatestHourlyAt returns the most recent snapshot at or before t, or nil.
func (s *MemoryStore) LatestHourlyAt(_ context.Context, fieldID string, t time.Time) (*weather.HourlyRecord, error) {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return nil, nil
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var best *weather.HourlyRecord
	for _, h := range fs.hourly {
		if h.Timestamp.After(t) {
			continue
		}
		if best == nil || h.Timestamp.After(best.Timestamp) {
			best = &h
		}
	}
	return best, nil
}

// DailyRange returns daily records with from <= date <= to, ordered by date.
func (s *MemoryStore) DailyRange(_ context.Context, fieldID string, from, to time.Time) ([]weather.DailyRecord, error) {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return nil, nil
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []weather.DailyRecord
	for _, d := range fs.daily {
		if !d.Date.Before(from) && !d.Date.After(to) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// FeatureRange returns features with from <= date <= to, ordered by date.
func (s *MemoryStore) FeatureRange(_ context.Context, fieldID string, from, to time.Time) ([]weather.DailyFeature, error) {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return nil, nil
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []weather.DailyFeature
	for _, f := range fs.features {
		if !f.Date.Before(from) && !f.Date.After(to) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Counts reports stored rows for a field. Used by tests and diagnostics.
func (s *MemoryStore) Counts(fieldID string) weather.UpsertCounts {
	fs := s.seriesFor(fieldID, false)
	if fs == nil {
		return weather.UpsertCounts{}
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return weather.UpsertCounts{Hourly: len(fs.hourly), Daily: len(fs.daily), Features: len(fs.features)}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
