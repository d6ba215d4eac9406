// Package cache holds short-lived weather and water-consumption results in memory.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/farm-weather/internal/observability"
)

const (
	weatherPrefix = "weather:"
	waterPrefix   = "water:"

	// UserWaterPrefix matches every per-user water consumption entry.
	UserWaterPrefix = "water:user:"
)

// FieldWeatherKey is the cache key of a field's weather view.
func FieldWeatherKey(fieldID string) string { return "weather:field:" + fieldID }

// WellWeatherKey is the cache key of a well's aggregated weather.
func WellWeatherKey(wellID string) string { return "weather:well:" + wellID }

// FieldWaterKey is the cache key of a field's water consumption result.
func FieldWaterKey(fieldID string) string { return "water:field:" + fieldID }

// UserWaterKey is the cache key of a user's water consumption list.
func UserWaterKey(userID string) string { return UserWaterPrefix + userID }

type entry struct {
	value      any
	insertedAt time.Time
	expiresAt  time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size           int     `json:"size"`
	Expired        int     `json:"expired"`
	WeatherEntries int     `json:"weatherEntries"`
	WaterEntries   int     `json:"waterEntries"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	// OldestEntry and NewestEntry are insertion times of live entries.
	OldestEntry *time.Time `json:"oldestEntry,omitempty"`
	NewestEntry *time.Time `json:"newestEntry,omitempty"`
}

// Config controls TTLs.
type Config struct {
	DefaultTTL time.Duration
	WeatherTTL time.Duration
	WaterTTL   time.Duration
}

// DefaultConfig mirrors the production TTLs.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		WeatherTTL: 10 * time.Minute,
		WaterTTL:   3 * time.Minute,
	}
}

// Cache is a concurrency-safe TTL map. Expired entries are absent on read even
// before CleanExpired sweeps them.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   clockwork.Clock
	cfg     Config
	metrics *observability.Metrics

	hits   uint64
	misses uint64
}

// New creates a Cache. A nil clock uses the real clock.
func New(cfg Config, clock clockwork.Clock, metrics *observability.Metrics) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.WeatherTTL <= 0 {
		cfg.WeatherTTL = def.WeatherTTL
	}
	if cfg.WaterTTL <= 0 {
		cfg.WaterTTL = def.WaterTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
	}
}

// WeatherTTL is the TTL for weather views.
func (c *Cache) WeatherTTL() time.Duration { return c.cfg.WeatherTTL }

// WaterTTL is the TTL for water consumption results.
func (c *Cache) WaterTTL() time.Duration { return c.cfg.WaterTTL }

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && now.After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		c.metrics.ObserveCache(false)
		return nil, false
	}
	c.hits++
	c.metrics.ObserveCache(true)
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clock.Now()

	c.mu.Lock()
	c.entries[key] = entry{value: value, insertedAt: now, expiresAt: now.Add(ttl)}
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(n)
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(n)
}

// Clear drops every entry and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.hits, c.misses = 0, 0
	c.mu.Unlock()

	c.metrics.SetCacheEntries(0)
}

// ClearByPattern removes every key containing pattern and returns how many were removed.
func (c *Cache) ClearByPattern(pattern string) int {
	if pattern == "" {
		return 0
	}
	c.mu.Lock()
	removed := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(n)
	return removed
}

// CleanExpired sweeps expired entries and returns how many were removed.
func (c *Cache) CleanExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(n)
	return removed
}

// Stats reports entry counts by family plus hit/miss counters.
func (c *Cache) Stats() Stats {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			s.Expired++
		} else {
			if s.OldestEntry == nil || e.insertedAt.Before(*s.OldestEntry) {
				t := e.insertedAt
				s.OldestEntry = &t
			}
			if s.NewestEntry == nil || e.insertedAt.After(*s.NewestEntry) {
				t := e.insertedAt
				s.NewestEntry = &t
			}
		}
		switch {
		case strings.HasPrefix(k, weatherPrefix):
			s.WeatherEntries++
		case strings.HasPrefix(k, waterPrefix):
			s.WaterEntries++
		}
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close releases all entries.
func (c *Cache) Close() error {
	c.Clear()
	return nil
}
