// Package irrigation turns stored weather and crop parameters into water
// consumption figures and irrigation advice per field, per user and per well.
package irrigation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/farm-weather/internal/agronomy"
	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/common"
	"github.com/i474232898/farm-weather/internal/weather"
)

// Missing reasons reported instead of numbers.
const (
	MissingNoActiveCrop    = "no_active_crop"
	MissingNoRecentWeather = "no_recent_weather"
)

// Status is the irrigation urgency tier.
type Status string

const (
	StatusLow    Status = "low"
	StatusMedium Status = "medium"
	StatusHigh   Status = "high"
)

func (s Status) rank() int {
	switch s {
	case StatusHigh:
		return 3
	case StatusMedium:
		return 2
	case StatusLow:
		return 1
	default:
		return 0
	}
}

// Store is the read side the engine needs.
type Store interface {
	GetField(ctx context.Context, id string) (weather.Field, error)
	FieldIDsForUser(ctx context.Context, userID string) ([]string, error)
	DailyRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.DailyRecord, error)
	HourlyRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.HourlyRecord, error)
	LatestHourlyAt(ctx context.Context, fieldID string, t time.Time) (*weather.HourlyRecord, error)
	FeatureRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.DailyFeature, error)
}

// ResultCache holds computed results between requests. *cache.Cache satisfies it.
type ResultCache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	WaterTTL() time.Duration
	WeatherTTL() time.Duration
}

// Config tunes the engine.
type Config struct {
	// Location is the farm's calendar timezone for days after planting and "today".
	Location      *time.Location
	RecencyWindow time.Duration
	// LookbackDays caps how many days before today the soil bucket runs. 0 runs
	// it from the planting date.
	LookbackDays int
	HorizonDays   int
	KcMode        agronomy.KcMode
	MediumRatio   float64
	HighRatio     float64
	DefaultSoil   string
	// Efficiency converts net need into the gross depth to apply.
	Efficiency  float64
	Concurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Location:      time.UTC,
		RecencyWindow: 72 * time.Hour,
		LookbackDays:  0,
		HorizonDays:   7,
		KcMode:        agronomy.KcStep,
		MediumRatio:   0.5,
		HighRatio:     1.0,
		DefaultSoil:   "LOAM",
		Efficiency:    0.85,
		Concurrency:   4,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Location == nil {
		c.Location = def.Location
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = def.RecencyWindow
	}
	if c.LookbackDays < 0 {
		c.LookbackDays = 0
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.KcMode == "" {
		c.KcMode = def.KcMode
	}
	if c.MediumRatio <= 0 {
		c.MediumRatio = def.MediumRatio
	}
	if c.HighRatio <= 0 {
		c.HighRatio = def.HighRatio
	}
	if c.DefaultSoil == "" {
		c.DefaultSoil = def.DefaultSoil
	}
	if c.Efficiency <= 0 || c.Efficiency > 1 {
		c.Efficiency = def.Efficiency
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
}

// DailyWater is today's water figures for a field.
type DailyWater struct {
	Date              string         `json:"date"`
	ET0               float64        `json:"eto"`
	Kc                float64        `json:"kc"`
	Stage             agronomy.Stage `json:"stage"`
	DaysAfterPlanting int            `json:"daysAfterPlanting"`
	ETc               float64        `json:"etc"`
	Precipitation     float64        `json:"precipitation"`
	EffectiveRain     float64        `json:"effectiveRain"`
	NetNeed           float64        `json:"netNeed"`
	GrossNeed         float64        `json:"grossNeed"`
	Deficit           float64        `json:"deficit"`
	Threshold         float64        `json:"threshold"`
	Status            Status         `json:"status"`
	Recommendation    string         `json:"recommendation"`
}

// ProjectedDay is one day of the weekly projection.
type ProjectedDay struct {
	Date          string  `json:"date"`
	ETc           float64 `json:"etc"`
	Precipitation float64 `json:"precipitation"`
	EffectiveRain float64 `json:"effectiveRain"`
	Deficit       float64 `json:"deficit"`
	Status        Status  `json:"status"`
}

// WeeklyWater is the projection over the forecast horizon.
type WeeklyWater struct {
	Days                []ProjectedDay `json:"days"`
	TotalETc            float64        `json:"totalEtc"`
	TotalRain           float64        `json:"totalRain"`
	NetNeed             float64        `json:"netNeed"`
	AvgDailyETc         float64        `json:"avgDailyEtc"`
	IrrigationFrequency int            `json:"irrigationFrequency"`
	NextIrrigationDate  *string        `json:"nextIrrigationDate"`
	Recommendations     []string       `json:"recommendations"`
}

// SeasonTotals sums the persisted daily features of the active planting.
type SeasonTotals struct {
	Days            int      `json:"days"`
	GDDCumulative   *float64 `json:"gddCumulative,omitempty"`
	ETcCumulative   *float64 `json:"etcCumulative,omitempty"`
	WaterBalance    *float64 `json:"waterBalanceMm,omitempty"`
	HeatStressHours int      `json:"heatStressHours"`
	FrostHours      int      `json:"frostHours"`
}

// FieldWaterResult is the water consumption view of one field. When
// MissingReason is set Today and Weekly are nil.
type FieldWaterResult struct {
	FieldID       string                       `json:"fieldId"`
	FieldName     string                       `json:"fieldName"`
	CropName      string                       `json:"cropName,omitempty"`
	LastUpdated   *time.Time                   `json:"lastUpdated,omitempty"`
	Today         *DailyWater                  `json:"today,omitempty"`
	Weekly        *WeeklyWater                 `json:"weekly,omitempty"`
	Season        *SeasonTotals                `json:"season,omitempty"`
	Advisory      *agronomy.IrrigationAdvisory `json:"advisory,omitempty"`
	MissingReason string                       `json:"missingReason,omitempty"`
}

// Engine computes water consumption from persisted weather.
type Engine struct {
	store   Store
	cache   ResultCache
	catalog *agronomy.Catalog
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewEngine creates an Engine. cache, catalog, clock and logger may be nil.
func NewEngine(st Store, rc ResultCache, catalog *agronomy.Catalog, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if catalog == nil {
		catalog = agronomy.DefaultCatalog()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, cache: rc, catalog: catalog, cfg: cfg, clock: clock, logger: logger}
}

// GetWaterConsumptionForField computes the field's water figures. Unknown
// fields return the store's not-found error.
func (e *Engine) GetWaterConsumptionForField(ctx context.Context, fieldID string) (*FieldWaterResult, error) {
	key := cache.FieldWaterKey(fieldID)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if r, ok := v.(*FieldWaterResult); ok {
				return r, nil
			}
		}
	}

	f, err := e.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}

	res, err := e.compute(ctx, f)
	if err != nil {
		return nil, err
	}
	if res.MissingReason != "" {
		e.logger.Debug("water consumption unavailable", "field_id", fieldID, "reason", res.MissingReason)
	}
	if e.cache != nil {
		e.cache.Set(key, res, e.cache.WaterTTL())
	}
	return res, nil
}

// GetWaterConsumptionForUser returns one entry per distinct field the user owns
// or is assigned to, including entries with a missing reason.
func (e *Engine) GetWaterConsumptionForUser(ctx context.Context, userID string) ([]FieldWaterResult, error) {
	key := cache.UserWaterKey(userID)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if r, ok := v.([]FieldWaterResult); ok {
				return r, nil
			}
		}
	}

	ids, err := e.store.FieldIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user fields: %w", err)
	}

	results := make([]*FieldWaterResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			r, err := e.GetWaterConsumptionForField(gctx, id)
			if err != nil {
				return fmt.Errorf("field %s: %w", id, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]FieldWaterResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if e.cache != nil {
		e.cache.Set(key, out, e.cache.WaterTTL())
	}
	return out, nil
}

func (e *Engine) compute(ctx context.Context, f weather.Field) (*FieldWaterResult, error) {
	res := &FieldWaterResult{FieldID: f.ID, FieldName: f.Name}
	crop := f.ActiveCrop
	if crop == nil {
		res.MissingReason = MissingNoActiveCrop
		return res, nil
	}
	guide := e.catalog.Resolve(crop.Name).WithOverrides(crop.Kc, crop.Stages)
	res.CropName = guide.DisplayName
	if crop.Name != "" {
		res.CropName = crop.Name
	}

	loc := e.cfg.Location
	now := e.clock.Now()
	today := common.CivilDate(now, loc)
	planted := common.CivilDate(crop.PlantedDate, loc)
	recentFrom := common.CivilDate(now.Add(-e.cfg.RecencyWindow), loc)

	// A planting scheduled for a later date is not active yet.
	if planted.After(today) {
		res.MissingReason = MissingNoActiveCrop
		return res, nil
	}

	bucketStart := planted
	if e.cfg.LookbackDays > 0 {
		if limit := today.AddDate(0, 0, -e.cfg.LookbackDays); limit.After(bucketStart) {
			bucketStart = limit
		}
	}
	loadFrom := bucketStart
	if recentFrom.Before(loadFrom) {
		loadFrom = recentFrom
	}

	daily, err := e.store.DailyRange(ctx, f.ID, loadFrom, today.AddDate(0, 0, e.cfg.HorizonDays-1))
	if err != nil {
		return nil, fmt.Errorf("load daily weather: %w", err)
	}
	byDate := make(map[time.Time]weather.DailyRecord, len(daily))
	for _, d := range daily {
		byDate[d.Date] = d
	}

	dayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	hourly, err := e.store.HourlyRange(ctx, f.ID, dayStart.UTC(), dayStart.AddDate(0, 0, 1).Add(-time.Second).UTC())
	if err != nil {
		return nil, fmt.Errorf("load hourly weather: %w", err)
	}
	latest, err := e.store.LatestHourlyAt(ctx, f.ID, now)
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	lastUpdated, recent := e.recency(now, today, recentFrom, latest, daily)
	if !recent {
		res.MissingReason = MissingNoRecentWeather
		return res, nil
	}
	res.LastUpdated = lastUpdated

	soil := agronomy.SoilFor(f.SoilType, e.cfg.DefaultSoil)
	if f.WaterHoldingCapacity != nil && *f.WaterHoldingCapacity > 0 {
		soil.WaterHoldingCapacity = *f.WaterHoldingCapacity
	}
	taw := agronomy.TotalAvailableWater(soil, guide)
	threshold := agronomy.ReadilyAvailableWater(soil, guide)

	kcOn := func(day time.Time) (float64, int) {
		dap := common.DaysBetween(planted, day, time.UTC)
		return guide.KcAt(dap, e.cfg.KcMode), dap
	}
	step := func(deficit, etc, eff float64) float64 {
		return math.Min(math.Max(deficit+etc-eff, 0), taw)
	}

	deficit := 0.0
	for day := bucketStart; day.Before(today); day = day.AddDate(0, 0, 1) {
		d, ok := byDate[day]
		if !ok || d.ET0 == nil {
			continue
		}
		kc, _ := kcOn(day)
		deficit = step(deficit, *d.ET0*kc, agronomy.EffectiveRainfall(deref(d.PrecipitationSum)))
	}

	kc, dap := kcOn(today)
	et0, precip := todayInputs(byDate[today], hourly)
	etc := et0 * kc
	eff := agronomy.EffectiveRainfall(precip)
	deficit = step(deficit, etc, eff)
	netNeed := math.Max(0, etc-eff)
	status := e.tier(deficit, threshold)

	res.Today = &DailyWater{
		Date:              today.Format(time.DateOnly),
		ET0:               round(et0),
		Kc:                common.RoundTo(kc, 3),
		Stage:             guide.StageFor(dap),
		DaysAfterPlanting: dap,
		ETc:               round(etc),
		Precipitation:     round(precip),
		EffectiveRain:     round(eff),
		NetNeed:           round(netNeed),
		GrossNeed:         round(netNeed / e.cfg.Efficiency),
		Deficit:           round(deficit),
		Threshold:         round(threshold),
		Status:            status,
		Recommendation:    e.todayAdvice(status, deficit),
	}

	// The projection continues the bucket over stored forecast days.
	days := []dayBalance{{day: today, etc: etc, precip: precip, eff: eff, deficit: deficit}}
	for i := 1; i < e.cfg.HorizonDays; i++ {
		day := today.AddDate(0, 0, i)
		d, ok := byDate[day]
		if !ok || d.ET0 == nil {
			continue
		}
		kc, _ := kcOn(day)
		b := dayBalance{day: day, etc: *d.ET0 * kc, precip: deref(d.PrecipitationSum)}
		b.eff = agronomy.EffectiveRainfall(b.precip)
		deficit = step(deficit, b.etc, b.eff)
		b.deficit = deficit
		days = append(days, b)
	}
	res.Weekly = e.weekly(days, threshold)

	if res.Season, err = e.season(ctx, f.ID, crop.ID, planted, today); err != nil {
		return nil, err
	}
	if res.Advisory, err = e.advisory(ctx, f.ID, now, latest); err != nil {
		return nil, err
	}
	return res, nil
}

// season totals the persisted features from planting to today.
func (e *Engine) season(ctx context.Context, fieldID, cropID string, planted, today time.Time) (*SeasonTotals, error) {
	features, err := e.store.FeatureRange(ctx, fieldID, planted, today)
	if err != nil {
		return nil, fmt.Errorf("load daily features: %w", err)
	}
	var s SeasonTotals
	for _, ft := range features {
		if ft.CropID != "" && ft.CropID != cropID {
			continue
		}
		s.Days++
		s.HeatStressHours += ft.HeatStressHours
		s.FrostHours += ft.FrostHours
		// Cumulative chains: the latest non-nil value wins.
		if ft.GDDCumulative != nil {
			s.GDDCumulative = roundPtr(*ft.GDDCumulative)
		}
		if ft.ETcCumulative != nil {
			s.ETcCumulative = roundPtr(*ft.ETcCumulative)
		}
		if ft.WaterBalance != nil {
			s.WaterBalance = roundPtr(*ft.WaterBalance)
		}
	}
	if s.Days == 0 {
		return nil, nil
	}
	return &s, nil
}

// advisory runs the wind and frost checks over the next 24 hours of snapshots,
// falling back to the latest observation. It is cached as the field's weather view.
func (e *Engine) advisory(ctx context.Context, fieldID string, now time.Time, latest *weather.HourlyRecord) (*agronomy.IrrigationAdvisory, error) {
	key := cache.FieldWeatherKey(fieldID)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if a, ok := v.(*agronomy.IrrigationAdvisory); ok {
				return a, nil
			}
		}
	}

	from := now.Truncate(time.Hour)
	hourly, err := e.store.HourlyRange(ctx, fieldID, from, from.Add(23*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load upcoming weather: %w", err)
	}
	if len(hourly) == 0 && latest != nil {
		hourly = []weather.HourlyRecord{*latest}
	}
	hours := make([]agronomy.HourConditions, 0, len(hourly))
	for _, h := range hourly {
		hours = append(hours, agronomy.HourConditions{
			Time:            h.Timestamp,
			Temperature:     h.Temperature,
			SoilTemperature: h.SoilTemperature0cm,
			WindSpeed:       h.WindSpeed,
			WindDirection:   h.WindDirection,
			WindGusts:       h.WindGusts,
		})
	}
	a := agronomy.Advise(hours, e.cfg.Location)
	if a != nil && e.cache != nil {
		e.cache.Set(key, a, e.cache.WeatherTTL())
	}
	return a, nil
}

type dayBalance struct {
	day                       time.Time
	etc, precip, eff, deficit float64
}

// recency reports the most recent observation and whether it falls inside the window.
func (e *Engine) recency(now, today, recentFrom time.Time, latest *weather.HourlyRecord, daily []weather.DailyRecord) (*time.Time, bool) {
	var last *time.Time
	recent := false
	if latest != nil {
		ts := latest.Timestamp
		last = &ts
		recent = !ts.Before(now.Add(-e.cfg.RecencyWindow))
	}
	for _, d := range daily {
		if d.Date.After(today) || d.Date.Before(recentFrom) {
			continue
		}
		recent = true
		if last == nil {
			date := d.Date
			last = &date
		}
	}
	return last, recent
}

// todayInputs prefers the daily aggregate and falls back to the sum of hourly values.
func todayInputs(d weather.DailyRecord, hourly []weather.HourlyRecord) (et0, precip float64) {
	var hET0, hPrecip float64
	var nET0, nPrecip int
	for _, h := range hourly {
		if h.ET0 != nil {
			hET0 += *h.ET0
			nET0++
		}
		if h.Precipitation != nil {
			hPrecip += *h.Precipitation
			nPrecip++
		}
	}
	switch {
	case d.ET0 != nil:
		et0 = *d.ET0
	case nET0 > 0:
		et0 = hET0
	}
	switch {
	case d.PrecipitationSum != nil:
		precip = *d.PrecipitationSum
	case nPrecip > 0:
		precip = hPrecip
	}
	return et0, precip
}

func (e *Engine) weekly(days []dayBalance, threshold float64) *WeeklyWater {
	w := &WeeklyWater{Days: make([]ProjectedDay, 0, len(days))}
	var totalEff float64
	for _, b := range days {
		w.Days = append(w.Days, ProjectedDay{
			Date:          b.day.Format(time.DateOnly),
			ETc:           round(b.etc),
			Precipitation: round(b.precip),
			EffectiveRain: round(b.eff),
			Deficit:       round(b.deficit),
			Status:        e.tier(b.deficit, threshold),
		})
		w.TotalETc += b.etc
		w.TotalRain += b.precip
		totalEff += b.eff
		if w.NextIrrigationDate == nil && threshold > 0 && b.deficit >= threshold {
			date := b.day.Format(time.DateOnly)
			w.NextIrrigationDate = &date
		}
	}

	w.NetNeed = round(math.Max(0, w.TotalETc-totalEff))
	w.AvgDailyETc = round(w.TotalETc / float64(len(days)))
	if w.AvgDailyETc > 0 {
		w.IrrigationFrequency = int(math.Ceil(threshold / w.AvgDailyETc))
	}
	w.TotalETc = round(w.TotalETc)
	w.TotalRain = round(w.TotalRain)

	w.Recommendations = []string{
		fmt.Sprintf("%d-day crop water use: %.1f mm", len(days), w.TotalETc),
		fmt.Sprintf("Rainfall: %.1f mm (%.1f mm effective)", w.TotalRain, totalEff),
		fmt.Sprintf("Net irrigation need: %.1f mm", w.NetNeed),
	}
	if w.IrrigationFrequency > 0 {
		w.Recommendations = append(w.Recommendations,
			fmt.Sprintf("Suggested irrigation interval: %d days", w.IrrigationFrequency))
	}
	if w.NextIrrigationDate != nil {
		w.Recommendations = append(w.Recommendations, "Next irrigation due on "+*w.NextIrrigationDate)
	}
	return w
}

func (e *Engine) tier(deficit, threshold float64) Status {
	if threshold <= 0 {
		return StatusLow
	}
	ratio := deficit / threshold
	switch {
	case ratio < e.cfg.MediumRatio:
		return StatusLow
	case ratio < e.cfg.HighRatio:
		return StatusMedium
	default:
		return StatusHigh
	}
}

func (e *Engine) todayAdvice(s Status, deficit float64) string {
	switch s {
	case StatusHigh:
		return fmt.Sprintf("Root-zone depletion has reached the stress threshold; apply about %.0f mm as soon as possible.",
			deficit/e.cfg.Efficiency)
	case StatusMedium:
		return "Soil water is being drawn down; plan irrigation within 1-2 days."
	default:
		return "Soil water is sufficient; no irrigation needed today."
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func round(v float64) float64 { return common.RoundTo(v, 2) }

func roundPtr(v float64) *float64 {
	r := round(v)
	return &r
}
