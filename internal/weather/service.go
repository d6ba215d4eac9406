package weather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/farm-weather/internal/agronomy"
	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/common"
	"github.com/i474232898/farm-weather/internal/observability"
)

// SyncConfig tunes a SyncService.
type SyncConfig struct {
	Backoff BackoffConfig
	// DefaultCoordinates is the last-resort fetch point. nil disables it.
	DefaultCoordinates *Coordinates
	KcMode             agronomy.KcMode
}

// SyncOptions restricts and shapes one run.
type SyncOptions struct {
	FieldIDs     []string `json:"fieldIds,omitempty"`
	ChunkSize    int      `json:"chunkSize,omitempty"`
	PastDays     int      `json:"pastDays,omitempty"`
	ForecastDays int      `json:"forecastDays,omitempty"`
}

// FieldFailure records a field skipped because of a provider error.
type FieldFailure struct {
	FieldID string `json:"fieldId"`
	Reason  string `json:"reason"`
}

// SyncReport summarizes one run. It is returned even when the run fails part way.
type SyncReport struct {
	RunID           string         `json:"runId"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      time.Time      `json:"finishedAt"`
	TotalFields     int            `json:"totalFields"`
	ProcessedFields int            `json:"processed"`
	SkippedFields   int            `json:"skipped"`
	HourlyUpserts   int            `json:"hourly"`
	DailyUpserts    int            `json:"daily"`
	FeatureUpserts  int            `json:"features"`
	Messages        []string       `json:"messages"`
	Failures        []FieldFailure `json:"failures,omitempty"`
}

// SyncService orchestrates coordinate resolution, batch fetching and
// idempotent persistence of weather series.
type SyncService struct {
	store    Store
	provider Provider
	geocoder Geocoder
	cache    Invalidator
	catalog  *agronomy.Catalog
	cfg      SyncConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
}

// SyncDeps are the optional collaborators of a SyncService. Nil members are allowed.
type SyncDeps struct {
	Geocoder Geocoder
	Cache    Invalidator
	Catalog  *agronomy.Catalog
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Clock    clockwork.Clock
}

// NewSyncService creates a SyncService.
func NewSyncService(store Store, provider Provider, cfg SyncConfig, deps SyncDeps) (*SyncService, error) {
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}
	if cfg.KcMode == "" {
		cfg.KcMode = agronomy.KcStep
	}
	s := &SyncService{
		store:    store,
		provider: provider,
		geocoder: deps.Geocoder,
		cache:    deps.Cache,
		catalog:  deps.Catalog,
		cfg:      cfg,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
	}
	if s.catalog == nil {
		s.catalog = agronomy.DefaultCatalog()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s, nil
}

// SyncAll fetches and persists weather for the selected fields (all fields when
// opts.FieldIDs is empty). Provider failures skip the affected fields after the
// configured retries; a persistence failure stops the run and is returned along
// with the report of the work already committed.
func (s *SyncService) SyncAll(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	report := SyncReport{RunID: uuid.NewString(), StartedAt: s.clock.Now().UTC()}
	logger := s.logger.With("run_id", report.RunID)

	fields, err := s.store.ListFields(ctx, opts.FieldIDs)
	if err != nil {
		report.FinishedAt = s.clock.Now().UTC()
		s.observe(report, "error")
		return report, fmt.Errorf("list fields: %w", err)
	}
	report.TotalFields = len(fields)
	logger.Info("weather sync started", "fields", len(fields))

	byID := make(map[string]Field, len(fields))
	var pending []FieldCoordinate
	for _, f := range fields {
		byID[f.ID] = f
		fc, ok := s.resolveCoordinate(ctx, f)
		if !ok {
			report.SkippedFields++
			report.Messages = append(report.Messages, fmt.Sprintf("SKIP %s: no coordinates", f.Name))
			continue
		}
		pending = append(pending, fc)
	}

	batchOpts := BatchOptions{PastDays: opts.PastDays, ForecastDays: opts.ForecastDays, ChunkSize: opts.ChunkSize}
	lastErr := make(map[string]error)

	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			delay := s.cfg.Backoff.Delay(attempt - 1)
			logger.Info("retrying failed fields", "fields", len(pending), "attempt", attempt, "delay", delay)
			if err := wait(ctx, delay); err != nil {
				break
			}
		}

		coordsByID := make(map[string]FieldCoordinate, len(pending))
		for _, fc := range pending {
			coordsByID[fc.FieldID] = fc
		}

		var failed []FieldCoordinate
		for _, res := range s.provider.FetchBatch(ctx, pending, batchOpts) {
			fc := coordsByID[res.FieldID]
			if res.Err != nil || res.Batch == nil {
				if res.Err == nil {
					res.Err = fmt.Errorf("provider returned no data")
				}
				lastErr[res.FieldID] = res.Err
				failed = append(failed, fc)
				continue
			}
			delete(lastErr, res.FieldID)

			counts, err := s.persistField(ctx, byID[res.FieldID], *res.Batch)
			if err != nil {
				report.FinishedAt = s.clock.Now().UTC()
				s.observe(report, "error")
				logger.Error("persisting field weather failed", "field_id", res.FieldID, "error", err)
				return report, fmt.Errorf("persist field %s: %w", res.FieldID, err)
			}
			report.ProcessedFields++
			report.HourlyUpserts += counts.Hourly
			report.DailyUpserts += counts.Daily
			report.FeatureUpserts += counts.Features
			report.Messages = append(report.Messages, fmt.Sprintf("OK %s [%s]: %d hourly, %d daily, %d features",
				fc.FieldName, fc.Source, counts.Hourly, counts.Daily, counts.Features))
			s.invalidate(res.FieldID)
		}

		pending = failed
		if attempt >= s.cfg.Backoff.MaxRetries || ctx.Err() != nil {
			break
		}
	}

	for _, fc := range pending {
		err := lastErr[fc.FieldID]
		if err == nil {
			err = ctx.Err()
		}
		reason := fmt.Sprint(err)
		report.SkippedFields++
		report.Failures = append(report.Failures, FieldFailure{FieldID: fc.FieldID, Reason: reason})
		report.Messages = append(report.Messages, fmt.Sprintf("ERR %s: %s", fc.FieldName, reason))
	}

	report.FinishedAt = s.clock.Now().UTC()
	outcome := "ok"
	if len(report.Failures) > 0 {
		outcome = "partial"
	}
	s.observe(report, outcome)
	logger.Info("weather sync finished",
		"processed", report.ProcessedFields,
		"skipped", report.SkippedFields,
		"hourly", report.HourlyUpserts,
		"daily", report.DailyUpserts,
		"features", report.FeatureUpserts)
	return report, nil
}

// persistField completes daily records, derives features and upserts the field's rows as a unit.
func (s *SyncService) persistField(ctx context.Context, f Field, batch LocationBatch) (UpsertCounts, error) {
	daily := CompleteDaily(batch, f.ID)
	hourly := make([]HourlyRecord, len(batch.Hourly))
	for i, h := range batch.Hourly {
		h.FieldID = f.ID
		hourly[i] = h
	}

	var features []DailyFeature
	if len(daily) > 0 {
		prev, err := s.store.LatestFeatureBefore(ctx, f.ID, daily[0].Date)
		if err != nil {
			return UpsertCounts{}, fmt.Errorf("load previous feature: %w", err)
		}
		features = s.deriveFeatures(f, batch, hourly, daily, prev)
	}

	return s.store.SaveFieldWeather(ctx, f.ID, hourly, daily, features)
}

// deriveFeatures computes one feature per daily record, chaining cumulative
// values from prev and then from each preceding day.
func (s *SyncService) deriveFeatures(f Field, batch LocationBatch, hourly []HourlyRecord, daily []DailyRecord, prev *DailyFeature) []DailyFeature {
	loc := batch.Location()

	var guide *agronomy.CropGuide
	var planted time.Time
	cropID := ""
	if c := f.ActiveCrop; c != nil {
		g := s.catalog.Resolve(c.Name).WithOverrides(c.Kc, c.Stages)
		guide = &g
		planted = common.CivilDate(c.PlantedDate, loc)
		cropID = c.ID
	}

	running := agronomy.Running{}
	if prev != nil {
		running = agronomy.Running{
			GDDCumulative: prev.GDDCumulative,
			ETcCumulative: prev.ETcCumulative,
			WaterBalance:  prev.WaterBalance,
		}
	}

	out := make([]DailyFeature, 0, len(daily))
	for _, d := range daily {
		in := agronomy.FeatureInput{
			Day: agronomy.DayWeather{
				TMax:   d.TMax,
				TMin:   d.TMin,
				Precip: d.PrecipitationSum,
				ET0:    d.ET0,
				VPDMax: d.VapourPressureDefMax,
			},
			Previous: running,
			Mode:     s.cfg.KcMode,
		}
		if guide != nil {
			dap := common.DaysBetween(planted, d.Date, time.UTC)
			if dap >= 0 {
				in.Guide = guide
				in.DaysAfterPlanting = dap
			}
		}
		for _, h := range HoursOn(hourly, d.Date, loc) {
			in.Hours = append(in.Hours, agronomy.HourWeather{Temperature: h.Temperature, VPD: h.VapourPressureDef})
		}

		feat := agronomy.ComputeFeature(in)
		df := DailyFeature{
			FieldID:           f.ID,
			Date:              d.Date,
			GDD:               feat.GDD,
			GDDCumulative:     feat.GDDCumulative,
			ETc:               feat.ETc,
			ETcCumulative:     feat.ETcCumulative,
			WaterBalance:      feat.WaterBalance,
			RainfallMm:        feat.RainfallMm,
			IrrigationMm:      feat.IrrigationMm,
			VPDMax:            feat.VPDMax,
			HeatStressHours:   feat.HeatStressHours,
			FrostHours:        feat.FrostHours,
			Stage:             feat.Stage,
			Kc:                feat.Kc,
			DaysAfterPlanting: feat.DaysAfterPlanting,
			Recommendations:   feat.Recommendations,
		}
		if in.Guide != nil {
			df.CropID = cropID
		}
		out = append(out, df)

		running = agronomy.Running{
			GDDCumulative: feat.GDDCumulative,
			ETcCumulative: feat.ETcCumulative,
			WaterBalance:  feat.WaterBalance,
		}
	}
	return out
}

func (s *SyncService) invalidate(fieldID string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(cache.FieldWeatherKey(fieldID))
	s.cache.Delete(cache.FieldWaterKey(fieldID))
	s.cache.ClearByPattern(cache.UserWaterPrefix)
	// Well views aggregate several fields; drop them all.
	s.cache.ClearByPattern(cache.WellWeatherKey(""))
}

func (s *SyncService) observe(r SyncReport, outcome string) {
	s.metrics.ObserveSync(outcome, r.FinishedAt.Sub(r.StartedAt).Seconds(),
		r.ProcessedFields, r.SkippedFields, r.HourlyUpserts, r.DailyUpserts, r.FeatureUpserts)
}
