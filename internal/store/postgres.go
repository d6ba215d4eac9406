package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/farm-weather/internal/agronomy"
	"github.com/i474232898/farm-weather/internal/weather"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is a DBTX that can open transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore persists fields, wells and weather series in PostgreSQL.
type PostgresStore struct {
	db TxBeginner
}

// NewPostgresStore creates a PostgresStore backed by db.
func NewPostgresStore(db TxBeginner) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectFields = `
	SELECT f.id, f.name, f.location, f.latitude, f.longitude, f.soil_type, f.water_holding_capacity,
	       COALESCE((SELECT array_agg(o.user_id ORDER BY o.user_id) FROM field_owners o WHERE o.field_id = f.id), '{}'),
	       COALESCE((SELECT array_agg(w.well_id ORDER BY w.well_id) FROM well_fields w WHERE w.field_id = f.id), '{}'),
	       c.id, c.name, c.planted_date, c.status, c.kc, c.stage_durations
	FROM fields f
	LEFT JOIN LATERAL (
		SELECT id, name, planted_date, status, kc, stage_durations
		FROM crops
		WHERE field_id = f.id AND status <> 'HARVESTED'
		ORDER BY planted_date DESC
		LIMIT 1
	) c ON true`

// ListFields returns the given fields, or all fields when ids is empty, ordered by id.
func (s *PostgresStore) ListFields(ctx context.Context, ids []string) ([]weather.Field, error) {
	query := selectFields + ` ORDER BY f.id`
	args := []any{}
	if len(ids) > 0 {
		query = selectFields + ` WHERE f.id = ANY($1) ORDER BY f.id`
		args = append(args, ids)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	var out []weather.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return out, nil
}

// GetField returns a field or ErrNotFound.
func (s *PostgresStore) GetField(ctx context.Context, id string) (weather.Field, error) {
	f, err := scanField(s.db.QueryRow(ctx, selectFields+` WHERE f.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return weather.Field{}, ErrNotFound
	}
	return f, err
}

func scanField(row pgx.Row) (weather.Field, error) {
	var (
		f                  weather.Field
		cropID, cropName   *string
		cropStatus         *string
		planted            *time.Time
		kcJSON, stagesJSON []byte
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Location, &f.Latitude, &f.Longitude, &f.SoilType, &f.WaterHoldingCapacity,
		&f.OwnerIDs, &f.WellIDs,
		&cropID, &cropName, &planted, &cropStatus, &kcJSON, &stagesJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("scan field: %w", err)
	}
	if cropID == nil {
		return f, nil
	}

	c := &weather.Crop{ID: *cropID}
	if cropName != nil {
		c.Name = *cropName
	}
	if cropStatus != nil {
		c.Status = *cropStatus
	}
	if planted != nil {
		c.PlantedDate = *planted
	}
	if len(kcJSON) > 0 {
		var kc agronomy.KcValues
		if err := json.Unmarshal(kcJSON, &kc); err != nil {
			return f, fmt.Errorf("decode kc for crop %s: %w", c.ID, err)
		}
		c.Kc = &kc
	}
	if len(stagesJSON) > 0 {
		var st agronomy.StageDurations
		if err := json.Unmarshal(stagesJSON, &st); err != nil {
			return f, fmt.Errorf("decode stages for crop %s: %w", c.ID, err)
		}
		c.Stages = &st
	}
	f.ActiveCrop = c
	return f, nil
}

// GetWell returns a well or ErrNotFound.
func (s *PostgresStore) GetWell(ctx context.Context, id string) (weather.Well, error) {
	var w weather.Well
	err := s.db.QueryRow(ctx, `
		SELECT w.id, w.name, w.depth_m, w.capacity, w.status, w.latitude, w.longitude,
		       COALESCE((SELECT array_agg(wf.field_id ORDER BY wf.field_id) FROM well_fields wf WHERE wf.well_id = w.id), '{}')
		FROM wells w
		WHERE w.id = $1`, id).
		Scan(&w.ID, &w.Name, &w.DepthM, &w.Capacity, &w.Status, &w.Latitude, &w.Longitude, &w.FieldIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return weather.Well{}, ErrNotFound
	}
	if err != nil {
		return weather.Well{}, fmt.Errorf("query well: %w", err)
	}
	return w, nil
}

// FieldIDsForUser returns the distinct fields a user owns or is assigned to, ordered by id.
func (s *PostgresStore) FieldIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT field_id FROM field_owners WHERE user_id = $1
		UNION
		SELECT field_id FROM field_assignments WHERE user_id = $1
		ORDER BY 1`, userID)
}

// WellIDsForUser returns the distinct wells connected to the user's fields, ordered by id.
func (s *PostgresStore) WellIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT wf.well_id
		FROM well_fields wf
		WHERE wf.field_id IN (
			SELECT field_id FROM field_owners WHERE user_id = $1
			UNION
			SELECT field_id FROM field_assignments WHERE user_id = $1
		)
		ORDER BY 1`, userID)
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const (
	upsertHourly = `
		INSERT INTO weather_snapshots (
			field_id, ts, source, latitude, longitude, timezone,
			temperature_2m, relative_humidity_2m, precipitation_mm, wind_speed_10m, wind_direction_10m,
			wind_gusts_10m, shortwave_radiation, et0_fao, vapour_pressure_deficit,
			soil_temperature_0cm, soil_moisture_0_1cm, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
		ON CONFLICT (field_id, ts) DO UPDATE SET
			source = EXCLUDED.source,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			timezone = EXCLUDED.timezone,
			temperature_2m = EXCLUDED.temperature_2m,
			relative_humidity_2m = EXCLUDED.relative_humidity_2m,
			precipitation_mm = EXCLUDED.precipitation_mm,
			wind_speed_10m = EXCLUDED.wind_speed_10m,
			wind_direction_10m = EXCLUDED.wind_direction_10m,
			wind_gusts_10m = EXCLUDED.wind_gusts_10m,
			shortwave_radiation = EXCLUDED.shortwave_radiation,
			et0_fao = EXCLUDED.et0_fao,
			vapour_pressure_deficit = EXCLUDED.vapour_pressure_deficit,
			soil_temperature_0cm = EXCLUDED.soil_temperature_0cm,
			soil_moisture_0_1cm = EXCLUDED.soil_moisture_0_1cm,
			updated_at = now()`

	upsertDaily = `
		INSERT INTO weather_daily_summaries (
			field_id, date, source, latitude, longitude, timezone,
			t_max, t_min, t_mean, precipitation_sum, precipitation_prob_max, shortwave_radiation_sum,
			et0_fao, wind_speed_max, wind_direction_dominant, wind_gusts_max,
			vapour_pressure_deficit_max, daylight_seconds, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		ON CONFLICT (field_id, date) DO UPDATE SET
			source = EXCLUDED.source,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			timezone = EXCLUDED.timezone,
			t_max = EXCLUDED.t_max,
			t_min = EXCLUDED.t_min,
			t_mean = EXCLUDED.t_mean,
			precipitation_sum = EXCLUDED.precipitation_sum,
			precipitation_prob_max = EXCLUDED.precipitation_prob_max,
			shortwave_radiation_sum = EXCLUDED.shortwave_radiation_sum,
			et0_fao = EXCLUDED.et0_fao,
			wind_speed_max = EXCLUDED.wind_speed_max,
			wind_direction_dominant = EXCLUDED.wind_direction_dominant,
			wind_gusts_max = EXCLUDED.wind_gusts_max,
			vapour_pressure_deficit_max = EXCLUDED.vapour_pressure_deficit_max,
			daylight_seconds = EXCLUDED.daylight_seconds,
			updated_at = now()`

	upsertFeature = `
		INSERT INTO agro_daily_features (
			field_id, date, crop_id, gdd, gdd_cumulative, etc_mm, etc_cumulative, water_balance_mm,
			rainfall_mm, irrigation_mm, vpd_max, heat_stress_hours, frost_hours, phenology_stage,
			kc_factor, days_after_planting, recommendations, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
		ON CONFLICT (field_id, date) DO UPDATE SET
			crop_id = EXCLUDED.crop_id,
			gdd = EXCLUDED.gdd,
			gdd_cumulative = EXCLUDED.gdd_cumulative,
			etc_mm = EXCLUDED.etc_mm,
			etc_cumulative = EXCLUDED.etc_cumulative,
			water_balance_mm = EXCLUDED.water_balance_mm,
			rainfall_mm = EXCLUDED.rainfall_mm,
			irrigation_mm = EXCLUDED.irrigation_mm,
			vpd_max = EXCLUDED.vpd_max,
			heat_stress_hours = EXCLUDED.heat_stress_hours,
			frost_hours = EXCLUDED.frost_hours,
			phenology_stage = EXCLUDED.phenology_stage,
			kc_factor = EXCLUDED.kc_factor,
			days_after_planting = EXCLUDED.days_after_planting,
			recommendations = EXCLUDED.recommendations,
			updated_at = now()`
)

// SaveFieldWeather upserts a field's rows in one transaction. A transaction-scoped
// advisory lock on the field id serializes concurrent writers for the same field.
func (s *PostgresStore) SaveFieldWeather(ctx context.Context, fieldID string, hourly []weather.HourlyRecord, daily []weather.DailyRecord, features []weather.DailyFeature) (counts weather.UpsertCounts, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fieldID); err != nil {
		return weather.UpsertCounts{}, fmt.Errorf("lock field: %w", err)
	}

	for _, h := range hourly {
		if _, err = tx.Exec(ctx, upsertHourly,
			fieldID, h.Timestamp.UTC(), h.Source, h.Latitude, h.Longitude, h.Timezone,
			h.Temperature, h.RelativeHumidity, h.Precipitation, h.WindSpeed, h.WindDirection,
			h.WindGusts, h.ShortwaveRadiation, h.ET0, h.VapourPressureDef,
			h.SoilTemperature0cm, h.SoilMoisture0to1cm); err != nil {
			return weather.UpsertCounts{}, fmt.Errorf("upsert snapshot %s: %w", h.Timestamp.Format(time.RFC3339), err)
		}
		counts.Hourly++
	}

	for _, d := range daily {
		if _, err = tx.Exec(ctx, upsertDaily,
			fieldID, d.Date, d.Source, d.Latitude, d.Longitude, d.Timezone,
			d.TMax, d.TMin, d.TMean, d.PrecipitationSum, d.PrecipitationProbMax, d.ShortwaveRadiationSum,
			d.ET0, d.WindSpeedMax, d.WindDirectionDominant, d.WindGustsMax,
			d.VapourPressureDefMax, d.DaylightSeconds); err != nil {
			return weather.UpsertCounts{}, fmt.Errorf("upsert daily %s: %w", d.Date.Format(time.DateOnly), err)
		}
		counts.Daily++
	}

	for _, f := range features {
		recs := f.Recommendations
		if recs == nil {
			recs = []string{}
		}
		if _, err = tx.Exec(ctx, upsertFeature,
			fieldID, f.Date, f.CropID, f.GDD, f.GDDCumulative, f.ETc, f.ETcCumulative, f.WaterBalance,
			f.RainfallMm, f.IrrigationMm, f.VPDMax, f.HeatStressHours, f.FrostHours, string(f.Stage),
			f.Kc, f.DaysAfterPlanting, recs); err != nil {
			return weather.UpsertCounts{}, fmt.Errorf("upsert feature %s: %w", f.Date.Format(time.DateOnly), err)
		}
		counts.Features++
	}

	if err = tx.Commit(ctx); err != nil {
		return weather.UpsertCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

const selectFeatures = `
	SELECT field_id, date, crop_id, gdd, gdd_cumulative, etc_mm, etc_cumulative, water_balance_mm,
	       rainfall_mm, irrigation_mm, vpd_max, heat_stress_hours, frost_hours, phenology_stage,
	       kc_factor, days_after_planting, recommendations
	FROM agro_daily_features`

func scanFeature(row pgx.Row) (weather.DailyFeature, error) {
	var (
		f     weather.DailyFeature
		stage string
	)
	err := row.Scan(&f.FieldID, &f.Date, &f.CropID, &f.GDD, &f.GDDCumulative, &f.ETc, &f.ETcCumulative, &f.WaterBalance,
		&f.RainfallMm, &f.IrrigationMm, &f.VPDMax, &f.HeatStressHours, &f.FrostHours, &stage,
		&f.Kc, &f.DaysAfterPlanting, &f.Recommendations)
	f.Stage = agronomy.Stage(stage)
	return f, err
}

// LatestFeatureBefore returns the most recent feature strictly before date, or nil.
func (s *PostgresStore) LatestFeatureBefore(ctx context.Context, fieldID string, date time.Time) (*weather.DailyFeature, error) {
	f, err := scanFeature(s.db.QueryRow(ctx, selectFeatures+`
		WHERE field_id = $1 AND date < $2
		ORDER BY date DESC
		LIMIT 1`, fieldID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query previous feature: %w", err)
	}
	return &f, nil
}

// FeatureRange returns features with from <= date <= to, ordered by date.
func (s *PostgresStore) FeatureRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.DailyFeature, error) {
	rows, err := s.db.Query(ctx, selectFeatures+`
		WHERE field_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date`, fieldID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	defer rows.Close()

	var out []weather.DailyFeature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const selectHourly = `
	SELECT field_id, ts, source, latitude, longitude, timezone,
	       temperature_2m, relative_humidity_2m, precipitation_mm, wind_speed_10m, wind_direction_10m,
	       wind_gusts_10m, shortwave_radiation, et0_fao, vapour_pressure_deficit,
	       soil_temperature_0cm, soil_moisture_0_1cm
	FROM weather_snapshots`

func scanHourly(row pgx.Row) (weather.HourlyRecord, error) {
	var h weather.HourlyRecord
	err := row.Scan(&h.FieldID, &h.Timestamp, &h.Source, &h.Latitude, &h.Longitude, &h.Timezone,
		&h.Temperature, &h.RelativeHumidity, &h.Precipitation, &h.WindSpeed, &h.WindDirection,
		&h.WindGusts, &h.ShortwaveRadiation, &h.ET0, &h.VapourPressureDef,
		&h.SoilTemperature0cm, &h.SoilMoisture0to1cm)
	h.Timestamp = h.Timestamp.UTC()
	return h, err
}

// HourlyRange returns snapshots with from <= timestamp <= to, ordered by time.
func (s *PostgresStore) HourlyRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.HourlyRecord, error) {
	rows, err := s.db.Query(ctx, selectHourly+`
		WHERE field_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts`, fieldID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []weather.HourlyRecord
	for rows.Next() {
		h, err := scanHourly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestHourlyAt returns the most recent snapshot at or before t, or nil.
func (s *PostgresStore) LatestHourlyAt(ctx context.Context, fieldID string, t time.Time) (*weather.HourlyRecord, error) {
	h, err := scanHourly(s.db.QueryRow(ctx, selectHourly+`
		WHERE field_id = $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT 1`, fieldID, t))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	return &h, nil
}

// DailyRange returns daily records with from <= date <= to, ordered by date.
func (s *PostgresStore) DailyRange(ctx context.Context, fieldID string, from, to time.Time) ([]weather.DailyRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT field_id, date, source, latitude, longitude, timezone,
		       t_max, t_min, t_mean, precipitation_sum, precipitation_prob_max, shortwave_radiation_sum,
		       et0_fao, wind_speed_max, wind_direction_dominant, wind_gusts_max,
		       vapour_pressure_deficit_max, daylight_seconds
		FROM weather_daily_summaries
		WHERE field_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date`, fieldID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily summaries: %w", err)
	}
	defer rows.Close()

	var out []weather.DailyRecord
	for rows.Next() {
		var d weather.DailyRecord
		if err := rows.Scan(&d.FieldID, &d.Date, &d.Source, &d.Latitude, &d.Longitude, &d.Timezone,
			&d.TMax, &d.TMin, &d.TMean, &d.PrecipitationSum, &d.PrecipitationProbMax, &d.ShortwaveRadiationSum,
			&d.ET0, &d.WindSpeedMax, &d.WindDirectionDominant, &d.WindGustsMax,
			&d.VapourPressureDefMax, &d.DaylightSeconds); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
