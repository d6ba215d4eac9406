package irrigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/farm-weather/internal/agronomy"
	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/common"
	"github.com/i474232898/farm-weather/internal/store"
	"github.com/i474232898/farm-weather/internal/weather"
)

// WellStore adds well lookups to Store.
type WellStore interface {
	Store
	GetWell(ctx context.Context, id string) (weather.Well, error)
	WellIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// ConnectedField is one field served by a well.
type ConnectedField struct {
	FieldID            string   `json:"fieldId"`
	FieldName          string   `json:"fieldName"`
	DistanceKm         *float64 `json:"distance,omitempty"`
	Status             Status   `json:"status,omitempty"`
	NextIrrigationDate *string  `json:"nextIrrigationDate,omitempty"`
	MissingReason      string   `json:"missingReason,omitempty"`
}

// CurrentWeather is the latest observed snapshot near a well.
type CurrentWeather struct {
	Temperature           *float64 `json:"temperature"`
	Humidity              *float64 `json:"humidity"`
	VapourPressureDeficit *float64 `json:"vapourPressureDeficit"`
	WindSpeed             *float64 `json:"windSpeed"`
	WindDirection         *float64 `json:"windDirection"`
}

// WellWeatherResult aggregates the fields connected to a well.
type WellWeatherResult struct {
	WellID                  string               `json:"wellId"`
	WellName                string               `json:"wellName"`
	WellStatus              string               `json:"wellStatus,omitempty"`
	Coordinates             *weather.Coordinates `json:"coordinates,omitempty"`
	LastUpdated             *time.Time           `json:"lastUpdated"`
	CurrentWeather          CurrentWeather       `json:"currentWeather"`
	ConnectedFields         []ConnectedField     `json:"connectedFields"`
	Urgency                 Status               `json:"urgency"`
	FieldsNeedingIrrigation int                  `json:"fieldsNeedingIrrigation"`
	AvgDailyETc             float64              `json:"avgDailyEtc"`
	NextIrrigationDate      *string              `json:"nextIrrigationDate"`
	// Advisory is the wind and frost check of the field that supplied CurrentWeather.
	Advisory *agronomy.IrrigationAdvisory `json:"advisory,omitempty"`
}

// WellService aggregates water consumption and weather per well.
type WellService struct {
	store  WellStore
	engine *Engine
	cache  ResultCache
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewWellService creates a WellService sharing the engine's cache and clock.
func NewWellService(st WellStore, engine *Engine) *WellService {
	return &WellService{store: st, engine: engine, cache: engine.cache, clock: engine.clock, logger: engine.logger}
}

// GetWeatherDataForWell returns nil when the well does not exist or none of
// its fields has a numeric result.
func (s *WellService) GetWeatherDataForWell(ctx context.Context, wellID string) (*WellWeatherResult, error) {
	key := cache.WellWeatherKey(wellID)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			if r, ok := v.(*WellWeatherResult); ok {
				return r, nil
			}
		}
	}

	w, err := s.store.GetWell(ctx, wellID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load well: %w", err)
	}

	res := &WellWeatherResult{WellID: w.ID, WellName: w.Name, WellStatus: w.Status}
	wc, hasWellCoords := w.Coordinates()
	if hasWellCoords {
		res.Coordinates = &wc
	}

	type candidate struct {
		fieldID  string
		distance *float64
		advisory *agronomy.IrrigationAdvisory
	}
	var candidates []candidate
	var etcSum float64
	numeric := 0

	for _, fid := range w.FieldIDs {
		f, err := s.store.GetField(ctx, fid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load field %s: %w", fid, err)
		}
		cf := ConnectedField{FieldID: f.ID, FieldName: f.Name}
		if fc, ok := f.Coordinates(); ok && hasWellCoords {
			d := common.RoundTo(common.HaversineKm(wc.Latitude, wc.Longitude, fc.Latitude, fc.Longitude), 2)
			cf.DistanceKm = &d
		}

		water, err := s.engine.GetWaterConsumptionForField(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("water consumption for field %s: %w", f.ID, err)
		}
		cf.MissingReason = water.MissingReason
		if water.Today != nil && water.Weekly != nil {
			numeric++
			cf.Status = water.Today.Status
			cf.NextIrrigationDate = water.Weekly.NextIrrigationDate
			etcSum += water.Weekly.AvgDailyETc
			if cf.Status.rank() > res.Urgency.rank() {
				res.Urgency = cf.Status
			}
			if cf.Status != StatusLow {
				res.FieldsNeedingIrrigation++
			}
			res.NextIrrigationDate = earliest(res.NextIrrigationDate, cf.NextIrrigationDate)
		}
		res.ConnectedFields = append(res.ConnectedFields, cf)
		candidates = append(candidates, candidate{fieldID: f.ID, distance: cf.DistanceKm, advisory: water.Advisory})
	}

	if numeric == 0 {
		s.logger.Debug("well has no field with water data", "well_id", wellID)
		return nil, nil
	}
	res.AvgDailyETc = common.RoundTo(etcSum/float64(numeric), 2)

	// Nearest field first; fields without a distance keep their order at the end.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].distance, candidates[j].distance
		if a == nil || b == nil {
			return a != nil
		}
		return *a < *b
	})
	now := s.clock.Now()
	for _, c := range candidates {
		h, err := s.store.LatestHourlyAt(ctx, c.fieldID, now)
		if err != nil {
			return nil, fmt.Errorf("latest snapshot for field %s: %w", c.fieldID, err)
		}
		if h == nil {
			continue
		}
		ts := h.Timestamp
		res.LastUpdated = &ts
		res.CurrentWeather = CurrentWeather{
			Temperature:           h.Temperature,
			Humidity:              h.RelativeHumidity,
			VapourPressureDeficit: h.VapourPressureDef,
			WindSpeed:             h.WindSpeed,
			WindDirection:         h.WindDirection,
		}
		res.Advisory = c.advisory
		break
	}

	if s.cache != nil {
		s.cache.Set(key, res, s.cache.WeatherTTL())
	}
	return res, nil
}

// GetWeatherSummaryForUserWells returns results for the distinct wells of the
// user's fields, dropping wells without data.
func (s *WellService) GetWeatherSummaryForUserWells(ctx context.Context, userID string) ([]WellWeatherResult, error) {
	ids, err := s.store.WellIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user wells: %w", err)
	}
	out := make([]WellWeatherResult, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetWeatherDataForWell(ctx, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
