package irrigation

import (
	"time"

	"github.com/i474232898/farm-weather/internal/common"
)

// Summary aggregates a user's field results.
type Summary struct {
	TotalFields        int     `json:"totalFields"`
	FieldsWithData     int     `json:"fieldsWithData"`
	AvgDailyETc        float64 `json:"avgDailyETc"`
	HighPriorityFields int     `json:"highPriorityFields"`
	NextIrrigationDate *string `json:"nextIrrigationDate"`
}

// Summarize computes totals over results. Entries with a missing reason count
// toward TotalFields only.
func Summarize(results []FieldWaterResult) Summary {
	s := Summary{TotalFields: len(results)}
	var etcSum float64
	for _, r := range results {
		if r.Today == nil || r.Weekly == nil {
			continue
		}
		s.FieldsWithData++
		etcSum += r.Weekly.AvgDailyETc
		if r.Today.Status == StatusHigh {
			s.HighPriorityFields++
		}
		s.NextIrrigationDate = earliest(s.NextIrrigationDate, r.Weekly.NextIrrigationDate)
	}
	if s.FieldsWithData > 0 {
		s.AvgDailyETc = common.RoundTo(etcSum/float64(s.FieldsWithData), 2)
	}
	return s
}

// WellSummary aggregates a user's well results.
type WellSummary struct {
	TotalWells     int        `json:"totalWells"`
	WellsWithData  int        `json:"wellsWithData"`
	AvgTemperature *float64   `json:"avgTemperature"`
	AvgHumidity    *float64   `json:"avgHumidity"`
	LastUpdated    *time.Time `json:"lastUpdated"`
}

// SummarizeWells computes totals over well results.
func SummarizeWells(wells []WellWeatherResult) WellSummary {
	s := WellSummary{TotalWells: len(wells)}
	var tSum, hSum float64
	var tN, hN int
	for _, w := range wells {
		if w.LastUpdated != nil {
			s.WellsWithData++
			if s.LastUpdated == nil || w.LastUpdated.After(*s.LastUpdated) {
				ts := *w.LastUpdated
				s.LastUpdated = &ts
			}
		}
		if t := w.CurrentWeather.Temperature; t != nil {
			tSum += *t
			tN++
		}
		if h := w.CurrentWeather.Humidity; h != nil {
			hSum += *h
			hN++
		}
	}
	if tN > 0 {
		v := common.RoundTo(tSum/float64(tN), 1)
		s.AvgTemperature = &v
	}
	if hN > 0 {
		v := common.RoundTo(hSum/float64(hN), 1)
		s.AvgHumidity = &v
	}
	return s
}

// earliest compares YYYY-MM-DD dates, which order lexically.
func earliest(a, b *string) *string {
	switch {
	case b == nil:
		return a
	case a == nil || *b < *a:
		v := *b
		return &v
	default:
		return a
	}
}
