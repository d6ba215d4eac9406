package weather

import (
	"sort"
	"time"

	"github.com/i474232898/farm-weather/internal/common"
)

// CompleteDaily fills gaps in the provider's daily records from the hourly
// series of the same local day: missing min/max/mean temperature,
// precipitation, ET0 and VPD max are derived from the hours, and days that
// only appear in the hourly series get a record of their own. The result is
// ordered by date.
func CompleteDaily(batch LocationBatch, fieldID string) []DailyRecord {
	loc := batch.Location()

	type dayAgg struct {
		tMin, tMax, tSum float64
		tCount           int
		precip, et0      float64
		precipN, et0N    int
		vpdMax           float64
		vpdN             int
	}
	hours := make(map[time.Time]*dayAgg)
	for _, h := range batch.Hourly {
		day := common.CivilDate(h.Timestamp, loc)
		a, ok := hours[day]
		if !ok {
			a = &dayAgg{}
			hours[day] = a
		}
		if h.Temperature != nil {
			t := *h.Temperature
			if a.tCount == 0 || t < a.tMin {
				a.tMin = t
			}
			if a.tCount == 0 || t > a.tMax {
				a.tMax = t
			}
			a.tSum += t
			a.tCount++
		}
		if h.Precipitation != nil {
			a.precip += *h.Precipitation
			a.precipN++
		}
		if h.ET0 != nil {
			a.et0 += *h.ET0
			a.et0N++
		}
		if h.VapourPressureDef != nil {
			if a.vpdN == 0 || *h.VapourPressureDef > a.vpdMax {
				a.vpdMax = *h.VapourPressureDef
			}
			a.vpdN++
		}
	}

	byDate := make(map[time.Time]DailyRecord, len(batch.Daily))
	for _, d := range batch.Daily {
		byDate[d.Date] = d
	}
	for day := range hours {
		if _, ok := byDate[day]; !ok {
			byDate[day] = DailyRecord{Date: day}
		}
	}

	out := make([]DailyRecord, 0, len(byDate))
	for day, d := range byDate {
		d.FieldID = fieldID
		if d.Source == "" {
			d.Source = SourceOpenMeteo
		}
		if d.Timezone == "" {
			d.Timezone = batch.Timezone
		}
		d.Latitude, d.Longitude = batch.Latitude, batch.Longitude

		if a, ok := hours[day]; ok {
			if a.tCount > 0 {
				if d.TMin == nil {
					d.TMin = floatPtr(a.tMin)
				}
				if d.TMax == nil {
					d.TMax = floatPtr(a.tMax)
				}
				if d.TMean == nil {
					d.TMean = floatPtr(a.tSum / float64(a.tCount))
				}
			}
			if d.PrecipitationSum == nil && a.precipN > 0 {
				d.PrecipitationSum = floatPtr(a.precip)
			}
			if d.ET0 == nil && a.et0N > 0 {
				d.ET0 = floatPtr(a.et0)
			}
			if d.VapourPressureDefMax == nil && a.vpdN > 0 {
				d.VapourPressureDefMax = floatPtr(a.vpdMax)
			}
		}
		if d.TMean == nil && d.TMin != nil && d.TMax != nil {
			d.TMean = floatPtr((*d.TMin + *d.TMax) / 2)
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// HoursOn returns the hourly records that fall on the given local day.
func HoursOn(hourly []HourlyRecord, day time.Time, loc *time.Location) []HourlyRecord {
	var out []HourlyRecord
	for _, h := range hourly {
		if common.CivilDate(h.Timestamp, loc).Equal(day) {
			out = append(out, h)
		}
	}
	return out
}

func floatPtr(v float64) *float64 { return &v }
