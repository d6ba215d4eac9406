package agronomy

import (
	"fmt"
	"math"
	"slices"
)

// DefaultKc applies when a field has no active crop.
const DefaultKc = 0.9

// DayWeather is the daily weather needed to derive agro features.
type DayWeather struct {
	TMax   *float64
	TMin   *float64
	Precip *float64
	ET0    *float64
	VPDMax *float64
}

// HourWeather is one hourly observation for the same day.
type HourWeather struct {
	Temperature *float64
	VPD         *float64
}

// Running carries cumulative values from the previous day's feature.
type Running struct {
	GDDCumulative *float64
	ETcCumulative *float64
	WaterBalance  *float64
}

// FeatureInput describes one field-day.
type FeatureInput struct {
	Guide *CropGuide // nil when the field has no active crop
	// DaysAfterPlanting is only meaningful when Guide is set.
	DaysAfterPlanting int
	Day               DayWeather
	Hours             []HourWeather
	Previous          Running
	IrrigationMm      float64
	Mode              KcMode
}

// Feature is the derived agro view of one field-day.
type Feature struct {
	GDD               *float64
	GDDCumulative     *float64
	ETc               *float64
	ETcCumulative     *float64
	WaterBalance      *float64
	RainfallMm        float64
	IrrigationMm      float64
	VPDMax            *float64
	HeatStressHours   int
	FrostHours        int
	Stage             Stage
	Kc                float64
	DaysAfterPlanting *int
	Recommendations   []string
}

// ComputeFeature derives growing degree days, crop water use, the running water
// balance and stress counters for one day.
func ComputeFeature(in FeatureInput) Feature {
	guide := GenericGuide
	if in.Guide != nil {
		guide = *in.Guide
	}

	out := Feature{IrrigationMm: in.IrrigationMm, Kc: DefaultKc}
	if in.Day.Precip != nil {
		out.RainfallMm = *in.Day.Precip
	}

	if in.Guide != nil && in.DaysAfterPlanting >= 0 {
		dap := in.DaysAfterPlanting
		out.DaysAfterPlanting = &dap
		out.Stage = guide.StageFor(dap)
		out.Kc = guide.KcAt(dap, in.Mode)
	}

	if in.Day.TMax != nil && in.Day.TMin != nil {
		avg := (*in.Day.TMax + *in.Day.TMin) / 2
		bounded := math.Min(math.Max(avg, guide.GDDBase), guide.GDDUpper)
		gdd := math.Max(0, bounded-guide.GDDBase)
		out.GDD = &gdd
		cum := gdd + deref(in.Previous.GDDCumulative)
		out.GDDCumulative = &cum
	} else {
		out.GDDCumulative = in.Previous.GDDCumulative
	}

	if in.Day.ET0 != nil {
		etc := out.Kc * *in.Day.ET0
		out.ETc = &etc
		cum := etc + deref(in.Previous.ETcCumulative)
		out.ETcCumulative = &cum
		wb := deref(in.Previous.WaterBalance) + out.RainfallMm + out.IrrigationMm - etc
		out.WaterBalance = &wb
	} else {
		out.ETcCumulative = in.Previous.ETcCumulative
		out.WaterBalance = in.Previous.WaterBalance
	}

	var hourlyVPD *float64
	for _, h := range in.Hours {
		if h.Temperature != nil {
			if *h.Temperature >= guide.Stress.HeatStress {
				out.HeatStressHours++
			}
			if *h.Temperature <= guide.Stress.Frost {
				out.FrostHours++
			}
		}
		if h.VPD != nil && (hourlyVPD == nil || *h.VPD > *hourlyVPD) {
			v := *h.VPD
			hourlyVPD = &v
		}
	}
	out.VPDMax = in.Day.VPDMax
	if out.VPDMax == nil {
		out.VPDMax = hourlyVPD
	}

	out.Recommendations = recommend(guide, in.Guide != nil, out)
	return out
}

func recommend(guide CropGuide, known bool, f Feature) []string {
	var recs []string
	add := func(msg string) {
		if !slices.Contains(recs, msg) {
			recs = append(recs, msg)
		}
	}

	supplied := f.RainfallMm + f.IrrigationMm
	if f.ETc != nil && *f.ETc > 2 && supplied < *f.ETc*0.8 {
		add(fmt.Sprintf("Crop water use today is %.1f mm; plan irrigation for a deficit of about %.1f mm.",
			*f.ETc, *f.ETc-supplied))
	}
	if f.HeatStressHours > 2 {
		add(fmt.Sprintf("%d hours above %.0f C expected; irrigate around midday or protect against sunburn.",
			f.HeatStressHours, guide.Stress.HeatStress))
	}
	if known && f.VPDMax != nil && *f.VPDMax > guide.Stress.HighVPD {
		add(fmt.Sprintf("VPD reaches %.2f kPa; watch for leaf stress in the afternoon.", *f.VPDMax))
	}
	if f.FrostHours > 0 {
		add(fmt.Sprintf("Frost risk: %d hours at or below %.0f C. Protect sensitive plots.",
			f.FrostHours, guide.Stress.Frost))
	}
	if known && f.GDDCumulative != nil {
		milestones := []struct {
			label  string
			target float64
		}{
			{"emergence", guide.Targets.Emergence},
			{"flowering", guide.Targets.Flowering},
			{"maturity", guide.Targets.Maturity},
		}
		for _, m := range milestones {
			if m.target <= 0 {
				continue
			}
			delta := m.target - *f.GDDCumulative
			if delta > 0 && delta <= 80 {
				add(fmt.Sprintf("Cumulative GDD %.0f is within %.0f of %s; prepare field operations.",
					*f.GDDCumulative, delta, m.label))
			}
		}
	}
	if f.Stage == StageLate && f.WaterBalance != nil && *f.WaterBalance < -30 {
		add("Late-season water balance is negative; a light irrigation can reduce pre-harvest stress.")
	}
	return recs
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
