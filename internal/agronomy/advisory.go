package agronomy

import (
	"fmt"
	"sort"
	"time"
)

// Sprinkler wind limits in km/h.
const (
	WindSprinklerSafe    = 10.0
	WindSprinklerCaution = 15.0
	WindSprinklerAvoid   = 20.0
	WindCritical         = 30.0
)

// Air temperature limits in C for irrigating under frost risk.
const (
	FrostWarning  = 5.0
	LightFrost    = 2.0
	ModerateFrost = 0.0
	SevereFrost   = -2.0
)

// HourConditions is one hourly observation or forecast used for advisories.
type HourConditions struct {
	Time            time.Time
	Temperature     *float64
	SoilTemperature *float64
	WindSpeed       *float64 // km/h
	WindDirection   *float64 // degrees
	WindGusts       *float64 // km/h
}

// WindRisk grades wind conditions for sprinkler irrigation.
type WindRisk string

const (
	WindRiskLow      WindRisk = "low"
	WindRiskMedium   WindRisk = "medium"
	WindRiskHigh     WindRisk = "high"
	WindRiskCritical WindRisk = "critical"
)

// IrrigationMethod is the suggested way to irrigate under the current wind.
type IrrigationMethod string

const (
	MethodSprinkler IrrigationMethod = "sprinkler"
	MethodDrip      IrrigationMethod = "drip"
	MethodDelayed   IrrigationMethod = "delayed"
)

// SafeHour is a calm upcoming hour.
type SafeHour struct {
	Time          time.Time `json:"time"`
	Hour          int       `json:"hour"`
	WindSpeed     float64   `json:"windSpeed"`
	DirectionText string    `json:"direction"`
}

// WindAdvice is the wind safety check for sprinkler irrigation.
type WindAdvice struct {
	Safe            bool             `json:"isIrrigationSafe"`
	Risk            WindRisk         `json:"windRiskLevel"`
	SpeedKmh        float64          `json:"windSpeedKmh"`
	Direction       float64          `json:"windDirection"`
	DirectionText   string           `json:"windDirectionText"`
	WestWind        bool             `json:"isWestWind"`
	GustKmh         *float64         `json:"gustSpeed,omitempty"`
	Gusty           bool             `json:"hasGusts"`
	Method          IrrigationMethod `json:"irrigationMethod"`
	SafestHours     []SafeHour       `json:"safestHours"`
	WaitUntilHour   *int             `json:"waitUntilHour,omitempty"`
	Recommendations []string         `json:"recommendations"`
}

// FrostRisk grades how risky it is to irrigate at the current temperature.
type FrostRisk string

const (
	FrostSafe      FrostRisk = "safe"
	FrostCaution   FrostRisk = "caution"
	FrostAvoid     FrostRisk = "avoid"
	FrostDangerous FrostRisk = "dangerous"
)

// FrostAdvice is the frost check before irrigating.
type FrostAdvice struct {
	Safe            bool      `json:"isSafeToIrrigate"`
	Risk            FrostRisk `json:"riskLevel"`
	Temperature     float64   `json:"currentTemperature"`
	NextHour        *float64  `json:"nextHourTemperature,omitempty"`
	SoilTemperature float64   `json:"soilTemperature"`
	HoursUntilSafe  *int      `json:"timeUntilSafe,omitempty"`
	Recommendations []string  `json:"recommendations"`
}

// IrrigationAdvisory combines the wind and frost checks for the coming hours.
type IrrigationAdvisory struct {
	SafeToIrrigate bool        `json:"safeToIrrigate"`
	Wind           WindAdvice  `json:"wind"`
	Frost          FrostAdvice `json:"frost"`
}

// Advise runs both checks over hours, which start at the current hour and are
// ordered by time. Local hours of day are read in loc. It returns nil for an
// empty series.
func Advise(hours []HourConditions, loc *time.Location) *IrrigationAdvisory {
	if len(hours) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	a := &IrrigationAdvisory{
		Wind:  AnalyzeWind(hours, loc),
		Frost: CheckFrost(hours, loc),
	}
	a.SafeToIrrigate = a.Wind.Safe && a.Frost.Safe
	return a
}

// CompassPoint names the 8-point compass sector of a direction in degrees.
func CompassPoint(deg float64) string {
	points := [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
	d := normalizeDegrees(deg)
	return points[int((d+22.5)/45)%8]
}

// IsWesterly reports wind from the south-west or west sector, which scorches crops.
func IsWesterly(deg float64) bool {
	d := normalizeDegrees(deg)
	return d > 202.5 && d <= 292.5
}

func normalizeDegrees(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}

// AnalyzeWind grades the first hour's wind and lists the calmest of the next 24 hours.
func AnalyzeWind(hours []HourConditions, loc *time.Location) WindAdvice {
	var cur HourConditions
	if len(hours) > 0 {
		cur = hours[0]
	}
	speed := deref(cur.WindSpeed)
	dir := deref(cur.WindDirection)

	a := WindAdvice{
		SpeedKmh:      speed,
		Direction:     dir,
		DirectionText: CompassPoint(dir),
		WestWind:      IsWesterly(dir),
		GustKmh:       cur.WindGusts,
		Gusty:         cur.WindGusts != nil && *cur.WindGusts > speed+5,
	}

	switch {
	case speed > WindCritical:
		a.Risk = WindRiskCritical
	case speed > WindSprinklerAvoid:
		a.Risk = WindRiskHigh
	case speed > WindSprinklerCaution || a.WestWind:
		a.Risk = WindRiskMedium
	default:
		a.Risk = WindRiskLow
	}
	a.Safe = a.Risk == WindRiskLow || (a.Risk == WindRiskMedium && !a.WestWind)

	switch {
	case a.Risk == WindRiskHigh || a.Risk == WindRiskCritical:
		a.Method = MethodDrip
	case a.Risk == WindRiskMedium && a.WestWind:
		a.Method = MethodDelayed
	default:
		a.Method = MethodSprinkler
	}

	a.SafestHours = safestHours(hours, loc)
	if a.Method == MethodDelayed && len(a.SafestHours) > 0 {
		h := a.SafestHours[0].Hour
		a.WaitUntilHour = &h
	}
	a.Recommendations = windRecommendations(a)
	return a
}

// safestHours returns up to six of the next 24 hours that are calm enough for
// sprinklers and not westerly, calmest first.
func safestHours(hours []HourConditions, loc *time.Location) []SafeHour {
	out := []SafeHour{}
	for i, h := range hours {
		if i >= 24 {
			break
		}
		speed := deref(h.WindSpeed)
		dir := deref(h.WindDirection)
		if speed > WindSprinklerCaution || IsWesterly(dir) {
			continue
		}
		out = append(out, SafeHour{
			Time:          h.Time,
			Hour:          h.Time.In(loc).Hour(),
			WindSpeed:     speed,
			DirectionText: CompassPoint(dir),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindSpeed < out[j].WindSpeed })
	if len(out) > 6 {
		out = out[:6]
	}
	return out
}

func windRecommendations(a WindAdvice) []string {
	var recs []string
	switch a.Risk {
	case WindRiskLow:
		recs = append(recs, "Sprinkler irrigation is safe; keep the normal schedule.")
	case WindRiskMedium:
		if a.WestWind {
			recs = append(recs,
				fmt.Sprintf("%s wind detected; crops risk scorching. Delay irrigation 2-3 hours or use drip.", a.DirectionText))
		} else {
			recs = append(recs, "Moderate wind; lower sprinkler pressure and lengthen the run time.")
		}
	case WindRiskHigh:
		recs = append(recs, fmt.Sprintf("Wind at %.0f km/h; stop sprinklers and switch to drip or wait for the night.", a.SpeedKmh))
	case WindRiskCritical:
		recs = append(recs, fmt.Sprintf("Wind at %.0f km/h; stop all irrigation and secure equipment.", a.SpeedKmh))
	}
	if a.Gusty && a.GustKmh != nil {
		recs = append(recs, fmt.Sprintf("Gusts up to %.0f km/h.", *a.GustKmh))
	}
	if a.WaitUntilHour != nil {
		recs = append(recs, fmt.Sprintf("Calmer conditions expected around %02d:00.", *a.WaitUntilHour))
	}
	return recs
}

func isNight(hour int) bool { return hour >= 20 || hour <= 8 }

// CheckFrost grades the first hour's temperature for irrigating and finds the
// next warm daytime hour.
func CheckFrost(hours []HourConditions, loc *time.Location) FrostAdvice {
	var cur HourConditions
	if len(hours) > 0 {
		cur = hours[0]
	}
	temp := deref(cur.Temperature)
	a := FrostAdvice{Temperature: temp, SoilTemperature: temp}
	if cur.SoilTemperature != nil {
		a.SoilTemperature = *cur.SoilTemperature
	}
	if len(hours) > 1 && hours[1].Temperature != nil {
		next := *hours[1].Temperature
		a.NextHour = &next
	}

	switch {
	case temp <= SevereFrost:
		a.Risk = FrostDangerous
	case temp <= ModerateFrost:
		a.Risk = FrostAvoid
	case temp <= FrostWarning:
		a.Risk = FrostCaution
	default:
		a.Risk = FrostSafe
	}
	if a.Risk == FrostSafe && temp < 10 && isNight(cur.Time.In(loc).Hour()) {
		a.Risk = FrostCaution
	}
	a.Safe = a.Risk == FrostSafe || a.Risk == FrostCaution

	for i := 1; i < len(hours) && i < 24; i++ {
		h := hours[i]
		if deref(h.Temperature) > FrostWarning && !isNight(h.Time.In(loc).Hour()) {
			n := int(h.Time.Sub(cur.Time).Round(time.Hour) / time.Hour)
			a.HoursUntilSafe = &n
			break
		}
	}
	a.Recommendations = frostRecommendations(a)
	return a
}

func frostRecommendations(a FrostAdvice) []string {
	var recs []string
	switch a.Risk {
	case FrostDangerous:
		recs = append(recs, fmt.Sprintf("Air at %.1f C; irrigation water will freeze on the crop. Do not irrigate.", a.Temperature))
	case FrostAvoid:
		recs = append(recs, fmt.Sprintf("Air at %.1f C; avoid irrigating until temperatures rise.", a.Temperature))
	case FrostCaution:
		recs = append(recs, "Cool conditions; irrigate late morning or early afternoon only.")
	default:
		recs = append(recs, "No frost risk for irrigation.")
	}
	if !a.Safe && a.HoursUntilSafe != nil {
		recs = append(recs, fmt.Sprintf("Safe to irrigate in about %d hours.", *a.HoursUntilSafe))
	}
	if a.SoilTemperature <= LightFrost {
		recs = append(recs, fmt.Sprintf("Soil surface at %.1f C; prefer drip over sprinklers.", a.SoilTemperature))
	}
	return recs
}
