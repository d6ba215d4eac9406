package agronomy

import "strings"

// SoilProfile describes how much water a soil holds.
type SoilProfile struct {
	Type string `json:"type"`
	// WaterHoldingCapacity in mm of water per metre of soil.
	WaterHoldingCapacity float64 `json:"waterHoldingCapacity"`
	// InfiltrationRate in mm per hour.
	InfiltrationRate float64 `json:"infiltrationRate"`
}

var soils = map[string]SoilProfile{
	"CLAY":  {Type: "CLAY", WaterHoldingCapacity: 200, InfiltrationRate: 2},
	"LOAM":  {Type: "LOAM", WaterHoldingCapacity: 170, InfiltrationRate: 8},
	"SANDY": {Type: "SANDY", WaterHoldingCapacity: 100, InfiltrationRate: 20},
	"SILT":  {Type: "SILT", WaterHoldingCapacity: 180, InfiltrationRate: 5},
}

// SoilFor returns the profile for a soil type, falling back to fallback and then LOAM.
func SoilFor(soilType, fallback string) SoilProfile {
	if s, ok := soils[strings.ToUpper(strings.TrimSpace(soilType))]; ok {
		return s
	}
	if s, ok := soils[strings.ToUpper(strings.TrimSpace(fallback))]; ok {
		return s
	}
	return soils["LOAM"]
}

// TotalAvailableWater is the root-zone water store in mm.
func TotalAvailableWater(soil SoilProfile, guide CropGuide) float64 {
	return soil.WaterHoldingCapacity * guide.RootDepthM
}

// ReadilyAvailableWater is the depletion in mm at which the crop starts to stress.
func ReadilyAvailableWater(soil SoilProfile, guide CropGuide) float64 {
	return TotalAvailableWater(soil, guide) * guide.CriticalDepletion
}

// EffectiveRainfall applies the USDA-SCS daily rule to a rainfall depth in mm.
func EffectiveRainfall(mm float64) float64 {
	switch {
	case mm <= 0:
		return 0
	case mm < 5:
		return mm * 0.9
	case mm < 15:
		return 4.5 + (mm-5)*0.8
	default:
		return 12.5 + (mm-15)*0.6
	}
}
