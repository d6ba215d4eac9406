package weather

import (
	"time"

	"github.com/i474232898/farm-weather/internal/agronomy"
)

// SourceOpenMeteo tags rows fetched from Open-Meteo.
const SourceOpenMeteo = "open-meteo"

// CoordinateSource tells where a field's sync coordinate came from.
type CoordinateSource string

const (
	CoordinateFromField    CoordinateSource = "field"
	CoordinateFromWell     CoordinateSource = "well"
	CoordinateFromGeocoder CoordinateSource = "geocoder"
	CoordinateFromDefault  CoordinateSource = "default"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Crop is a planting on a field. The most recently planted non-harvested crop is the active one.
type Crop struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	PlantedDate time.Time                `json:"plantedDate"`
	Status      string                   `json:"status"`
	Kc          *agronomy.KcValues       `json:"kc,omitempty"`
	Stages      *agronomy.StageDurations `json:"stageDurations,omitempty"`
}

// Field is a plot with optional coordinates, soil parameters and an active crop.
type Field struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Location  string   `json:"location,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	SoilType  string   `json:"soilType,omitempty"`
	// WaterHoldingCapacity overrides the soil type's capacity, in mm/m.
	WaterHoldingCapacity *float64 `json:"waterHoldingCapacity,omitempty"`
	OwnerIDs             []string `json:"ownerIds,omitempty"`
	WellIDs              []string `json:"wellIds,omitempty"`
	ActiveCrop           *Crop    `json:"activeCrop,omitempty"`
}

// Coordinates returns the field's own point when both parts are set.
func (f Field) Coordinates() (Coordinates, bool) {
	if f.Latitude == nil || f.Longitude == nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *f.Latitude, Longitude: *f.Longitude}, true
}

// Well is a water source connected to one or more fields.
type Well struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	DepthM    float64  `json:"depth,omitempty"`
	Capacity  float64  `json:"capacity,omitempty"`
	Status    string   `json:"status,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	FieldIDs  []string `json:"fieldIds,omitempty"`
}

// Coordinates returns the well's point when both parts are set.
func (w Well) Coordinates() (Coordinates, bool) {
	if w.Latitude == nil || w.Longitude == nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *w.Latitude, Longitude: *w.Longitude}, true
}

// FieldCoordinate is a field resolved to a point for fetching.
type FieldCoordinate struct {
	FieldID   string           `json:"fieldId"`
	FieldName string           `json:"fieldName"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Source    CoordinateSource `json:"source"`
}

// HourlyRecord is one hourly weather snapshot. (FieldID, Timestamp) is unique.
type HourlyRecord struct {
	FieldID            string    `json:"fieldId"`
	Source             string    `json:"source"`
	Timestamp          time.Time `json:"timestamp"` // always UTC
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Timezone           string    `json:"timezone,omitempty"`
	Temperature        *float64  `json:"temperature2m,omitempty"`
	RelativeHumidity   *float64  `json:"relativeHumidity2m,omitempty"`
	Precipitation      *float64  `json:"precipitationMm,omitempty"`
	WindSpeed          *float64  `json:"windSpeed10m,omitempty"`
	WindDirection      *float64  `json:"windDirection10m,omitempty"`
	WindGusts          *float64  `json:"windGusts10m,omitempty"`
	ShortwaveRadiation *float64  `json:"shortwaveRadiation,omitempty"`
	ET0                *float64  `json:"et0FaoEvapotranspiration,omitempty"`
	VapourPressureDef  *float64  `json:"vapourPressureDeficit,omitempty"`
	SoilTemperature0cm *float64  `json:"soilTemperature0cm,omitempty"`
	SoilMoisture0to1cm *float64  `json:"soilMoisture0to1cm,omitempty"`
}

// DailyRecord is one daily aggregate. Date is midnight UTC of the local calendar
// day; (FieldID, Date) is unique.
type DailyRecord struct {
	FieldID               string    `json:"fieldId"`
	Source                string    `json:"source"`
	Date                  time.Time `json:"date"`
	Latitude              float64   `json:"latitude"`
	Longitude             float64   `json:"longitude"`
	Timezone              string    `json:"timezone,omitempty"`
	TMax                  *float64  `json:"tMaxC,omitempty"`
	TMin                  *float64  `json:"tMinC,omitempty"`
	TMean                 *float64  `json:"tMeanC,omitempty"`
	PrecipitationSum      *float64  `json:"precipitationSumMm,omitempty"`
	PrecipitationProbMax  *float64  `json:"rainfallProbability,omitempty"`
	ShortwaveRadiationSum *float64  `json:"shortwaveRadiationSum,omitempty"`
	ET0                   *float64  `json:"et0FaoEvapotranspiration,omitempty"`
	WindSpeedMax          *float64  `json:"windSpeed10mMax,omitempty"`
	WindDirectionDominant *float64  `json:"windDirection10mDominant,omitempty"`
	WindGustsMax          *float64  `json:"windGusts10mMax,omitempty"`
	VapourPressureDefMax  *float64  `json:"vapourPressureDeficitMax,omitempty"`
	DaylightSeconds       *float64  `json:"daylightDuration,omitempty"`
}

// DailyFeature is the derived agro view of one field-day. (FieldID, Date) is unique.
type DailyFeature struct {
	FieldID           string         `json:"fieldId"`
	Date              time.Time      `json:"date"`
	CropID            string         `json:"cropId,omitempty"`
	GDD               *float64       `json:"gdd,omitempty"`
	GDDCumulative     *float64       `json:"gddCumulative,omitempty"`
	ETc               *float64       `json:"etcMm,omitempty"`
	ETcCumulative     *float64       `json:"etcCumulative,omitempty"`
	WaterBalance      *float64       `json:"waterBalanceMm,omitempty"`
	RainfallMm        float64        `json:"rainfallMm"`
	IrrigationMm      float64        `json:"irrigationMm"`
	VPDMax            *float64       `json:"vpdMax,omitempty"`
	HeatStressHours   int            `json:"heatStressHours"`
	FrostHours        int            `json:"frostHours"`
	Stage             agronomy.Stage `json:"phenologyStage,omitempty"`
	Kc                float64        `json:"kcFactor"`
	DaysAfterPlanting *int           `json:"daysAfterPlanting,omitempty"`
	Recommendations   []string       `json:"recommendations,omitempty"`
}

// LocationBatch is one provider location's normalized series.
type LocationBatch struct {
	Latitude         float64        `json:"latitude"`
	Longitude        float64        `json:"longitude"`
	Timezone         string         `json:"timezone"`
	UTCOffsetSeconds int            `json:"utcOffsetSeconds"`
	Hourly           []HourlyRecord `json:"hourly"`
	Daily            []DailyRecord  `json:"daily"`
}

// Location returns the batch's fixed-offset zone.
func (b LocationBatch) Location() *time.Location {
	return time.FixedZone(b.Timezone, b.UTCOffsetSeconds)
}

// FetchResult is the per-field outcome of a batch fetch: a batch on success,
// an error otherwise.
type FetchResult struct {
	FieldID string
	Batch   *LocationBatch
	Err     error
}

// UpsertCounts reports rows written for one field.
type UpsertCounts struct {
	Hourly   int
	Daily    int
	Features int
}
