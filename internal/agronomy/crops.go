// Package agronomy holds crop and soil tables and the daily agro formulas
// (growing degree days, crop coefficients, effective rainfall).
package agronomy

import (
	"sort"
	"strings"
	"sync"
)

// Stage is a FAO-56 crop growth stage.
type Stage string

const (
	StageInitial     Stage = "initial"
	StageDevelopment Stage = "development"
	StageMid         Stage = "mid"
	StageLate        Stage = "late"
)

// KcMode selects how the crop coefficient is read off the stage table.
type KcMode string

const (
	// KcStep uses the flat per-stage coefficient.
	KcStep KcMode = "step"
	// KcFAO56 interpolates linearly across the development and late stages.
	KcFAO56 KcMode = "fao56"
)

// StageDurations are stage lengths in days.
type StageDurations struct {
	Initial     int `json:"initial"`
	Development int `json:"development"`
	Mid         int `json:"mid"`
	Late        int `json:"late"`
}

// Total is the season length in days.
func (d StageDurations) Total() int {
	return d.Initial + d.Development + d.Mid + d.Late
}

// KcValues are the crop coefficients per stage.
type KcValues struct {
	Initial     float64 `json:"initial"`
	Development float64 `json:"development"`
	Mid         float64 `json:"mid"`
	Late        float64 `json:"late"`
}

func (k KcValues) forStage(s Stage) float64 {
	switch s {
	case StageInitial:
		return k.Initial
	case StageDevelopment:
		return k.Development
	case StageMid:
		return k.Mid
	default:
		return k.Late
	}
}

// GDDTargets are cumulative growing degree day milestones.
type GDDTargets struct {
	Emergence float64 `json:"emergence,omitempty"`
	Flowering float64 `json:"flowering,omitempty"`
	Maturity  float64 `json:"maturity,omitempty"`
}

// StressThresholds drive heat, frost and VPD warnings.
type StressThresholds struct {
	HighVPD    float64 `json:"highVpd"`
	HeatStress float64 `json:"heatStress"`
	Frost      float64 `json:"frost"`
}

// CropGuide is the agronomic profile of one crop.
type CropGuide struct {
	Key               string           `json:"key"`
	DisplayName       string           `json:"displayName"`
	Aliases           []string         `json:"aliases,omitempty"`
	GDDBase           float64          `json:"gddBase"`
	GDDUpper          float64          `json:"gddUpper"`
	Stages            StageDurations   `json:"stageDurations"`
	Kc                KcValues         `json:"kcValues"`
	Targets           GDDTargets       `json:"gddTargets"`
	Stress            StressThresholds `json:"stressThresholds"`
	RootDepthM        float64          `json:"rootDepthM"`
	CriticalDepletion float64          `json:"criticalDepletion"`
}

// StageFor returns the growth stage on a given day after planting. Stage K+1
// starts on the day equal to the sum of the first K durations, so the boundary
// day belongs to the later stage.
func (g CropGuide) StageFor(dap int) Stage {
	d := g.Stages
	switch {
	case dap < d.Initial:
		return StageInitial
	case dap < d.Initial+d.Development:
		return StageDevelopment
	case dap < d.Initial+d.Development+d.Mid:
		return StageMid
	default:
		return StageLate
	}
}

// KcAt returns the crop coefficient on a given day after planting.
func (g CropGuide) KcAt(dap int, mode KcMode) float64 {
	stage := g.StageFor(dap)
	if mode != KcFAO56 {
		return g.Kc.forStage(stage)
	}

	d := g.Stages
	switch stage {
	case StageDevelopment:
		if d.Development <= 0 {
			return g.Kc.Mid
		}
		progress := float64(dap-d.Initial) / float64(d.Development)
		return g.Kc.Initial + (g.Kc.Mid-g.Kc.Initial)*progress
	case StageLate:
		if d.Late <= 0 {
			return g.Kc.Late
		}
		start := d.Initial + d.Development + d.Mid
		progress := float64(dap-start) / float64(d.Late)
		if progress > 1 {
			progress = 1
		}
		return g.Kc.Mid + (g.Kc.Late-g.Kc.Mid)*progress
	case StageMid:
		return g.Kc.Mid
	default:
		return g.Kc.Initial
	}
}

// WithOverrides returns a copy of g using the planting's own Kc curve or stage
// durations when they are fully specified.
func (g CropGuide) WithOverrides(kc *KcValues, stages *StageDurations) CropGuide {
	if kc != nil && kc.Initial > 0 && kc.Mid > 0 {
		g.Kc = *kc
	}
	if stages != nil && stages.Total() > 0 {
		g.Stages = *stages
	}
	return g
}

// GenericGuide is used when a crop name matches no guide.
var GenericGuide = CropGuide{
	Key:               "generic",
	DisplayName:       "Generic crop",
	GDDBase:           0,
	GDDUpper:          50,
	Stages:            StageDurations{Initial: 20, Development: 30, Mid: 40, Late: 30},
	Kc:                KcValues{Initial: 0.4, Development: 0.7, Mid: 1.15, Late: 0.8},
	Stress:            StressThresholds{HighVPD: 2.0, HeatStress: 35, Frost: 0},
	RootDepthM:        1.0,
	CriticalDepletion: 0.5,
}

var builtinGuides = []CropGuide{
	{
		Key: "corn", DisplayName: "Corn", Aliases: []string{"misir", "maize", "silage corn", "sweet corn"},
		GDDBase: 10, GDDUpper: 30,
		Stages:  StageDurations{Initial: 20, Development: 30, Mid: 40, Late: 30},
		Kc:      KcValues{Initial: 0.4, Development: 0.75, Mid: 1.15, Late: 0.6},
		Targets: GDDTargets{Emergence: 80, Flowering: 750, Maturity: 1200},
		Stress:  StressThresholds{HighVPD: 1.6, HeatStress: 32, Frost: 0},
		RootDepthM: 1.8, CriticalDepletion: 0.55,
	},
	{
		Key: "wheat", DisplayName: "Wheat", Aliases: []string{"bugday", "winter wheat"},
		GDDBase: 0, GDDUpper: 26,
		Stages:  StageDurations{Initial: 25, Development: 40, Mid: 50, Late: 35},
		Kc:      KcValues{Initial: 0.35, Development: 0.75, Mid: 1.05, Late: 0.3},
		Targets: GDDTargets{Emergence: 150, Flowering: 780, Maturity: 1600},
		Stress:  StressThresholds{HighVPD: 1.4, HeatStress: 30, Frost: -4},
		RootDepthM: 1.5, CriticalDepletion: 0.55,
	},
	{
		Key: "sunflower", DisplayName: "Sunflower", Aliases: []string{"aycicegi"},
		GDDBase: 8, GDDUpper: 30,
		Stages:  StageDurations{Initial: 20, Development: 25, Mid: 35, Late: 25},
		Kc:      KcValues{Initial: 0.35, Development: 0.75, Mid: 1.1, Late: 0.5},
		Targets: GDDTargets{Emergence: 90, Flowering: 600, Maturity: 1100},
		Stress:  StressThresholds{HighVPD: 1.8, HeatStress: 34, Frost: 0},
		RootDepthM: 1.2, CriticalDepletion: 0.45,
	},
	{
		Key: "cotton", DisplayName: "Cotton", Aliases: []string{"pamuk"},
		GDDBase: 15, GDDUpper: 32,
		Stages:  StageDurations{Initial: 25, Development: 35, Mid: 45, Late: 30},
		Kc:      KcValues{Initial: 0.35, Development: 0.7, Mid: 1.2, Late: 0.6},
		Targets: GDDTargets{Emergence: 160, Flowering: 850, Maturity: 1600},
		Stress:  StressThresholds{HighVPD: 1.9, HeatStress: 35, Frost: 5},
		RootDepthM: 1.7, CriticalDepletion: 0.65,
	},
	{
		Key: "tomato", DisplayName: "Tomato", Aliases: []string{"domates"},
		GDDBase: 10, GDDUpper: 32,
		Stages:  StageDurations{Initial: 20, Development: 25, Mid: 45, Late: 30},
		Kc:      KcValues{Initial: 0.6, Development: 0.9, Mid: 1.15, Late: 0.8},
		Targets: GDDTargets{Emergence: 120, Flowering: 650, Maturity: 1100},
		Stress:  StressThresholds{HighVPD: 1.3, HeatStress: 32, Frost: 2},
		RootDepthM: 0.7, CriticalDepletion: 0.40,
	},
	{
		Key: "potato", DisplayName: "Potato", Aliases: []string{"patates"},
		GDDBase: 7, GDDUpper: 30,
		Stages: StageDurations{Initial: 25, Development: 30, Mid: 30, Late: 30},
		Kc:     KcValues{Initial: 0.5, Development: 0.75, Mid: 1.10, Late: 0.85},
		Stress: StressThresholds{HighVPD: 1.5, HeatStress: 30, Frost: 0},
		RootDepthM: 0.6, CriticalDepletion: 0.35,
	},
	{
		Key: "apple", DisplayName: "Apple", Aliases: []string{"elma"},
		GDDBase: 4.5, GDDUpper: 32,
		Stages: StageDurations{Initial: 30, Development: 50, Mid: 90, Late: 30},
		Kc:     KcValues{Initial: 0.45, Development: 0.6, Mid: 0.95, Late: 0.75},
		Stress: StressThresholds{HighVPD: 2.0, HeatStress: 35, Frost: -2},
		RootDepthM: 2.0, CriticalDepletion: 0.50,
	},
	{
		Key: "grape", DisplayName: "Grape", Aliases: []string{"uzum", "vineyard"},
		GDDBase: 10, GDDUpper: 35,
		Stages: StageDurations{Initial: 20, Development: 40, Mid: 60, Late: 40},
		Kc:     KcValues{Initial: 0.3, Development: 0.5, Mid: 0.70, Late: 0.45},
		Stress: StressThresholds{HighVPD: 2.2, HeatStress: 36, Frost: -1},
		RootDepthM: 1.5, CriticalDepletion: 0.45,
	},
	{
		Key: "rice", DisplayName: "Rice", Aliases: []string{"pirinc", "paddy"},
		GDDBase: 10, GDDUpper: 35,
		Stages: StageDurations{Initial: 30, Development: 30, Mid: 60, Late: 30},
		Kc:     KcValues{Initial: 1.05, Development: 1.10, Mid: 1.20, Late: 0.90},
		Stress: StressThresholds{HighVPD: 1.8, HeatStress: 35, Frost: 10},
		RootDepthM: 0.5, CriticalDepletion: 0.20,
	},
	{
		Key: "cucumber", DisplayName: "Cucumber", Aliases: []string{"salatalik"},
		GDDBase: 10, GDDUpper: 32,
		Stages: StageDurations{Initial: 20, Development: 30, Mid: 30, Late: 15},
		Kc:     KcValues{Initial: 0.6, Development: 0.8, Mid: 1.00, Late: 0.75},
		Stress: StressThresholds{HighVPD: 1.3, HeatStress: 32, Frost: 4},
		RootDepthM: 0.8, CriticalDepletion: 0.50,
	},
}

// Catalog indexes crop guides by key, display name and alias.
type Catalog struct {
	mu     sync.RWMutex
	guides map[string]CropGuide
	index  map[string]string
}

// NewCatalog builds a catalog from guides. Later guides replace earlier ones with the same key.
func NewCatalog(guides ...CropGuide) *Catalog {
	c := &Catalog{
		guides: make(map[string]CropGuide),
		index:  make(map[string]string),
	}
	c.Merge(guides...)
	return c
}

// DefaultCatalog holds the built-in crop guides.
func DefaultCatalog() *Catalog {
	return NewCatalog(builtinGuides...)
}

// Merge adds or replaces guides.
func (c *Catalog) Merge(guides ...CropGuide) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range guides {
		key := normalize(g.Key)
		if key == "" {
			continue
		}
		g.Key = key
		c.guides[key] = g
		c.index[key] = key
		if dn := normalize(g.DisplayName); dn != "" {
			c.index[dn] = key
		}
		for _, a := range g.Aliases {
			if a = normalize(a); a != "" {
				c.index[a] = key
			}
		}
	}
}

// Lookup finds a guide by key, display name or alias, case-insensitively.
func (c *Catalog) Lookup(name string) (CropGuide, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.index[normalize(name)]
	if !ok {
		return CropGuide{}, false
	}
	return c.guides[key], true
}

// Resolve is Lookup with GenericGuide as the fallback.
func (c *Catalog) Resolve(name string) CropGuide {
	if g, ok := c.Lookup(name); ok {
		return g
	}
	return GenericGuide
}

// Keys lists guide keys in sorted order.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.guides))
	for k := range c.guides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
