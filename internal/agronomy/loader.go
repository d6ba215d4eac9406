package agronomy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var errMissingColumn = errors.New("crop table: missing required column")

// LoadCatalog returns the built-in catalog with the guides from path merged on
// top. An empty path returns the built-ins. Supported formats are .csv and .xlsx.
//
// Required columns: key, initial_days, development_days, mid_days, late_days,
// kc_initial, kc_development, kc_mid, kc_late. Optional: display_name, aliases
// (separated by |), gdd_base, gdd_upper, root_depth_m, critical_depletion,
// high_vpd, heat_stress, frost.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}

	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("crop table: unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	guides, err := parseGuideRows(rows)
	if err != nil {
		return nil, fmt.Errorf("crop table %s: %w", path, err)
	}
	c.Merge(guides...)
	return c, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSVFrom(f)
}

func readCSVFrom(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func readXLSX(path string) ([][]string, error) {
	x, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer x.Close()
	sheet := x.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("crop table: workbook has no sheets")
	}
	return x.GetRows(sheet)
}

func parseGuideRows(rows [][]string) ([]CropGuide, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int)
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"key", "initial_days", "development_days", "mid_days", "late_days",
		"kc_initial", "kc_development", "kc_mid", "kc_late"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("%w: %s", errMissingColumn, req)
		}
	}

	var guides []CropGuide
	for n, rec := range rows[1:] {
		get := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}
		num := func(name string, def float64) float64 {
			v, err := strconv.ParseFloat(get(name), 64)
			if err != nil {
				return def
			}
			return v
		}
		days := func(name string) int {
			v, _ := strconv.Atoi(get(name))
			return v
		}

		key := get("key")
		if key == "" {
			continue // blank line
		}
		g := CropGuide{
			Key:         key,
			DisplayName: get("display_name"),
			GDDBase:     num("gdd_base", GenericGuide.GDDBase),
			GDDUpper:    num("gdd_upper", GenericGuide.GDDUpper),
			Stages: StageDurations{
				Initial:     days("initial_days"),
				Development: days("development_days"),
				Mid:         days("mid_days"),
				Late:        days("late_days"),
			},
			Kc: KcValues{
				Initial:     num("kc_initial", 0),
				Development: num("kc_development", 0),
				Mid:         num("kc_mid", 0),
				Late:        num("kc_late", 0),
			},
			Stress: StressThresholds{
				HighVPD:    num("high_vpd", GenericGuide.Stress.HighVPD),
				HeatStress: num("heat_stress", GenericGuide.Stress.HeatStress),
				Frost:      num("frost", GenericGuide.Stress.Frost),
			},
			RootDepthM:        num("root_depth_m", GenericGuide.RootDepthM),
			CriticalDepletion: num("critical_depletion", GenericGuide.CriticalDepletion),
		}
		if aliases := get("aliases"); aliases != "" {
			g.Aliases = strings.Split(aliases, "|")
		}
		if g.Stages.Total() <= 0 || g.Kc.Mid <= 0 {
			return nil, fmt.Errorf("row %d (%s): stage durations and kc_mid must be positive", n+2, key)
		}
		guides = append(guides, g)
	}
	return guides, nil
}
