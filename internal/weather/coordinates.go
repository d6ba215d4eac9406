package weather

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errBadCoordinates = errors.New("coordinates must be \"lat,lon\" within valid ranges")

// ParseCoordinates parses "lat,lon". An empty string yields nil.
func ParseCoordinates(s string) (*Coordinates, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, errBadCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadCoordinates, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadCoordinates, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, errBadCoordinates
	}
	return &Coordinates{Latitude: lat, Longitude: lon}, nil
}

// resolveCoordinate picks a field's fetch point: its own coordinates, then the
// first associated well with coordinates, then the geocoded location text, then
// the configured default. ok is false when nothing applies.
func (s *SyncService) resolveCoordinate(ctx context.Context, f Field) (FieldCoordinate, bool) {
	fc := FieldCoordinate{FieldID: f.ID, FieldName: f.Name}
	set := func(c Coordinates, src CoordinateSource) (FieldCoordinate, bool) {
		fc.Latitude, fc.Longitude, fc.Source = c.Latitude, c.Longitude, src
		return fc, true
	}

	if c, ok := f.Coordinates(); ok {
		return set(c, CoordinateFromField)
	}

	for _, wellID := range f.WellIDs {
		w, err := s.store.GetWell(ctx, wellID)
		if err != nil {
			s.logger.Debug("well lookup failed", "field_id", f.ID, "well_id", wellID, "error", err)
			continue
		}
		if c, ok := w.Coordinates(); ok {
			return set(c, CoordinateFromWell)
		}
	}

	if s.geocoder != nil && strings.TrimSpace(f.Location) != "" {
		c, err := s.geocoder.Geocode(ctx, f.Location)
		if err == nil {
			return set(c, CoordinateFromGeocoder)
		}
		s.logger.Warn("geocoding failed", "field_id", f.ID, "location", f.Location, "error", err)
	}

	if s.cfg.DefaultCoordinates != nil {
		return set(*s.cfg.DefaultCoordinates, CoordinateFromDefault)
	}
	return fc, false
}
