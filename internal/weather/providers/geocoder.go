package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kelvins/geocoder"

	"github.com/i474232898/farm-weather/internal/weather"
)

var errEmptyLocation = errors.New("location text is empty")

// geocodeFunc matches geocoder.Geocoding so tests can stub the network call.
type geocodeFunc func(geocoder.Address) (geocoder.Location, error)

// GoogleGeocoder resolves a field's free-text location through the Google
// Geocoding API.
type GoogleGeocoder struct {
	country string
	lookup  geocodeFunc
	mu      sync.Mutex
}

// NewGoogleGeocoder configures the package-wide API key and returns a geocoder
// that biases lookups to country.
func NewGoogleGeocoder(apiKey, country string) *GoogleGeocoder {
	geocoder.ApiKey = apiKey
	return &GoogleGeocoder{country: country, lookup: geocoder.Geocoding}
}

// Geocode splits "city, district, state" style text into an address and looks it up.
func (g *GoogleGeocoder) Geocode(ctx context.Context, location string) (weather.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return weather.Coordinates{}, err
	}
	addr, err := parseAddress(location, g.country)
	if err != nil {
		return weather.Coordinates{}, err
	}

	// The library keeps its key in a package variable.
	g.mu.Lock()
	loc, err := g.lookup(addr)
	g.mu.Unlock()
	if err != nil {
		return weather.Coordinates{}, fmt.Errorf("geocode %q: %w", location, err)
	}
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return weather.Coordinates{}, fmt.Errorf("geocode %q: no result", location)
	}
	return weather.Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude}, nil
}

func parseAddress(location, country string) (geocoder.Address, error) {
	var parts []string
	for _, p := range strings.Split(location, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return geocoder.Address{}, errEmptyLocation
	}

	addr := geocoder.Address{City: parts[0], Country: country}
	switch len(parts) {
	case 1:
	case 2:
		addr.District, addr.City = parts[0], parts[1]
	default:
		addr.District, addr.City, addr.State = parts[0], parts[1], parts[2]
	}
	return addr, nil
}
