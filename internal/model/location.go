package model

import "time"

// Coordinates is a WGS84 latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// LocationEntry is a cached geocoding result keyed by normalized postal code.
type LocationEntry struct {
	PostalCode  string      `json:"postal_code"`
	Coordinates Coordinates `json:"coordinates"`
	City        string      `json:"city,omitempty"`
	Region      string      `json:"region,omitempty"`
	Country     string      `json:"country"`
	GeocodedAt  time.Time   `json:"geocoded_at"`
}
