package geo

import (
	"context"
	"math"

	"github.com/circlesave/circle-matcher/internal/model"
)

// EarthRadiusKm is the spherical-earth radius used for great-circle distance.
const EarthRadiusKm = 6371.0

// Heuristic distances by shared postal-code prefix.
const (
	SameAreaKm   = 1.5
	SameRegionKm = 8.0
	UnrelatedKm  = 50.0
)

// Method records how a distance was obtained.
type Method string

// Distance methods.
const (
	MethodCoordinates Method = "coordinates"
	MethodHeuristic   Method = "heuristic"
)

// Measurement is a distance plus how it was computed.
type Measurement struct {
	Km     float64 `json:"km"`
	Method Method  `json:"method"`
}

// Haversine returns the great-circle distance in km between two points.
func Haversine(a, b model.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HeuristicDistance estimates distance from postal-code prefixes: a shared
// area (first three characters) is 1.5 km, a shared region (first
// character) 8 km, anything else 50 km. Codes shorter than three characters
// compare on what they have.
func HeuristicDistance(a, b string) float64 {
	ra := []rune(model.NormalizePostalCode(a))
	rb := []rune(model.NormalizePostalCode(b))
	if len(ra) == 0 || len(rb) == 0 {
		return UnrelatedKm
	}
	if string(ra[:min(3, len(ra))]) == string(rb[:min(3, len(rb))]) {
		return SameAreaKm
	}
	if ra[0] == rb[0] {
		return SameRegionKm
	}
	return UnrelatedKm
}

// Locator resolves a postal code to a location.
type Locator interface {
	Resolve(ctx context.Context, postalCode string) (*model.LocationEntry, error)
}

// Calculator computes distances between postal codes. It never fails:
// unresolved codes fall back to HeuristicDistance.
type Calculator struct {
	locator Locator
}

// NewCalculator creates a Calculator backed by locator.
func NewCalculator(locator Locator) *Calculator {
	return &Calculator{locator: locator}
}

// Distance returns the distance in km between two postal codes.
func (c *Calculator) Distance(ctx context.Context, a, b string) float64 {
	return c.Measure(ctx, a, b).Km
}

// Measure is Distance with the method used.
func (c *Calculator) Measure(ctx context.Context, a, b string) Measurement {
	la, errA := c.locator.Resolve(ctx, a)
	if errA == nil {
		lb, errB := c.locator.Resolve(ctx, b)
		if errB == nil {
			return Measurement{Km: Haversine(la.Coordinates, lb.Coordinates), Method: MethodCoordinates}
		}
	}
	return Measurement{Km: HeuristicDistance(a, b), Method: MethodHeuristic}
}
