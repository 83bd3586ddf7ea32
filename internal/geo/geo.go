// Package geo decides whether a reported position lies inside a tenant's
// geofence.
package geo

import (
	"math"

	"presencewatch/internal/model"
)

// EarthRadiusMeters is the mean spherical radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

type Result struct {
	WithinBounds   bool    `json:"within_bounds"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b model.Coordinates) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLng := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// rounding can push h just outside [0,1] near the antipode
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Validate checks reported against the tenant geofence. With no site center
// configured every position is accepted at distance 0.
func Validate(reported model.Coordinates, cfg model.TenantConfiguration) Result {
	if !cfg.GeofenceEnabled() {
		return Result{WithinBounds: true}
	}
	d := Distance(reported, *cfg.SiteCenter)
	return Result{
		WithinBounds:   d <= cfg.GeofenceRadiusMeters,
		DistanceMeters: d,
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
