// Package geo holds the distance and latency heuristics shared by the
// routing and scoring code.
package geo

import (
	"math"

	"github.com/relaymesh/relaymesh/pkg/model"
)

const (
	// EarthRadiusKm is the mean Earth radius used by Haversine.
	EarthRadiusKm = 6371.0

	// KmPerMs is the inter-hop propagation heuristic: 1 ms per 200 km.
	KmPerMs = 200.0
)

// HaversineKm returns the great-circle distance between a and b in
// kilometres.
func HaversineKm(a, b model.Location) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = Clamp(h, 0, 1)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// LatencyForDistanceMs converts a distance to the estimated propagation
// delay in milliseconds.
func LatencyForDistanceMs(km float64) float64 {
	if km <= 0 {
		return 0
	}
	return km / KmPerMs
}

// PathDistanceKm sums the leg distances along locs.
func PathDistanceKm(locs ...model.Location) float64 {
	var total float64
	for i := 1; i < len(locs); i++ {
		total += HaversineKm(locs[i-1], locs[i])
	}
	return total
}

// ValidLocation reports whether loc is a valid latitude/longitude pair.
func ValidLocation(loc model.Location) bool {
	if math.IsNaN(loc.Latitude) || math.IsNaN(loc.Longitude) {
		return false
	}
	return loc.Latitude >= -90 && loc.Latitude <= 90 &&
		loc.Longitude >= -180 && loc.Longitude <= 180
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
