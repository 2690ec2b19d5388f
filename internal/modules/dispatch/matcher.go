// README: Pure nearest-candidate selection over great-circle distance.
package dispatch

import (
	"math"

	"lifeline/internal/types"
)

const earthRadiusKm = 6371.0

// Candidate is a unit eligible for an offer: on duty, with a known live
// position. Units without a position never reach this slice.
type Candidate struct {
	UnitID types.ID
	Point  types.Point
}

// BestCandidate returns the non-excluded candidate nearest to origin and its
// distance in kilometres. The excluded set accumulates units that rejected
// or timed out on the request; they are never offered the same request
// again. Returns false when no eligible candidate remains.
func BestCandidate(origin types.Point, candidates []Candidate, excluded map[types.ID]bool) (Candidate, float64, bool) {
	var best Candidate
	bestDist := math.MaxFloat64
	found := false
	for _, c := range candidates {
		if excluded[c.UnitID] {
			continue
		}
		d := GreatCircleKm(origin, c.Point)
		if d < bestDist {
			best = c
			bestDist = d
			found = true
		}
	}
	return best, bestDist, found
}

// GreatCircleKm computes the spherical-law-of-cosines distance between two
// points in kilometres.
func GreatCircleKm(a, b types.Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)

	cosine := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(dLng)
	// Rounding can push the argument a hair outside acos's domain.
	cosine = math.Min(1, math.Max(-1, cosine))
	return earthRadiusKm * math.Acos(cosine)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
