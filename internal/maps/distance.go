// README: Road distance lookups via the Google Maps Directions API.
package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"lifeline/internal/types"
)

// RoadDistancer answers one-off driving-distance queries. It refines the
// great-circle ranking for the nearby-units convenience search only; offer
// matching never waits on it.
type RoadDistancer interface {
	DistanceKm(ctx context.Context, from, to types.Point) (float64, error)
}

type RouteService struct {
	client *maps.Client
}

func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// DistanceKm returns the driving distance between two points in kilometres.
func (s *RouteService) DistanceKm(ctx context.Context, from, to types.Point) (float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	meters := 0
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
	}
	return float64(meters) / 1000.0, nil
}
