package geo

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Source yields candidate providers near an origin. Results are advisory:
// the matcher re-checks state, category and distance, and only the store's
// reservation finally claims a provider.
type Source interface {
	Near(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Provider, error)
}

// ProviderLister is the slice of the store the scan source needs.
type ProviderLister interface {
	ProvidersByState(ctx context.Context, state models.ProviderState) ([]models.Provider, error)
}

// StoreSource scans available providers straight out of the store.
type StoreSource struct {
	store ProviderLister
}

func NewStoreSource(s ProviderLister) *StoreSource {
	return &StoreSource{store: s}
}

// naive scan; fine at this fleet size, swap for the Redis index beyond it
func (s *StoreSource) Near(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Provider, error) {
	avail, err := s.store.ProvidersByState(ctx, models.ProviderAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]models.Provider, 0, len(avail))
	for _, p := range avail {
		if p.Loc == nil {
			continue
		}
		if DistanceKm(origin, *p.Loc) <= radiusKm {
			out = append(out, p)
		}
	}
	return out, nil
}

// DistanceKm returns the great-circle distance between a and b in
// kilometers by the haversine formula.
func DistanceKm(a, b models.Coord) float64 {
	const R = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
