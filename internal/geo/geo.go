package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/coupon-reminders/internal/models"
)

// EarthRadiusMiles is the mean Earth radius used for great-circle distances.
const EarthRadiusMiles = 3959.0

// Index is the minimal interface required by the matcher.
type Index interface {
	Load(ctx context.Context, businesses []models.BusinessLocation) error
	Nearby(ctx context.Context, loc models.Coordinate, maxRadiusMiles float64) ([]models.NearbyBusiness, error)
}

// DistanceMiles is the haversine distance between a and b in miles.
func DistanceMiles(a, b models.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMiles * c
}

// Nearby returns the businesses within maxRadiusMiles of loc, unsorted.
func Nearby(loc models.Coordinate, businesses []models.BusinessLocation, maxRadiusMiles float64) []models.NearbyBusiness {
	out := make([]models.NearbyBusiness, 0)
	for _, b := range businesses {
		d := DistanceMiles(loc, b.Coordinates)
		if d <= maxRadiusMiles {
			out = append(out, models.NearbyBusiness{Business: b, DistanceMiles: d})
		}
	}
	return out
}

// ScanIndex keeps businesses in memory and answers Nearby with a full scan.
// Fine for a single user's coupon book; swap for RedisGeo when the set grows.
type ScanIndex struct {
	mu         sync.RWMutex
	businesses []models.BusinessLocation
}

func NewScanIndex() *ScanIndex {
	return &ScanIndex{}
}

// Load replaces the indexed set.
func (g *ScanIndex) Load(_ context.Context, businesses []models.BusinessLocation) error {
	next := make([]models.BusinessLocation, len(businesses))
	copy(next, businesses)
	g.mu.Lock()
	g.businesses = next
	g.mu.Unlock()
	return nil
}

func (g *ScanIndex) Nearby(_ context.Context, loc models.Coordinate, maxRadiusMiles float64) ([]models.NearbyBusiness, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Nearby(loc, g.businesses, maxRadiusMiles), nil
}
