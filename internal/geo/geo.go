package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Point is an indexed driver position, with its distance from the query
// origin when returned by Nearby.
type Point struct {
	ID             string
	Lat            float64
	Lng            float64
	DistanceMeters float64
}

// Geo is the location index used by the matcher and the location handlers.
type Geo interface {
	Upsert(ctx context.Context, id string, lat, lng float64) error
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]Point, error)
}

type Index struct {
	mu     sync.RWMutex
	points map[string]indexed
}

type indexed struct {
	lat, lng float64
	updated  time.Time
}

func NewIndex() *Index {
	return &Index{points: make(map[string]indexed)}
}

func (g *Index) Upsert(ctx context.Context, id string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = indexed{lat: lat, lng: lng, updated: time.Now()}
	return nil
}

// Nearby returns points ordered by distance. limit <= 0 returns all.
// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(ctx context.Context, lat, lng float64, limit int) ([]Point, error) {
	g.mu.RLock()
	out := make([]Point, 0, len(g.points))
	for id, p := range g.points {
		out = append(out, Point{ID: id, Lat: p.lat, Lng: p.lng, DistanceMeters: Haversine(lat, lng, p.lat, p.lng)})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].ID < out[j].ID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
