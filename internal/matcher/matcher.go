package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type DriverSource interface {
	Get(id string) (models.Driver, error)
	ListOnline() []models.Driver
}

// Candidate is a driver eligible for a ride request.
type Candidate struct {
	Driver         models.Driver
	DistanceMeters float64
	ETASeconds     float64
}

// Service selects candidate drivers for a pickup point. It never mutates
// ride or driver state.
//
// The candidate set is every online, approved driver. Candidates are
// ordered nearest first; TopN > 0 caps the set and RadiusMeters > 0 drops
// drivers farther than that from the pickup. When Geo is set it is used as
// the spatial index and the registry only filters eligibility.
type Service struct {
	Drivers      DriverSource
	Geo          geo.Geo        // optional
	ETA          *eta.Estimator // optional
	TopN         int
	RadiusMeters float64
	Logger       *slog.Logger
}

func (s *Service) FindCandidates(ctx context.Context, lat, lng float64) []Candidate {
	start := time.Now()
	var out []Candidate
	if s.Geo != nil {
		pts, err := s.Geo.Nearby(ctx, lat, lng, 0)
		if err == nil {
			out = s.fromIndex(pts)
		} else {
			s.logger().Warn("geo lookup failed, scanning registry", "error", err)
			out = s.fromRegistry(lat, lng)
		}
	} else {
		out = s.fromRegistry(lat, lng)
	}
	if s.RadiusMeters > 0 {
		out = withinRadius(out, s.RadiusMeters)
	}
	if s.TopN > 0 && len(out) > s.TopN {
		out = out[:s.TopN]
	}
	pickup := models.Coord{Lat: lat, Lng: lng}
	for i := range out {
		if out[i].Driver.Location == nil {
			continue
		}
		if s.ETA != nil {
			out[i].ETASeconds = s.ETA.Estimate(*out[i].Driver.Location, pickup)
		} else {
			out[i].ETASeconds = eta.EstimateSeconds(*out[i].Driver.Location, pickup, 0)
		}
	}
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchCandidates.Observe(float64(len(out)))
	return out
}

func (s *Service) fromIndex(pts []geo.Point) []Candidate {
	out := make([]Candidate, 0, len(pts))
	for _, p := range pts {
		d, err := s.Drivers.Get(p.ID)
		if err != nil || !d.Dispatchable() {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceMeters: p.DistanceMeters})
	}
	return out
}

func (s *Service) fromRegistry(lat, lng float64) []Candidate {
	online := s.Drivers.ListOnline()
	out := make([]Candidate, 0, len(online))
	for _, d := range online {
		if !d.Dispatchable() || d.Location == nil {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceMeters: geo.Haversine(lat, lng, d.Location.Lat, d.Location.Lng)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].Driver.ID < out[j].Driver.ID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out
}

// withinRadius keeps the prefix of the distance-ordered candidates.
func withinRadius(cs []Candidate, radius float64) []Candidate {
	for i, c := range cs {
		if c.DistanceMeters > radius {
			return cs[:i]
		}
	}
	return cs
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
