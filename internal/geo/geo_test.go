package geo

import (
	"context"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, "far", 1, 1)
	_ = g.Upsert(ctx, "near", 0.01, 0.01)
	_ = g.Upsert(ctx, "mid", 0.5, 0.5)

	all, _ := g.Nearby(ctx, 0, 0, 0)
	if len(all) != 3 || all[0].ID != "near" || all[1].ID != "mid" || all[2].ID != "far" {
		t.Fatalf("unexpected order %+v", all)
	}
	top, _ := g.Nearby(ctx, 0, 0, 1)
	if len(top) != 1 || top[0].ID != "near" {
		t.Fatalf("unexpected top %+v", top)
	}
}

func TestIndexUpsertMoves(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, "d1", 1, 1)
	_ = g.Upsert(ctx, "d1", 0, 0)
	pts, _ := g.Nearby(ctx, 0, 0, 0)
	if len(pts) != 1 || pts[0].DistanceMeters != 0 {
		t.Fatalf("unexpected %+v", pts)
	}
}

func TestRedisSearchRadius(t *testing.T) {
	cases := map[float64]float64{
		0:          EarthSpanMeters,
		-1:         EarthSpanMeters,
		5000:       5000,
		30_000_000: EarthSpanMeters,
	}
	for in, want := range cases {
		if got := searchRadius(in); got != want {
			t.Errorf("searchRadius(%v) = %v, want %v", in, got, want)
		}
	}
	if r := NewRedisGeo("localhost:0", "", "k"); r.Radius != 0 {
		t.Fatalf("default radius = %v", r.Radius)
	}
}

func TestEarthSpanCoversAntipodes(t *testing.T) {
	if d := Haversine(0, 0, 0, 180); d > EarthSpanMeters {
		t.Fatalf("antipodal distance %f exceeds %d", d, EarthSpanMeters)
	}
}
