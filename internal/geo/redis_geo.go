package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EarthSpanMeters covers any two points on the globe.
const EarthSpanMeters = 20_040_000

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
	// Radius bounds Nearby queries, in meters. Zero means unbounded.
	Radius float64
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, lat, lng float64) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: id}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(id), map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lng float64, limit int) ([]Point, error) {
	q := &redis.GeoRadiusQuery{Radius: searchRadius(r.Radius), Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(res))
	for _, g := range res {
		out = append(out, Point{ID: g.Name, Lat: g.Latitude, Lng: g.Longitude, DistanceMeters: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func searchRadius(radius float64) float64 {
	if radius <= 0 || radius > EarthSpanMeters {
		return EarthSpanMeters
	}
	return radius
}

func MetaKey(id string) string { return "driver:meta:" + id }
