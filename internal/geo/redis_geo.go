package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/coupon-reminders/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. Names and addresses
// live in one hash beside the geo set, keyed by business id.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

type businessMeta struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

// Load rewrites the geo set and the metadata hash in one transaction, so
// businesses that left the catalog leave no keys behind.
func (r *RedisGeo) Load(ctx context.Context, businesses []models.BusinessLocation) error {
	locs := make([]*redis.GeoLocation, 0, len(businesses))
	meta := make(map[string]interface{}, len(businesses))
	for _, b := range businesses {
		locs = append(locs, &redis.GeoLocation{Name: b.ID, Longitude: b.Coordinates.Lon, Latitude: b.Coordinates.Lat})
		raw, err := json.Marshal(businessMeta{Name: b.Name, Address: b.Address})
		if err != nil {
			return fmt.Errorf("encode business %s: %w", b.ID, err)
		}
		meta[b.ID] = raw
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key, r.metaKey())
		if len(locs) == 0 {
			return nil
		}
		pipe.GeoAdd(ctx, r.key, locs...)
		pipe.HSet(ctx, r.metaKey(), meta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load businesses into %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, loc models.Coordinate, maxRadiusMiles float64) ([]models.NearbyBusiness, error) {
	res, err := r.client.GeoRadius(ctx, r.key, loc.Lon, loc.Lat, &redis.GeoRadiusQuery{
		Radius:    maxRadiusMiles,
		Unit:      "mi",
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius %s: %w", r.key, err)
	}
	if len(res) == 0 {
		return []models.NearbyBusiness{}, nil
	}

	ids := make([]string, len(res))
	for i, g := range res {
		ids[i] = g.Name
	}
	// metadata is cosmetic; a failed lookup still yields usable candidates
	vals, err := r.client.HMGet(ctx, r.metaKey(), ids...).Result()
	if err != nil {
		vals = nil
	}

	out := make([]models.NearbyBusiness, 0, len(res))
	for i, g := range res {
		b := models.BusinessLocation{
			ID:          g.Name,
			Coordinates: models.Coordinate{Lat: g.Latitude, Lon: g.Longitude},
		}
		if i < len(vals) {
			applyMeta(&b, vals[i])
		}
		out = append(out, models.NearbyBusiness{Business: b, DistanceMiles: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) metaKey() string { return r.key + ":meta" }

// applyMeta fills name and address from one HMGET value. Missing or
// undecodable values leave b untouched.
func applyMeta(b *models.BusinessLocation, v interface{}) {
	s, ok := v.(string)
	if !ok {
		return
	}
	var m businessMeta
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return
	}
	b.Name = m.Name
	b.Address = m.Address
}
