package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Source using Redis GEO commands. Only available
// providers are kept in the GEO set; metadata lives in a hash per provider.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Upsert adds or refreshes a provider in the index. Providers that are not
// available are removed instead so GeoRadius never offers them.
func (r *RedisIndex) Upsert(ctx context.Context, p models.Provider) error {
	if p.State != models.ProviderAvailable || p.Loc == nil {
		return r.Remove(ctx, p.ID)
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.ID), map[string]interface{}{
		"category":     string(p.Category),
		"rating":       strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"rating_count": strconv.Itoa(p.RatingCount),
		"registered":   p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated":      time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, providerID string) error {
	if err := r.client.ZRem(ctx, r.key, providerID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(providerID)).Err()
}

func (r *RedisIndex) Near(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Provider, error) {
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Provider, 0, len(res))
	for _, g := range res {
		p := models.Provider{
			ID:    g.Name,
			State: models.ProviderAvailable,
			Loc:   &models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			p.Category = models.Category(m["category"])
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					p.Rating = f
				}
			}
			if v, ok := m["rating_count"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					p.RatingCount = n
				}
			}
			if v, ok := m["registered"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					p.CreatedAt = ts
				}
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(id string) string { return "provider:meta:" + id }
