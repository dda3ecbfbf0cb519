// Package geo indexes online driver positions so the simulator can offer
// rides to the nearest drivers first.
package geo

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Candidate is one driver ranked by distance from a pickup point.
type Candidate struct {
	DriverID   int64
	DistanceKM float64
}

// Index locates available drivers near a point.
type Index interface {
	Add(ctx context.Context, driverID int64, lat, lon float64) error
	Remove(ctx context.Context, driverID int64) error
	Nearest(ctx context.Context, lat, lon, radiusKM float64, count int) ([]Candidate, error)
}

// RedisIndex backs the index with a Redis GEO set.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client, key: "dispatch:drivers:geo"}
}

func (i *RedisIndex) Add(ctx context.Context, driverID int64, lat, lon float64) error {
	return i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      strconv.FormatInt(driverID, 10),
		Longitude: lon,
		Latitude:  lat,
	}).Err()
}

func (i *RedisIndex) Remove(ctx context.Context, driverID int64) error {
	return i.client.ZRem(ctx, i.key, strconv.FormatInt(driverID, 10)).Err()
}

func (i *RedisIndex) Nearest(ctx context.Context, lat, lon, radiusKM float64, count int) ([]Candidate, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(results))
	for _, res := range results {
		id, err := strconv.ParseInt(res.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceKM: res.Dist})
	}
	return out, nil
}
