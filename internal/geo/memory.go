package geo

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is the fallback when Redis is not configured.
type MemoryIndex struct {
	mu     sync.RWMutex
	coords map[int64][2]float64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{coords: make(map[int64][2]float64)}
}

func (g *MemoryIndex) Add(ctx context.Context, driverID int64, lat, lon float64) error {
	g.mu.Lock()
	g.coords[driverID] = [2]float64{lat, lon}
	g.mu.Unlock()
	return nil
}

func (g *MemoryIndex) Remove(ctx context.Context, driverID int64) error {
	g.mu.Lock()
	delete(g.coords, driverID)
	g.mu.Unlock()
	return nil
}

func (g *MemoryIndex) Nearest(ctx context.Context, lat, lon, radiusKM float64, count int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Candidate
	for id, pt := range g.coords {
		dist := haversineKM(lat, lon, pt[0], pt[1])
		if dist <= radiusKM {
			out = append(out, Candidate{DriverID: id, DistanceKM: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	calc := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(calc))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
