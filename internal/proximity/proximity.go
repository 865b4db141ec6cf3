package proximity

import (
	"math"
	"sort"

	"github.com/example/marketplace-dispatch/internal/models"
)

// DefaultRadiusMeters is a generous urban+exurban search bound.
const DefaultRadiusMeters = 60_000

// Ranked is one candidate with its great-circle distance from the
// search origin.
type Ranked struct {
	models.AgentPresence
	DistanceMeters float64
}

// Nearby ranks the on-duty agents in the snapshot by distance from
// origin, dropping anything outside radiusMeters. Pure function over the
// snapshot; ties break on agent id so results are deterministic.
func Nearby(origin models.Coord, radiusMeters float64, snapshot []models.AgentPresence) []Ranked {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	out := make([]Ranked, 0, len(snapshot))
	for _, p := range snapshot {
		d := Haversine(origin.Lat, origin.Lon, p.Position.Lat, p.Position.Lon)
		if d > radiusMeters {
			continue
		}
		out = append(out, Ranked{AgentPresence: p, DistanceMeters: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// All ranks every agent in the snapshot without a radius cut. Used for
// broadcast-style searches where distance filtering is not wanted.
func All(origin models.Coord, snapshot []models.AgentPresence) []Ranked {
	return Nearby(origin, math.Inf(1), snapshot)
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
