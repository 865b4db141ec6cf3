package proximity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Paris -> London is roughly 344 km
	d := Haversine(48.8566, 2.3522, 51.5074, -0.1278)
	if d < 330_000 || d > 360_000 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func at(id string, lat, lon float64) models.AgentPresence {
	return models.AgentPresence{AgentID: id, Position: models.Position{Lat: lat, Lon: lon}}
}

func TestNearbySortsAscending(t *testing.T) {
	snapshot := []models.AgentPresence{
		at("far", 0.5, 0),
		at("near", 0.01, 0),
		at("mid", 0.1, 0),
	}
	got := Nearby(models.Coord{}, DefaultRadiusMeters, snapshot)
	require.Len(t, got, 3)
	require.Equal(t, "near", got[0].AgentID)
	require.Equal(t, "mid", got[1].AgentID)
	require.Equal(t, "far", got[2].AgentID)
	require.Less(t, got[0].DistanceMeters, got[1].DistanceMeters)
}

func TestNearbyDropsOutsideRadius(t *testing.T) {
	snapshot := []models.AgentPresence{
		at("in", 0.1, 0),     // ~11 km
		at("out", 1.0, 1.0),  // ~157 km
	}
	got := Nearby(models.Coord{}, DefaultRadiusMeters, snapshot)
	require.Len(t, got, 1)
	require.Equal(t, "in", got[0].AgentID)
}

func TestNearbyTieBreaksOnAgentID(t *testing.T) {
	snapshot := []models.AgentPresence{
		at("b", 0.2, 0),
		at("a", 0.2, 0),
	}
	got := Nearby(models.Coord{}, DefaultRadiusMeters, snapshot)
	require.Equal(t, "a", got[0].AgentID)
	require.Equal(t, "b", got[1].AgentID)
}

func TestAllIgnoresRadius(t *testing.T) {
	snapshot := []models.AgentPresence{
		at("antipode", -0.01, 179.9),
		at("close", 0.01, 0),
	}
	got := All(models.Coord{}, snapshot)
	require.Len(t, got, 2)
	require.Equal(t, "close", got[0].AgentID)
}
