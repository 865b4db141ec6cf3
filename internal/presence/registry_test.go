package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/proximity"
)

func pos(lat, lon float64) models.Position { return models.Position{Lat: lat, Lon: lon} }

func TestOnDutyLifecycle(t *testing.T) {
	r := NewRegistry()
	require.Empty(t, r.Snapshot())

	r.SetOnDuty("a1", pos(1, 1))
	require.True(t, r.IsOnDuty("a1"))
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1.0, snap[0].Position.Lat)

	r.SetOffDuty("a1")
	require.False(t, r.IsOnDuty("a1"))
	require.Empty(t, r.Snapshot())
}

func TestOffDutyAgentNeverNearby(t *testing.T) {
	r := NewRegistry()
	r.SetOnDuty("a1", pos(0.01, 0))
	r.UpdatePosition("a1", pos(0.02, 0))
	r.SetOffDuty("a1")

	got := proximity.Nearby(models.Coord{}, proximity.DefaultRadiusMeters, r.Snapshot())
	require.Empty(t, got)
}

func TestUpdatePositionNoopWhenAbsent(t *testing.T) {
	r := NewRegistry()
	r.UpdatePosition("ghost", pos(5, 5))
	require.False(t, r.IsOnDuty("ghost"))
	require.Empty(t, r.Snapshot())
}

func TestSetOnDutyReplacesEntry(t *testing.T) {
	r := NewRegistry()
	r.SetOnDuty("a1", pos(1, 1))
	r.SetOnDuty("a1", pos(2, 2))
	snap := r.Snapshot()
	require.Len(t, snap, 1, "at most one live entry per agent")
	require.Equal(t, 2.0, snap[0].Position.Lat)
}

func TestRemoveOnDisconnect(t *testing.T) {
	r := NewRegistry()
	r.SetOnDuty("a1", pos(1, 1))
	r.Remove("a1")
	require.Empty(t, r.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.SetOnDuty("a1", pos(1, 1))
	snap := r.Snapshot()
	snap[0].Position.Lat = 99
	require.Equal(t, 1.0, r.Snapshot()[0].Position.Lat)
}
