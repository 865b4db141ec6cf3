package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/models"
)

func TestMemoryStoreTripRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetTrip("missing")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	trip := &models.Trip{ID: "t1", RiderID: "r1", Status: models.TripSeekingOffers}
	require.NoError(t, s.SaveTrip(trip))

	got, err := s.GetTrip("t1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.RiderID)

	trip.Status = models.TripAssigned
	require.NoError(t, s.UpdateTrip(trip))
	got, err = s.GetTrip("t1")
	require.NoError(t, err)
	require.Equal(t, models.TripAssigned, got.Status)
}

func TestMemoryStoreOrderRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetOrder("missing")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	order := &models.DeliveryOrder{ID: "o1", CustomerID: "c1", Status: models.OrderPending}
	require.NoError(t, s.SaveOrder(order))

	got, err := s.GetOrder("o1")
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, got.Status)
}
