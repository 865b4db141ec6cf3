package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/auth"
	"github.com/example/marketplace-dispatch/internal/chat"
	"github.com/example/marketplace-dispatch/internal/delivery"
	"github.com/example/marketplace-dispatch/internal/dispatcher"
	"github.com/example/marketplace-dispatch/internal/fabric"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/storage"
	"github.com/example/marketplace-dispatch/internal/trip"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	fab := fabric.New(logger)
	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()
	clock := dispatcher.NewManualClock(time.Unix(1_700_000_000, 0))
	disp := dispatcher.New(dispatcher.Config{}, clock, func(agentID string, payload any) error {
		return fab.PublishToOne(agentID, models.EventOfferPushed, payload)
	}, logger)

	trips := trip.NewService(registry, disp, fab, store, nil, nil, trip.Config{}, logger)
	orders := delivery.NewService(registry, disp, fab, store, nil, logger)
	relay := chat.NewRelay(fab, func(requestID string) ([]string, bool) {
		if ps, ok := trips.Participants(requestID); ok {
			return ps, true
		}
		return orders.Participants(requestID)
	}, logger)

	return NewServer(trips, orders, relay, fab, registry, testSecret, logger)
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	token, err := auth.SignToken(auth.Identity{Subject: subject, Role: role}, testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, srv *Server, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/v1/trips", "", map[string]any{"mode": "fixed", "fixed_price": 10})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, "POST", "/api/v1/trips", "Bearer garbage", map[string]any{"mode": "fixed", "fixed_price": 10})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateTripReturnsPickupCode(t *testing.T) {
	srv := newTestServer(t)
	rider := bearer(t, "rider-1", auth.RoleRider)

	w := doJSON(t, srv, "POST", "/api/v1/trips", rider, map[string]any{
		"mode":      "bidding",
		"origin":    map[string]float64{"lat": 0.01, "lon": 0.01},
		"min_price": 5, "max_price": 20,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Trip       models.Trip `json:"trip"`
		PickupCode string      `json:"pickup_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.PickupCode, 4, "pickup code goes to the requester only")
	require.Equal(t, "rider-1", resp.Trip.RiderID, "rider identity comes from the token, not the body")
	require.Equal(t, models.TripSeekingOffers, resp.Trip.Status)
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)
	rider := bearer(t, "rider-1", auth.RoleRider)
	agent := bearer(t, "agent-1", auth.RoleAgent)

	w := doJSON(t, srv, "POST", "/api/v1/trips", rider, map[string]any{"mode": "bidding"})
	require.Equal(t, http.StatusBadRequest, w.Code, "validation -> 400")

	w = doJSON(t, srv, "GET", "/api/v1/trips/no-such-trip", rider, nil)
	require.Equal(t, http.StatusNotFound, w.Code, "not found -> 404")

	w = doJSON(t, srv, "POST", "/api/v1/trips", rider, map[string]any{"mode": "fixed", "fixed_price": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Trip models.Trip `json:"trip"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/trips/%s/accept", created.Trip.ID), agent, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/trips/%s/accept", created.Trip.ID), bearer(t, "agent-2", auth.RoleAgent), nil)
	require.Equal(t, http.StatusConflict, w.Code, "second accept -> 409")
}

func TestBiddingFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	rider := bearer(t, "rider-1", auth.RoleRider)
	agent := bearer(t, "agent-1", auth.RoleAgent)

	w := doJSON(t, srv, "POST", "/api/v1/trips", rider, map[string]any{
		"mode": "bidding", "min_price": 5, "max_price": 20,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Trip       models.Trip `json:"trip"`
		PickupCode string      `json:"pickup_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	tripID := created.Trip.ID

	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/offers", agent, map[string]any{"amount": 12.5})
	require.Equal(t, http.StatusCreated, w.Code)
	var offer models.Offer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))

	w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/trips/%s/offers/%s/accept", tripID, offer.ID), rider, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var assigned models.Trip
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assigned))
	require.Equal(t, models.TripAssigned, assigned.Status)
	require.Equal(t, "agent-1", assigned.AssignedAgent)

	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/en-route", agent, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/arrived", agent, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/start", agent, map[string]any{"code": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code, "wrong pickup code")
	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/start", agent, map[string]any{"code": created.PickupCode})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, srv, "POST", "/api/v1/trips/"+tripID+"/complete", agent, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeliveryFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	customer := bearer(t, "cust-1", auth.RoleRider)
	restaurant := bearer(t, "rest-1", auth.RoleRestaurant)
	courier := bearer(t, "courier-1", auth.RoleAgent)

	w := doJSON(t, srv, "POST", "/api/v1/orders", customer, map[string]any{"restaurant_id": "rest-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var order models.DeliveryOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))

	for _, step := range []string{"accept", "preparing", "ready"} {
		w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/orders/%s/%s", order.ID, step), restaurant, nil)
		require.Equal(t, http.StatusNoContent, w.Code, step)
	}

	w = doJSON(t, srv, "POST", "/api/v1/orders/"+order.ID+"/bids", courier, map[string]any{"amount": 6.0, "eta_minutes": 12})
	require.Equal(t, http.StatusCreated, w.Code)
	var bid models.Bid
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bid))

	w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/orders/%s/bids/%s/accept", order.ID, bid.ID), customer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, step := range []string{"pickup", "transit", "delivered"} {
		w = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/orders/%s/%s", order.ID, step), courier, nil)
		require.Equal(t, http.StatusNoContent, w.Code, step)
	}

	w = doJSON(t, srv, "GET", "/api/v1/orders/"+order.ID, customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var final models.DeliveryOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &final))
	require.Equal(t, models.OrderDelivered, final.Status)
}

func TestChatRequiresParticipant(t *testing.T) {
	srv := newTestServer(t)
	rider := bearer(t, "rider-1", auth.RoleRider)

	w := doJSON(t, srv, "POST", "/api/v1/trips", rider, map[string]any{"mode": "fixed", "fixed_price": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Trip models.Trip `json:"trip"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, srv, "POST", "/api/v1/requests/"+created.Trip.ID+"/chat", rider, map[string]any{"body": "where are you?"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, srv, "POST", "/api/v1/requests/"+created.Trip.ID+"/chat", bearer(t, "stranger", auth.RoleRider), map[string]any{"body": "hi"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
