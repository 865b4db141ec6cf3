package delivery

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/dispatcher"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/proximity"
	"github.com/example/marketplace-dispatch/internal/storage"
)

type fakeSearcher struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	exhaust   map[string]func()
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{exhaust: make(map[string]func())}
}

func (f *fakeSearcher) Start(requestID string, sel dispatcher.Selector, payloadFor func(proximity.Ranked) any, onExhausted func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, requestID)
	f.exhaust[requestID] = onExhausted
}

func (f *fakeSearcher) Cancel(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, requestID)
}

type publishedEvent struct {
	Topic string
	Event string
	Data  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	direct []publishedEvent
}

func (f *fakePublisher) Publish(topic, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{topic, event, data})
}

func (f *fakePublisher) PublishToOne(agentID, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, publishedEvent{agentID, event, data})
	return nil
}

func (f *fakePublisher) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*Service, *fakeSearcher, *fakePublisher) {
	t.Helper()
	search := newFakeSearcher()
	fab := &fakePublisher{}
	svc := NewService(presence.NewRegistry(), search, fab, storage.NewMemoryStore(),
		nil, slog.New(slog.DiscardHandler))
	return svc, search, fab
}

func createOpenOrder(t *testing.T, svc *Service) *models.DeliveryOrder {
	t.Helper()
	o, err := svc.Create(CreateRequest{
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Pickup:       models.Coord{Lat: 0.01, Lon: 0.01},
		Dropoff:      models.Coord{Lat: 0.03, Lon: 0.03},
	})
	require.NoError(t, err)
	require.NoError(t, svc.RestaurantAccept(o.ID, "rest-1"))
	require.NoError(t, svc.MarkPreparing(o.ID, "rest-1"))
	require.NoError(t, svc.MarkReady(o.ID, "rest-1"))
	return o
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(CreateRequest{CustomerID: "c"})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = svc.Create(CreateRequest{RestaurantID: "r"})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRestaurantLifecycleOpensBidding(t *testing.T) {
	svc, search, _ := newTestService(t)
	o := createOpenOrder(t, svc)

	got, err := svc.Get(o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderBiddingOpen, got.Status)
	require.Equal(t, []string{o.ID}, search.started, "ready opens the courier broadcast")
}

func TestRestaurantAdvancesAreGated(t *testing.T) {
	svc, _, _ := newTestService(t)
	o, err := svc.Create(CreateRequest{CustomerID: "cust-1", RestaurantID: "rest-1"})
	require.NoError(t, err)

	err = svc.RestaurantAccept(o.ID, "other-restaurant")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = svc.MarkReady(o.ID, "rest-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "cannot skip straight to ready")

	err = svc.MarkPreparing(o.ID, "rest-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "preparing requires restaurant_accepted")
}

func TestAcceptBidPicksWinnerAndRejectsSiblings(t *testing.T) {
	svc, search, fab := newTestService(t)
	o := createOpenOrder(t, svc)

	cheap, err := svc.PlaceBid(o.ID, "courier-1", 6.00, 12, "")
	require.NoError(t, err)
	_, err = svc.PlaceBid(o.ID, "courier-2", 7.50, 8, "faster")
	require.NoError(t, err)

	got, err := svc.AcceptBid(o.ID, cheap.ID, "cust-1")
	require.NoError(t, err)
	require.Equal(t, models.OrderCourierAssigned, got.Status)
	require.Equal(t, "courier-1", got.AssignedCourier)
	require.Equal(t, 6.00, got.DeliveryFee)
	require.NotNil(t, got.EstimatedDeliveryAt)

	var statuses []models.OfferStatus
	for _, b := range got.Bids {
		statuses = append(statuses, b.Status)
	}
	require.ElementsMatch(t, []models.OfferStatus{models.OfferAccepted, models.OfferRejected}, statuses)

	require.Equal(t, []string{o.ID}, search.cancelled, "commit stops the broadcast")
	require.Equal(t, 1, fab.count(models.EventBidAccepted))
}

func TestAcceptBidTwiceConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := createOpenOrder(t, svc)
	b, err := svc.PlaceBid(o.ID, "courier-1", 6, 10, "")
	require.NoError(t, err)

	_, err = svc.AcceptBid(o.ID, b.ID, "cust-1")
	require.NoError(t, err)
	_, err = svc.AcceptBid(o.ID, b.ID, "cust-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got, err := svc.Get(o.ID)
	require.NoError(t, err)
	require.Equal(t, "courier-1", got.AssignedCourier)
}

func TestAcceptBidGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := createOpenOrder(t, svc)
	b, err := svc.PlaceBid(o.ID, "courier-1", 6, 10, "")
	require.NoError(t, err)

	_, err = svc.AcceptBid(o.ID, b.ID, "not-the-customer")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.AcceptBid(o.ID, "no-such-bid", "cust-1")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRebidReplacesPendingBid(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := createOpenOrder(t, svc)

	_, err := svc.PlaceBid(o.ID, "courier-1", 7.50, 10, "")
	require.NoError(t, err)
	second, err := svc.PlaceBid(o.ID, "courier-1", 6.00, 12, "lowered")
	require.NoError(t, err)

	got, err := svc.Get(o.ID)
	require.NoError(t, err)
	require.Len(t, got.Bids, 1)
	require.Equal(t, second.ID, got.Bids[0].ID)
	require.Equal(t, 6.00, got.Bids[0].Amount)
}

func TestBidOutsideBiddingWindowConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	o, err := svc.Create(CreateRequest{CustomerID: "cust-1", RestaurantID: "rest-1"})
	require.NoError(t, err)

	_, err = svc.PlaceBid(o.ID, "courier-1", 6, 10, "")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "bidding has not opened")

	_, err = svc.PlaceBid(o.ID, "courier-1", 0, 10, "")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCourierFulfillmentFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := createOpenOrder(t, svc)
	b, err := svc.PlaceBid(o.ID, "courier-1", 6, 10, "")
	require.NoError(t, err)
	_, err = svc.AcceptBid(o.ID, b.ID, "cust-1")
	require.NoError(t, err)

	require.Equal(t, apperr.KindValidation, apperr.KindOf(svc.MarkPickedUp(o.ID, "impostor")))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(svc.MarkInTransit(o.ID, "courier-1")),
		"in_transit requires picked_up first")

	require.NoError(t, svc.MarkPickedUp(o.ID, "courier-1"))
	require.NoError(t, svc.MarkInTransit(o.ID, "courier-1"))
	require.NoError(t, svc.MarkDelivered(o.ID, "courier-1"))

	got, err := svc.Get(o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
}

func TestCancelWindowClosesAtAssignment(t *testing.T) {
	svc, _, _ := newTestService(t)
	o := createOpenOrder(t, svc)

	require.NoError(t, svc.Cancel(o.ID, "cust-1"))

	o2 := createOpenOrder(t, svc)
	b, err := svc.PlaceBid(o2.ID, "courier-1", 6, 10, "")
	require.NoError(t, err)
	_, err = svc.AcceptBid(o2.ID, b.ID, "cust-1")
	require.NoError(t, err)

	err = svc.Cancel(o2.ID, "cust-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "no cancellation after a courier is assigned")
}

func TestExhaustionCancelsOrder(t *testing.T) {
	svc, search, fab := newTestService(t)
	o := createOpenOrder(t, svc)

	search.exhaust[o.ID]()

	got, err := svc.Get(o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderCancelled, got.Status)
	require.Equal(t, 1, fab.count(models.EventSearchExhausted))
}

// The courier broadcast is fleet-wide: every on-duty courier gets the
// opportunity regardless of distance.
func TestBroadcastReachesWholeFleet(t *testing.T) {
	fab := &fakePublisher{}
	registry := presence.NewRegistry()
	clock := dispatcher.NewManualClock(time.Unix(1_700_000_000, 0))
	disp := dispatcher.New(dispatcher.Config{Interval: 10 * time.Second, Stagger: 100 * time.Millisecond, MaxAttempts: 5},
		clock, func(agentID string, payload any) error {
			return fab.PublishToOne(agentID, models.EventOfferPushed, payload)
		}, slog.New(slog.DiscardHandler))
	svc := NewService(registry, disp, fab, storage.NewMemoryStore(), nil, slog.New(slog.DiscardHandler))

	registry.SetOnDuty("courier-near", models.Position{Lat: 0.02, Lon: 0.02})
	registry.SetOnDuty("courier-far", models.Position{Lat: 45, Lon: 90})

	o := createOpenOrder(t, svc)
	clock.Advance(time.Second)

	fab.mu.Lock()
	defer fab.mu.Unlock()
	require.Len(t, fab.direct, 2)
	require.Equal(t, "courier-near", fab.direct[0].Topic, "nearest courier still goes first")
	require.Equal(t, "courier-far", fab.direct[1].Topic)
	opp, ok := fab.direct[0].Data.(Opportunity)
	require.True(t, ok)
	require.Equal(t, o.ID, opp.OrderID)
}
