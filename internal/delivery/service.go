package delivery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/ingest"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/observability"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/proximity"
	"github.com/example/marketplace-dispatch/internal/storage"
	"github.com/example/marketplace-dispatch/internal/trip"
)

// Opportunity is the payload broadcast to couriers when bidding opens.
// Unlike trips, the courier broadcast is not proximity-filtered: every
// on-duty courier is eligible.
type Opportunity struct {
	OrderID      string       `json:"order_id"`
	RestaurantID string       `json:"restaurant_id"`
	Pickup       models.Coord `json:"pickup"`
	Dropoff      models.Coord `json:"dropoff"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

type CreateRequest struct {
	CustomerID   string       `json:"customer_id"`
	RestaurantID string       `json:"restaurant_id"`
	Pickup       models.Coord `json:"pickup"`
	Dropoff      models.Coord `json:"dropoff"`
}

// Service owns every live delivery order. Restaurant-side transitions
// arrive from the restaurant console; once an order is marked ready the
// service opens bidding and the dispatcher broadcasts it to the fleet.
type Service struct {
	mu     sync.RWMutex
	orders map[string]*tracked

	registry *presence.Registry
	search   trip.Searcher
	fab      trip.Publisher
	store    storage.RequestStore
	events   trip.EventSink
	logger   *slog.Logger
	offerTTL time.Duration
}

type tracked struct {
	mu sync.Mutex
	o  *models.DeliveryOrder
}

func NewService(registry *presence.Registry, search trip.Searcher, fab trip.Publisher, store storage.RequestStore, events trip.EventSink, logger *slog.Logger) *Service {
	return &Service{
		orders:   make(map[string]*tracked),
		registry: registry,
		search:   search,
		fab:      fab,
		store:    store,
		events:   events,
		logger:   logger,
		offerTTL: 30 * time.Second,
	}
}

func topicFor(orderID string) string { return "request:" + orderID }

func restaurantTopic(restID string) string { return "restaurant:" + restID }

// Create seeds the order in pending; the restaurant console drives it
// from there.
func (s *Service) Create(req CreateRequest) (*models.DeliveryOrder, error) {
	if req.CustomerID == "" || req.RestaurantID == "" {
		return nil, apperr.Validationf("customer_id and restaurant_id are required")
	}
	now := time.Now()
	o := &models.DeliveryOrder{
		ID:           uuid.NewString(),
		CustomerID:   req.CustomerID,
		RestaurantID: req.RestaurantID,
		Status:       models.OrderPending,
		Pickup:       req.Pickup,
		Dropoff:      req.Dropoff,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveOrder(o); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	s.mu.Lock()
	s.orders[o.ID] = &tracked{o: o}
	s.mu.Unlock()
	s.fab.Publish(restaurantTopic(o.RestaurantID), models.EventStatusChanged, map[string]any{
		"order_id": o.ID,
		"status":   o.Status,
	})
	s.logger.Info("delivery order created", "order_id", o.ID, "restaurant_id", o.RestaurantID)
	return cloneOrder(o), nil
}

// RestaurantAccept: pending → restaurant_accepted. Restaurant-gated.
func (s *Service) RestaurantAccept(orderID, restaurantID string) error {
	return s.restaurantAdvance(orderID, restaurantID, models.OrderPending, models.OrderRestaurantAccepted)
}

// MarkPreparing: restaurant_accepted → preparing.
func (s *Service) MarkPreparing(orderID, restaurantID string) error {
	return s.restaurantAdvance(orderID, restaurantID, models.OrderRestaurantAccepted, models.OrderPreparing)
}

// MarkReady flips the order to ready_for_pickup and immediately opens
// courier bidding: the trigger that hands the order to this engine.
func (s *Service) MarkReady(orderID, restaurantID string) error {
	tr, err := s.lookup(orderID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if restaurantID != o.RestaurantID {
		return apperr.Validationf("caller is not this order's restaurant")
	}
	if o.Status != models.OrderPreparing && o.Status != models.OrderRestaurantAccepted {
		return apperr.Conflictf("order %s cannot be marked ready from %s", orderID, o.Status)
	}
	o.Status = models.OrderReadyForPickup
	o.UpdatedAt = time.Now()
	s.persist(o)
	s.publishStatus(o)

	// Ready immediately opens bidding; the two transitions are distinct
	// on the audit stream but happen in one call.
	o.Status = models.OrderBiddingOpen
	o.UpdatedAt = time.Now()
	s.persist(o)
	s.publishStatus(o)

	orderID = o.ID
	restID := o.RestaurantID
	pickup := o.Pickup
	dropoff := o.Dropoff
	s.search.Start(orderID,
		func() []proximity.Ranked {
			return proximity.All(pickup, s.registry.Snapshot())
		},
		func(r proximity.Ranked) any {
			return Opportunity{
				OrderID:      orderID,
				RestaurantID: restID,
				Pickup:       pickup,
				Dropoff:      dropoff,
				ExpiresAt:    time.Now().Add(s.offerTTL),
			}
		},
		func() { s.exhaust(orderID) },
	)
	s.logger.Info("order bidding opened", "order_id", orderID)
	return nil
}

// PlaceBid records a courier's bid while bidding is open. Rebidding
// replaces the courier's pending bid.
func (s *Service) PlaceBid(orderID, courierID string, amount float64, etaMinutes int, message string) (*models.Bid, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("bid amount must be positive")
	}
	tr, err := s.lookup(orderID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if o.Status != models.OrderBiddingOpen {
		return nil, apperr.Conflictf("order %s is not open for bidding", orderID)
	}
	bid := &models.Bid{
		ID:         uuid.NewString(),
		CourierID:  courierID,
		Amount:     amount,
		EtaMinutes: etaMinutes,
		Message:    message,
		Status:     models.OfferPending,
		CreatedAt:  time.Now(),
	}
	replaced := false
	for i, b := range o.Bids {
		if b.CourierID == courierID && b.Status == models.OfferPending {
			o.Bids[i] = bid
			replaced = true
			break
		}
	}
	if !replaced {
		o.Bids = append(o.Bids, bid)
	}
	o.UpdatedAt = time.Now()
	s.persist(o)
	observability.BidsPlaced.Inc()
	s.fab.Publish(topicFor(orderID), models.EventBidPlaced, bid)
	return bid, nil
}

// AcceptBid commits the winning courier under the same atomic
// discipline as the trip machine: one bid accepted, every sibling
// rejected, assignment and publish inside one lock hold.
func (s *Service) AcceptBid(orderID, bidID, callerID string) (*models.DeliveryOrder, error) {
	tr, err := s.lookup(orderID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if callerID != o.CustomerID {
		return nil, apperr.Validationf("only the requester may accept a bid")
	}
	if o.Status != models.OrderBiddingOpen {
		return nil, apperr.Conflictf("order %s already left bidding_open", orderID)
	}
	var winner *models.Bid
	for _, b := range o.Bids {
		if b.ID == bidID {
			winner = b
			break
		}
	}
	if winner == nil {
		return nil, apperr.NotFoundf("bid %s not found on order %s", bidID, orderID)
	}

	now := time.Now()
	winner.Status = models.OfferAccepted
	for _, b := range o.Bids {
		if b.ID != winner.ID {
			b.Status = models.OfferRejected
		}
	}
	o.AssignedCourier = winner.CourierID
	o.DeliveryFee = winner.Amount
	o.WinningBidID = winner.ID
	o.Status = models.OrderCourierAssigned
	o.AssignedAt = &now
	eta := now.Add(time.Duration(winner.EtaMinutes) * time.Minute)
	o.EstimatedDeliveryAt = &eta
	o.UpdatedAt = now

	s.search.Cancel(orderID)
	s.persist(o)
	observability.BidsAccepted.Inc()

	s.fab.Publish(topicFor(orderID), models.EventBidAccepted, map[string]any{
		"order_id":   orderID,
		"bid_id":     winner.ID,
		"courier_id": winner.CourierID,
		"amount":     winner.Amount,
	})
	s.publishStatus(o)
	if err := s.fab.PublishToOne(winner.CourierID, models.EventBidAccepted, cloneOrder(o)); err != nil {
		s.logger.Warn("winner notification failed", "order_id", orderID, "courier_id", winner.CourierID, "error", err)
	}
	s.logger.Info("bid committed", "order_id", orderID, "courier_id", winner.CourierID, "amount", winner.Amount)
	return cloneOrder(o), nil
}

// MarkPickedUp, MarkInTransit and MarkDelivered are the guarded
// physical-fulfillment advances; only the assigned courier may call
// them, in order.
func (s *Service) MarkPickedUp(orderID, courierID string) error {
	return s.courierAdvance(orderID, courierID, models.OrderCourierAssigned, models.OrderPickedUp)
}

func (s *Service) MarkInTransit(orderID, courierID string) error {
	return s.courierAdvance(orderID, courierID, models.OrderPickedUp, models.OrderInTransit)
}

func (s *Service) MarkDelivered(orderID, courierID string) error {
	tr, err := s.lookup(orderID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if courierID != o.AssignedCourier {
		return apperr.Validationf("caller is not the assigned courier")
	}
	if o.Status != models.OrderInTransit {
		return apperr.Conflictf("order %s is not in transit", orderID)
	}
	now := time.Now()
	o.Status = models.OrderDelivered
	o.DeliveredAt = &now
	o.UpdatedAt = now
	s.persist(o)
	s.publishStatus(o)
	return nil
}

// Cancel is allowed from any state up to and including bidding_open.
func (s *Service) Cancel(orderID, callerID string) error {
	tr, err := s.lookup(orderID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if callerID != "" && callerID != o.CustomerID && callerID != o.RestaurantID {
		return apperr.Validationf("caller may not cancel this order")
	}
	switch o.Status {
	case models.OrderPending, models.OrderRestaurantAccepted, models.OrderPreparing,
		models.OrderReadyForPickup, models.OrderBiddingOpen:
	default:
		return apperr.Conflictf("order %s can no longer be cancelled", orderID)
	}
	now := time.Now()
	o.Status = models.OrderCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	s.search.Cancel(orderID)
	s.persist(o)
	s.publishStatus(o)
	return nil
}

func (s *Service) Get(orderID string) (*models.DeliveryOrder, error) {
	tr, err := s.lookup(orderID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return cloneOrder(tr.o), nil
}

// Participants lists the identities associated with an order for topic
// join and chat authorization.
func (s *Service) Participants(orderID string) ([]string, bool) {
	tr, err := s.lookup(orderID)
	if err != nil {
		return nil, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	out := []string{o.CustomerID, o.RestaurantID}
	if o.AssignedCourier != "" {
		out = append(out, o.AssignedCourier)
	}
	for _, b := range o.Bids {
		out = append(out, b.CourierID)
	}
	return out, true
}

func (s *Service) exhaust(orderID string) {
	tr, err := s.lookup(orderID)
	if err != nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if o.Status != models.OrderBiddingOpen {
		return
	}
	now := time.Now()
	o.Status = models.OrderCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	s.persist(o)
	s.fab.Publish(topicFor(orderID), models.EventSearchExhausted, map[string]any{
		"order_id": orderID,
		"reason":   "no supply found",
	})
	s.publishStatus(o)
	s.logger.Info("order bidding exhausted", "order_id", orderID)
}

func (s *Service) restaurantAdvance(orderID, restaurantID string, from, to models.OrderStatus) error {
	tr, err := s.lookup(orderID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if restaurantID != o.RestaurantID {
		return apperr.Validationf("caller is not this order's restaurant")
	}
	if o.Status != from {
		return apperr.Conflictf("order %s cannot move %s -> %s", orderID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	s.persist(o)
	s.publishStatus(o)
	return nil
}

func (s *Service) courierAdvance(orderID, courierID string, from, to models.OrderStatus) error {
	tr, err := s.lookup(orderID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := tr.o
	if courierID != o.AssignedCourier {
		return apperr.Validationf("caller is not the assigned courier")
	}
	if o.Status != from {
		return apperr.Conflictf("order %s cannot move %s -> %s", orderID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	s.persist(o)
	s.publishStatus(o)
	return nil
}

func (s *Service) lookup(orderID string) (*tracked, error) {
	s.mu.RLock()
	tr, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("order %s not found", orderID)
	}
	return tr, nil
}

func (s *Service) persist(o *models.DeliveryOrder) {
	if err := s.store.UpdateOrder(o); err != nil {
		s.logger.Error("order persist failed", "order_id", o.ID, "error", err)
	}
	if s.events != nil {
		ev := ingest.StatusEvent{
			RequestID: o.ID,
			Kind:      "order",
			Status:    string(o.Status),
			AgentID:   o.AssignedCourier,
			At:        o.UpdatedAt,
		}
		if err := s.events.PublishStatus(ev); err != nil {
			s.logger.Warn("status event publish failed", "order_id", o.ID, "error", err)
		}
	}
}

func (s *Service) publishStatus(o *models.DeliveryOrder) {
	payload := map[string]any{
		"order_id": o.ID,
		"status":   o.Status,
	}
	s.fab.Publish(topicFor(o.ID), models.EventStatusChanged, payload)
	s.fab.Publish(restaurantTopic(o.RestaurantID), models.EventStatusChanged, payload)
}

func cloneOrder(o *models.DeliveryOrder) *models.DeliveryOrder {
	c := *o
	c.Bids = make([]*models.Bid, len(o.Bids))
	for i, b := range o.Bids {
		bc := *b
		c.Bids[i] = &bc
	}
	return &c
}
