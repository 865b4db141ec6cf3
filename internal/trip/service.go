package trip

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/dispatcher"
	"github.com/example/marketplace-dispatch/internal/ingest"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/observability"
	"github.com/example/marketplace-dispatch/internal/payments"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/proximity"
	"github.com/example/marketplace-dispatch/internal/storage"
)

// Publisher is the slice of the channel fabric the trip machine needs.
type Publisher interface {
	Publish(topic, event string, data any)
	PublishToOne(agentID, event string, data any) error
}

// Searcher is the offer dispatcher surface: start a candidate search,
// stop it on commit or cancellation.
type Searcher interface {
	Start(requestID string, sel dispatcher.Selector, payloadFor func(proximity.Ranked) any, onExhausted func())
	Cancel(requestID string)
}

// EventSink receives status-change audit events. Optional.
type EventSink interface {
	PublishStatus(ev ingest.StatusEvent) error
}

// Opportunity is the time-boxed offer pushed to candidate agents.
type Opportunity struct {
	TripID         string          `json:"trip_id"`
	Mode           models.TripMode `json:"mode"`
	Origin         models.Coord    `json:"origin"`
	Destination    models.Coord    `json:"destination"`
	MinPrice       float64         `json:"min_price,omitempty"`
	MaxPrice       float64         `json:"max_price,omitempty"`
	FixedPrice     float64         `json:"fixed_price,omitempty"`
	DistanceMeters float64         `json:"distance_meters"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

type CreateRequest struct {
	RiderID     string          `json:"rider_id"`
	Mode        models.TripMode `json:"mode"`
	Origin      models.Coord    `json:"origin"`
	Destination models.Coord    `json:"destination"`
	MinPrice    float64         `json:"min_price,omitempty"`
	MaxPrice    float64         `json:"max_price,omitempty"`
	FixedPrice  float64         `json:"fixed_price,omitempty"`
}

type Config struct {
	RadiusMeters float64
	Currency     string
	OfferTTL     time.Duration
}

// Service owns every live trip and is the only component allowed to
// mutate one. Each trip carries its own lock; the whole accept
// transition happens under it, which is what makes the single-winner
// commit atomic.
type Service struct {
	mu    sync.RWMutex
	trips map[string]*tracked

	registry *presence.Registry
	search   Searcher
	fab      Publisher
	store    storage.RequestStore
	payments payments.Gateway
	events   EventSink
	logger   *slog.Logger
	cfg      Config
}

type tracked struct {
	mu sync.Mutex
	t  *models.Trip
}

func NewService(registry *presence.Registry, search Searcher, fab Publisher, store storage.RequestStore, gw payments.Gateway, events EventSink, cfg Config, logger *slog.Logger) *Service {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = proximity.DefaultRadiusMeters
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 30 * time.Second
	}
	if gw == nil {
		gw = payments.NoopGateway{}
	}
	return &Service{
		trips:    make(map[string]*tracked),
		registry: registry,
		search:   search,
		fab:      fab,
		store:    store,
		payments: gw,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

func topicFor(tripID string) string { return "request:" + tripID }

// Create validates the request, seeds the trip in its seeking status and
// starts the candidate search.
func (s *Service) Create(req CreateRequest) (*models.Trip, error) {
	if req.RiderID == "" {
		return nil, apperr.Validationf("rider_id is required")
	}
	switch req.Mode {
	case models.ModeBidding:
		if req.MaxPrice <= 0 || req.MinPrice < 0 || req.MinPrice > req.MaxPrice {
			return nil, apperr.Validationf("bidding trips need a valid price range")
		}
	case models.ModeFixed:
		if req.FixedPrice <= 0 {
			return nil, apperr.Validationf("fixed trips need a positive price")
		}
	default:
		return nil, apperr.Validationf("unknown trip mode %q", req.Mode)
	}

	now := time.Now()
	t := &models.Trip{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Mode:        req.Mode,
		Origin:      req.Origin,
		Destination: req.Destination,
		MinPrice:    req.MinPrice,
		MaxPrice:    req.MaxPrice,
		FixedPrice:  req.FixedPrice,
		PickupCode:  newPickupCode(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Mode == models.ModeBidding {
		t.Status = models.TripSeekingOffers
	} else {
		t.Status = models.TripSeekingAssignment
	}

	if err := s.store.SaveTrip(t); err != nil {
		return nil, fmt.Errorf("persist trip: %w", err)
	}
	s.mu.Lock()
	s.trips[t.ID] = &tracked{t: t}
	s.mu.Unlock()

	origin := t.Origin
	s.search.Start(t.ID,
		func() []proximity.Ranked {
			return proximity.Nearby(origin, s.cfg.RadiusMeters, s.registry.Snapshot())
		},
		func(r proximity.Ranked) any {
			return Opportunity{
				TripID:         t.ID,
				Mode:           req.Mode,
				Origin:         req.Origin,
				Destination:    req.Destination,
				MinPrice:       req.MinPrice,
				MaxPrice:       req.MaxPrice,
				FixedPrice:     req.FixedPrice,
				DistanceMeters: r.DistanceMeters,
				ExpiresAt:      time.Now().Add(s.cfg.OfferTTL),
			}
		},
		func() { s.exhaust(t.ID) },
	)
	s.logger.Info("trip created, search started", "trip_id", t.ID, "mode", t.Mode)
	return cloneTrip(t), nil
}

// SubmitOffer records a priced offer from an agent. A second offer from
// the same agent replaces the first while it is still pending.
func (s *Service) SubmitOffer(tripID, agentID string, amount float64, message string) (*models.Offer, error) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if t.Mode != models.ModeBidding {
		return nil, apperr.Validationf("trip %s is not bidding-priced", tripID)
	}
	if t.Status != models.TripSeekingOffers {
		return nil, apperr.Conflictf("trip %s is no longer accepting offers", tripID)
	}
	if amount < t.MinPrice || amount > t.MaxPrice {
		return nil, apperr.Validationf("offer amount %.2f outside range %.2f-%.2f", amount, t.MinPrice, t.MaxPrice)
	}

	offer := &models.Offer{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Amount:    amount,
		Message:   message,
		Status:    models.OfferPending,
		CreatedAt: time.Now(),
	}
	replaced := false
	for i, o := range t.Offers {
		if o.AgentID == agentID && o.Status == models.OfferPending {
			t.Offers[i] = offer
			replaced = true
			break
		}
	}
	if !replaced {
		t.Offers = append(t.Offers, offer)
	}
	t.UpdatedAt = time.Now()
	s.persist(t)
	s.fab.Publish(topicFor(tripID), models.EventOfferSubmitted, offer)
	return offer, nil
}

// AcceptOffer commits the winning offer. The status check, winner mark,
// sibling rejection, assignment and publish happen under the trip lock
// as one observable unit; a concurrent second accept fails the status
// check and gets a conflict.
func (s *Service) AcceptOffer(tripID, offerID, callerID string) (*models.Trip, error) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if callerID != t.RiderID {
		return nil, apperr.Validationf("only the requester may accept an offer")
	}
	if t.Status != models.TripSeekingOffers {
		return nil, apperr.Conflictf("trip %s already left seeking_offers", tripID)
	}
	var winner *models.Offer
	for _, o := range t.Offers {
		if o.ID == offerID {
			winner = o
			break
		}
	}
	if winner == nil {
		return nil, apperr.NotFoundf("offer %s not found on trip %s", offerID, tripID)
	}

	now := time.Now()
	winner.Status = models.OfferAccepted
	for _, o := range t.Offers {
		if o.ID != winner.ID {
			o.Status = models.OfferRejected
		}
	}
	t.AssignedAgent = winner.AgentID
	t.AgreedPrice = winner.Amount
	t.WinningOfferID = winner.ID
	t.Status = models.TripAssigned
	t.AssignedAt = &now
	t.UpdatedAt = now

	s.search.Cancel(tripID)
	s.holdFunds(t)
	s.persist(t)
	observability.OffersAccepted.Inc()

	s.fab.Publish(topicFor(tripID), models.EventOfferAccepted, map[string]any{
		"trip_id":  tripID,
		"offer_id": winner.ID,
		"agent_id": winner.AgentID,
		"amount":   winner.Amount,
	})
	s.publishStatus(t)
	if err := s.fab.PublishToOne(winner.AgentID, models.EventOfferAccepted, cloneTrip(t)); err != nil {
		s.logger.Warn("winner notification failed", "trip_id", tripID, "agent_id", winner.AgentID, "error", err)
	}
	s.logger.Info("offer committed", "trip_id", tripID, "agent_id", winner.AgentID, "amount", winner.Amount)
	return cloneTrip(t), nil
}

// Accept is the fixed-price path: the first agent whose accept lands
// wins via an explicit compare-and-set on the trip status.
func (s *Service) Accept(tripID, agentID string) (*models.Trip, error) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if t.Status != models.TripSeekingAssignment {
		return nil, apperr.Conflictf("trip %s is not seeking assignment", tripID)
	}
	now := time.Now()
	t.AssignedAgent = agentID
	t.AgreedPrice = t.FixedPrice
	t.Status = models.TripAssigned
	t.AssignedAt = &now
	t.UpdatedAt = now

	s.search.Cancel(tripID)
	s.holdFunds(t)
	s.persist(t)
	observability.OffersAccepted.Inc()
	s.publishStatus(t)
	s.logger.Info("fixed-price trip assigned", "trip_id", tripID, "agent_id", agentID)
	return cloneTrip(t), nil
}

// MarkEnRoute moves an assigned trip into in_progress with the en_route
// sub-status. Agent-gated.
func (s *Service) MarkEnRoute(tripID, agentID string) error {
	return s.advance(tripID, agentID, func(t *models.Trip) error {
		if t.Status != models.TripAssigned && !(t.Status == models.TripInProgress && t.Phase == models.PhaseEnRoute) {
			return apperr.Conflictf("trip %s cannot go en_route from %s", tripID, t.Status)
		}
		t.Status = models.TripInProgress
		t.Phase = models.PhaseEnRoute
		return nil
	})
}

func (s *Service) MarkArrived(tripID, agentID string) error {
	return s.advance(tripID, agentID, func(t *models.Trip) error {
		if t.Status != models.TripInProgress || t.Phase != models.PhaseEnRoute {
			return apperr.Conflictf("trip %s is not en_route", tripID)
		}
		t.Phase = models.PhaseArrived
		return nil
	})
}

// Start begins the ride after the pickup code matches. The code is
// generated once at creation and never regenerated.
func (s *Service) Start(tripID, agentID, code string) error {
	return s.advance(tripID, agentID, func(t *models.Trip) error {
		if t.Status != models.TripInProgress || t.Phase != models.PhaseArrived {
			return apperr.Conflictf("trip %s is not awaiting pickup", tripID)
		}
		if code != t.PickupCode {
			return apperr.Validationf("pickup code does not match")
		}
		now := time.Now()
		t.Phase = models.PhaseNone
		t.StartedAt = &now
		return nil
	})
}

func (s *Service) Complete(tripID, agentID string) error {
	err := s.advance(tripID, agentID, func(t *models.Trip) error {
		if t.Status != models.TripInProgress || t.StartedAt == nil {
			return apperr.Conflictf("trip %s is not in progress", tripID)
		}
		now := time.Now()
		t.Status = models.TripCompleted
		t.CompletedAt = &now
		if t.PaymentHoldID != "" {
			if perr := s.payments.Capture(context.Background(), t.PaymentHoldID); perr != nil {
				s.logger.Warn("payment capture failed", "trip_id", tripID, "error", perr)
			}
		}
		return nil
	})
	return err
}

// Cancel aborts a trip from any non-terminal state. callerID may be the
// requester or empty for engine-internal cancellation.
func (s *Service) Cancel(tripID, callerID string) error {
	tr, err := s.lookup(tripID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if callerID != "" && callerID != t.RiderID && callerID != t.AssignedAgent {
		return apperr.Validationf("caller may not cancel this trip")
	}
	if t.Status == models.TripCompleted || t.Status == models.TripCancelled {
		return apperr.Conflictf("trip %s is already terminal", tripID)
	}
	now := time.Now()
	t.Status = models.TripCancelled
	t.Phase = models.PhaseNone
	t.CancelledAt = &now
	t.UpdatedAt = now

	s.search.Cancel(tripID)
	if t.PaymentHoldID != "" {
		if perr := s.payments.Release(context.Background(), t.PaymentHoldID); perr != nil {
			s.logger.Warn("payment release failed", "trip_id", tripID, "error", perr)
		}
	}
	s.persist(t)
	s.publishStatus(t)
	return nil
}

// Get returns a copy safe to serialize while the machine keeps running.
func (s *Service) Get(tripID string) (*models.Trip, error) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return cloneTrip(tr.t), nil
}

// Participants lists the identities associated with a trip: requester,
// assigned agent and anyone with an offer on it. Used to authorize
// request-topic joins and chat.
func (s *Service) Participants(tripID string) ([]string, bool) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return nil, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	out := []string{t.RiderID}
	if t.AssignedAgent != "" {
		out = append(out, t.AssignedAgent)
	}
	for _, o := range t.Offers {
		out = append(out, o.AgentID)
	}
	return out, true
}

// exhaust is the dispatcher's give-up path: no candidates after every
// attempt. Terminal business outcome, not a caller error.
func (s *Service) exhaust(tripID string) {
	tr, err := s.lookup(tripID)
	if err != nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if t.Status != models.TripSeekingOffers && t.Status != models.TripSeekingAssignment {
		return
	}
	now := time.Now()
	t.Status = models.TripCancelled
	t.CancelledAt = &now
	t.UpdatedAt = now
	s.persist(t)
	s.fab.Publish(topicFor(tripID), models.EventSearchExhausted, map[string]any{
		"trip_id": tripID,
		"reason":  "no supply found",
	})
	s.publishStatus(t)
	s.logger.Info("trip search exhausted", "trip_id", tripID)
}

func (s *Service) advance(tripID, agentID string, mutate func(*models.Trip) error) error {
	tr, err := s.lookup(tripID)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.t
	if agentID != t.AssignedAgent {
		return apperr.Validationf("caller is not the assigned agent")
	}
	if err := mutate(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	s.persist(t)
	s.publishStatus(t)
	return nil
}

func (s *Service) lookup(tripID string) (*tracked, error) {
	s.mu.RLock()
	tr, ok := s.trips[tripID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("trip %s not found", tripID)
	}
	return tr, nil
}

func (s *Service) holdFunds(t *models.Trip) {
	holdID, err := s.payments.Hold(context.Background(), int64(t.AgreedPrice*100), s.cfg.Currency, t.RiderID)
	if err != nil {
		s.logger.Warn("payment hold failed", "trip_id", t.ID, "error", err)
		return
	}
	t.PaymentHoldID = holdID
}

// persist writes the trip through to storage and the audit stream.
// Failures are logged, never propagated: a stuck trip beats an
// inconsistent one.
func (s *Service) persist(t *models.Trip) {
	if err := s.store.UpdateTrip(t); err != nil {
		s.logger.Error("trip persist failed", "trip_id", t.ID, "error", err)
	}
	if s.events != nil {
		ev := ingest.StatusEvent{
			RequestID: t.ID,
			Kind:      "trip",
			Status:    string(t.Status),
			AgentID:   t.AssignedAgent,
			At:        t.UpdatedAt,
		}
		if err := s.events.PublishStatus(ev); err != nil {
			s.logger.Warn("status event publish failed", "trip_id", t.ID, "error", err)
		}
	}
}

func (s *Service) publishStatus(t *models.Trip) {
	s.fab.Publish(topicFor(t.ID), models.EventStatusChanged, map[string]any{
		"trip_id": t.ID,
		"status":  t.Status,
		"phase":   t.Phase,
	})
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	c.Offers = make([]*models.Offer, len(t.Offers))
	for i, o := range t.Offers {
		oc := *o
		c.Offers[i] = &oc
	}
	return &c
}

func newPickupCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
