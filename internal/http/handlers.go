package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/auth"
	"github.com/example/marketplace-dispatch/internal/chat"
	"github.com/example/marketplace-dispatch/internal/delivery"
	"github.com/example/marketplace-dispatch/internal/fabric"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/trip"
)

type Server struct {
	trips    *trip.Service
	orders   *delivery.Service
	chat     *chat.Relay
	fab      *fabric.Fabric
	registry *presence.Registry
	secret   []byte
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(trips *trip.Service, orders *delivery.Service, relay *chat.Relay, fab *fabric.Fabric, registry *presence.Registry, secret []byte, logger *slog.Logger) *Server {
	s := &Server{
		trips:    trips,
		orders:   orders,
		chat:     relay,
		fab:      fab,
		registry: registry,
		secret:   secret,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.wireFabric()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/trips/{id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/trips/{id}/accept", s.handleAcceptTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/en-route", s.tripAdvance(s.trips.MarkEnRoute)).Methods("POST")
	api.HandleFunc("/trips/{id}/arrived", s.tripAdvance(s.trips.MarkArrived)).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/complete", s.tripAdvance(s.trips.Complete)).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")

	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/accept", s.orderAdvance(s.orders.RestaurantAccept)).Methods("POST")
	api.HandleFunc("/orders/{id}/preparing", s.orderAdvance(s.orders.MarkPreparing)).Methods("POST")
	api.HandleFunc("/orders/{id}/ready", s.orderAdvance(s.orders.MarkReady)).Methods("POST")
	api.HandleFunc("/orders/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/orders/{id}/bids/{bid_id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/orders/{id}/pickup", s.orderAdvance(s.orders.MarkPickedUp)).Methods("POST")
	api.HandleFunc("/orders/{id}/transit", s.orderAdvance(s.orders.MarkInTransit)).Methods("POST")
	api.HandleFunc("/orders/{id}/delivered", s.orderAdvance(s.orders.MarkDelivered)).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/requests/{id}/chat", s.handleChat).Methods("POST")
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.fab.Attach(conn, s.secret)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var req trip.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	req.RiderID = id.Subject
	t, err := s.trips.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trip": t, "pickup_code": t.PickupCode})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var body struct {
		Amount  float64 `json:"amount"`
		Message string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	offer, err := s.trips.SubmitOffer(mux.Vars(r)["id"], id.Subject, body.Amount, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	vars := mux.Vars(r)
	t, err := s.trips.AcceptOffer(vars["id"], vars["offer_id"], id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	t, err := s.trips.Accept(mux.Vars(r)["id"], id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	if err := s.trips.Start(mux.Vars(r)["id"], id.Subject, body.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := s.trips.Cancel(mux.Vars(r)["id"], id.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tripAdvance(fn func(tripID, agentID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFromContext(r.Context())
		if err := fn(mux.Vars(r)["id"], id.Subject); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var req delivery.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	req.CustomerID = id.Subject
	o, err := s.orders.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var body struct {
		Amount     float64 `json:"amount"`
		EtaMinutes int     `json:"eta_minutes"`
		Message    string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	bid, err := s.orders.PlaceBid(mux.Vars(r)["id"], id.Subject, body.Amount, body.EtaMinutes, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	vars := mux.Vars(r)
	o, err := s.orders.AcceptBid(vars["id"], vars["bid_id"], id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := s.orders.Cancel(mux.Vars(r)["id"], id.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) orderAdvance(fn func(orderID, callerID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFromContext(r.Context())
		if err := fn(mux.Vars(r)["id"], id.Subject); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validationf("invalid body: %v", err))
		return
	}
	if err := s.chat.Send(mux.Vars(r)["id"], id.Subject, body.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// wireFabric hooks the realtime side up: presence commands, chat, the
// topic-join policy and synchronous presence removal on disconnect.
func (s *Server) wireFabric() {
	s.fab.SetJoinAuthorizer(func(id auth.Identity, topic string) error {
		switch {
		case strings.HasPrefix(topic, "agent:"):
			if id.Role != auth.RoleAgent || id.Subject != strings.TrimPrefix(topic, "agent:") {
				return apperr.Validationf("not your agent channel")
			}
		case strings.HasPrefix(topic, "restaurant:"):
			if id.Role != auth.RoleRestaurant || id.Subject != strings.TrimPrefix(topic, "restaurant:") {
				return apperr.Validationf("not your restaurant channel")
			}
		case strings.HasPrefix(topic, "request:"):
			reqID := strings.TrimPrefix(topic, "request:")
			if !s.isParticipant(reqID, id.Subject) {
				return apperr.Validationf("not a participant of this request")
			}
		default:
			return apperr.Validationf("unknown topic %q", topic)
		}
		return nil
	})

	s.fab.OnDisconnect(func(id auth.Identity) {
		if id.Role == auth.RoleAgent {
			s.registry.Remove(id.Subject)
		}
	})

	type positionMsg struct {
		Position models.Position `json:"position"`
	}
	s.fab.HandleInbound("on_duty", func(c *fabric.Conn, data json.RawMessage) error {
		if c.Identity().Role != auth.RoleAgent {
			return apperr.Validationf("only agents go on duty")
		}
		var msg positionMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return apperr.Validationf("invalid position payload")
		}
		s.registry.SetOnDuty(c.Identity().Subject, msg.Position)
		return nil
	})
	s.fab.HandleInbound("position", func(c *fabric.Conn, data json.RawMessage) error {
		var msg positionMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return apperr.Validationf("invalid position payload")
		}
		s.registry.UpdatePosition(c.Identity().Subject, msg.Position)
		return nil
	})
	s.fab.HandleInbound("off_duty", func(c *fabric.Conn, data json.RawMessage) error {
		s.registry.SetOffDuty(c.Identity().Subject)
		return nil
	})
	s.fab.HandleInbound("chat", func(c *fabric.Conn, data json.RawMessage) error {
		var msg struct {
			RequestID string `json:"request_id"`
			Body      string `json:"body"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return apperr.Validationf("invalid chat payload")
		}
		return s.chat.Send(msg.RequestID, c.Identity().Subject, msg.Body)
	})
}

func (s *Server) isParticipant(requestID, subject string) bool {
	if ps, ok := s.trips.Participants(requestID); ok {
		for _, p := range ps {
			if p == subject {
				return true
			}
		}
		return false
	}
	if ps, ok := s.orders.Participants(requestID); ok {
		for _, p := range ps {
			if p == subject {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTransient:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
