package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Position is a coordinate plus the direction of travel reported by an
// agent's device.
type Position struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Heading float64 `json:"heading"`
}

func (p Position) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

// AgentPresence is one on-duty driver or courier as tracked by the
// presence registry. At most one entry exists per agent id.
type AgentPresence struct {
	AgentID   string    `json:"agent_id"`
	Position  Position  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Offer is a priced proposal from one agent against one trip. A
// resubmission from the same agent overwrites the prior pending offer.
type Offer struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Amount    float64     `json:"amount"`
	Message   string      `json:"message,omitempty"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Bid is a courier's proposal against a delivery order, carrying the
// courier's own delivery time estimate.
type Bid struct {
	ID         string      `json:"id"`
	CourierID  string      `json:"courier_id"`
	Amount     float64     `json:"amount"`
	EtaMinutes int         `json:"eta_minutes"`
	Message    string      `json:"message,omitempty"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

type TripMode string

const (
	ModeBidding TripMode = "bidding"
	ModeFixed   TripMode = "fixed"
)

type TripStatus string

const (
	TripSeekingOffers     TripStatus = "seeking_offers"
	TripSeekingAssignment TripStatus = "seeking_assignment"
	TripAssigned          TripStatus = "assigned"
	TripInProgress        TripStatus = "in_progress"
	TripCompleted         TripStatus = "completed"
	TripCancelled         TripStatus = "cancelled"
)

// TripPhase is the sub-status of an assigned trip before pickup.
type TripPhase string

const (
	PhaseNone    TripPhase = ""
	PhaseEnRoute TripPhase = "en_route"
	PhaseArrived TripPhase = "arrived"
)

type Trip struct {
	ID             string     `json:"id"`
	RiderID        string     `json:"rider_id"`
	Mode           TripMode   `json:"mode"`
	Status         TripStatus `json:"status"`
	Phase          TripPhase  `json:"phase,omitempty"`
	Origin         Coord      `json:"origin"`
	Destination    Coord      `json:"destination"`
	MinPrice       float64    `json:"min_price,omitempty"`
	MaxPrice       float64    `json:"max_price,omitempty"`
	FixedPrice     float64    `json:"fixed_price,omitempty"`
	AgreedPrice    float64    `json:"agreed_price,omitempty"`
	AssignedAgent  string     `json:"assigned_agent,omitempty"`
	WinningOfferID string     `json:"winning_offer_id,omitempty"`
	Offers         []*Offer   `json:"offers,omitempty"`
	PickupCode     string     `json:"-"`
	PaymentHoldID  string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

type OrderStatus string

const (
	OrderPending            OrderStatus = "pending"
	OrderRestaurantAccepted OrderStatus = "restaurant_accepted"
	OrderPreparing          OrderStatus = "preparing"
	OrderReadyForPickup     OrderStatus = "ready_for_pickup"
	OrderBiddingOpen        OrderStatus = "bidding_open"
	OrderCourierAssigned    OrderStatus = "courier_assigned"
	OrderPickedUp           OrderStatus = "picked_up"
	OrderInTransit          OrderStatus = "in_transit"
	OrderDelivered          OrderStatus = "delivered"
	OrderCancelled          OrderStatus = "cancelled"
)

type DeliveryOrder struct {
	ID                  string      `json:"id"`
	CustomerID          string      `json:"customer_id"`
	RestaurantID        string      `json:"restaurant_id"`
	Status              OrderStatus `json:"status"`
	Pickup              Coord       `json:"pickup"`
	Dropoff             Coord       `json:"dropoff"`
	Bids                []*Bid      `json:"bids,omitempty"`
	WinningBidID        string      `json:"winning_bid_id,omitempty"`
	AssignedCourier     string      `json:"assigned_courier,omitempty"`
	DeliveryFee         float64     `json:"delivery_fee,omitempty"`
	EstimatedDeliveryAt *time.Time  `json:"estimated_delivery_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	AssignedAt          *time.Time  `json:"assigned_at,omitempty"`
	DeliveredAt         *time.Time  `json:"delivered_at,omitempty"`
	CancelledAt         *time.Time  `json:"cancelled_at,omitempty"`
}

// Event names pushed over the channel fabric.
const (
	EventOfferPushed     = "offer_pushed"
	EventOfferSubmitted  = "offer_submitted"
	EventOfferAccepted   = "offer_accepted"
	EventBidPlaced       = "bid_placed"
	EventBidAccepted     = "bid_accepted"
	EventStatusChanged   = "status_changed"
	EventSearchExhausted = "search_exhausted"
	EventChatMessage     = "chat_message"
)
