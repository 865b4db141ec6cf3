package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	offers, _ := json.Marshal(t.Offers)
	_, err := p.db.Exec(`INSERT INTO trips(id, rider_id, mode, status, phase, origin_lat, origin_lon, dest_lat, dest_lon, min_price, max_price, fixed_price, agreed_price, assigned_agent, winning_offer_id, offers, pickup_code, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.RiderID, t.Mode, t.Status, t.Phase, t.Origin.Lat, t.Origin.Lon, t.Destination.Lat, t.Destination.Lon,
		t.MinPrice, t.MaxPrice, t.FixedPrice, t.AgreedPrice, t.AssignedAgent, t.WinningOfferID, offers, t.PickupCode, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	offers, _ := json.Marshal(t.Offers)
	_, err := p.db.Exec(`UPDATE trips SET status=$1, phase=$2, agreed_price=$3, assigned_agent=$4, winning_offer_id=$5, offers=$6, updated_at=$7 WHERE id=$8`,
		t.Status, t.Phase, t.AgreedPrice, t.AssignedAgent, t.WinningOfferID, offers, time.Now(), t.ID)
	return err
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	t := &models.Trip{}
	var offers []byte
	err := p.db.QueryRow(`SELECT id, rider_id, mode, status, phase, origin_lat, origin_lon, dest_lat, dest_lon, min_price, max_price, fixed_price, agreed_price, assigned_agent, winning_offer_id, offers, pickup_code, created_at, updated_at FROM trips WHERE id=$1`, id).Scan(
		&t.ID, &t.RiderID, &t.Mode, &t.Status, &t.Phase, &t.Origin.Lat, &t.Origin.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&t.MinPrice, &t.MaxPrice, &t.FixedPrice, &t.AgreedPrice, &t.AssignedAgent, &t.WinningOfferID, &offers, &t.PickupCode, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trip %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if len(offers) > 0 {
		_ = json.Unmarshal(offers, &t.Offers)
	}
	return t, nil
}

func (p *PostgresStore) SaveOrder(o *models.DeliveryOrder) error {
	bids, _ := json.Marshal(o.Bids)
	_, err := p.db.Exec(`INSERT INTO delivery_orders(id, customer_id, restaurant_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, delivery_fee, assigned_courier, winning_bid_id, bids, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, o.CustomerID, o.RestaurantID, o.Status, o.Pickup.Lat, o.Pickup.Lon, o.Dropoff.Lat, o.Dropoff.Lon,
		o.DeliveryFee, o.AssignedCourier, o.WinningBidID, bids, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateOrder(o *models.DeliveryOrder) error {
	bids, _ := json.Marshal(o.Bids)
	_, err := p.db.Exec(`UPDATE delivery_orders SET status=$1, delivery_fee=$2, assigned_courier=$3, winning_bid_id=$4, bids=$5, estimated_delivery_at=$6, updated_at=$7 WHERE id=$8`,
		o.Status, o.DeliveryFee, o.AssignedCourier, o.WinningBidID, bids, o.EstimatedDeliveryAt, time.Now(), o.ID)
	return err
}

func (p *PostgresStore) GetOrder(id string) (*models.DeliveryOrder, error) {
	o := &models.DeliveryOrder{}
	var bids []byte
	err := p.db.QueryRow(`SELECT id, customer_id, restaurant_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, delivery_fee, assigned_courier, winning_bid_id, bids, created_at, updated_at FROM delivery_orders WHERE id=$1`, id).Scan(
		&o.ID, &o.CustomerID, &o.RestaurantID, &o.Status, &o.Pickup.Lat, &o.Pickup.Lon, &o.Dropoff.Lat, &o.Dropoff.Lon,
		&o.DeliveryFee, &o.AssignedCourier, &o.WinningBidID, &bids, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("order %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if len(bids) > 0 {
		_ = json.Unmarshal(bids, &o.Bids)
	}
	return o, nil
}
