package storage

import (
	"sync"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/models"
)

// RequestStore defines persistence operations for trips and delivery
// orders. The state machines own all status mutation; the store only
// records what they decide.
type RequestStore interface {
	SaveTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
	SaveOrder(o *models.DeliveryOrder) error
	UpdateOrder(o *models.DeliveryOrder) error
	GetOrder(id string) (*models.DeliveryOrder, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*models.Trip
	orders map[string]*models.DeliveryOrder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  make(map[string]*models.Trip),
		orders: make(map[string]*models.DeliveryOrder),
	}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) UpdateTrip(t *models.Trip) error {
	return m.SaveTrip(t)
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.NotFoundf("trip %s not found", id)
	}
	return t, nil
}

func (m *MemoryStore) SaveOrder(o *models.DeliveryOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) UpdateOrder(o *models.DeliveryOrder) error {
	return m.SaveOrder(o)
}

func (m *MemoryStore) GetOrder(id string) (*models.DeliveryOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFoundf("order %s not found", id)
	}
	return o, nil
}
