package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore defines persistence operations for rides. Implementations only
// need single-record atomicity; the ride engine serializes writers per id.
type RideStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	UpdateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	CountRides(ctx context.Context) (int, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) SaveRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return apperr.Conflict("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return apperr.NotFound("ride %s", r.ID)
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, apperr.NotFound("ride %s", id)
	}
	return r, nil
}

func (m *MemoryStore) CountRides(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides), nil
}
