package passengers

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Registry is the in-memory passenger directory. Passengers carry no
// mutable state after registration, so a single RWMutex is enough.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]models.Passenger
	byPhone map[string]string

	newID func() string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]models.Passenger),
		byPhone: make(map[string]string),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (r *Registry) Register(phone, name string) (models.Passenger, error) {
	phone, name = strings.TrimSpace(phone), strings.TrimSpace(name)
	if phone == "" || name == "" {
		return models.Passenger{}, apperr.Validation("phone and name are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPhone[phone]; ok {
		return models.Passenger{}, apperr.Conflict("passenger with phone %s already registered", phone)
	}
	p := models.Passenger{
		ID:        r.newID(),
		Phone:     phone,
		Name:      name,
		Rating:    5.0,
		CreatedAt: r.now().UTC(),
	}
	r.byID[p.ID] = p
	r.byPhone[phone] = p.ID
	return p, nil
}

func (r *Registry) FindByID(id string) (models.Passenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return models.Passenger{}, apperr.NotFound("passenger %s", id)
	}
	return p, nil
}

func (r *Registry) FindByPhone(phone string) (models.Passenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[strings.TrimSpace(phone)]
	if !ok {
		return models.Passenger{}, apperr.NotFound("no passenger with phone %s", phone)
	}
	return r.byID[id], nil
}
