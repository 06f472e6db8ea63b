package drivers

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const initialRating = 5.0

// Registry holds every registered driver in memory. The map is guarded by
// mu; each record has its own mutex so read-modify-write on one driver
// never blocks another.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byPhone map[string]string
	order   []string

	newID func() string
	now   func() time.Time
}

type entry struct {
	mu sync.Mutex
	d  models.Driver
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*entry),
		byPhone: make(map[string]string),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Register creates a pending, offline driver with a 5.0 rating.
func (r *Registry) Register(phone, name string) (models.Driver, error) {
	phone, name = strings.TrimSpace(phone), strings.TrimSpace(name)
	if phone == "" || name == "" {
		return models.Driver{}, apperr.Validation("phone and name are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPhone[phone]; ok {
		return models.Driver{}, apperr.Conflict("driver with phone %s already registered", phone)
	}
	d := models.Driver{
		ID:        r.newID(),
		Phone:     phone,
		Name:      name,
		Approval:  models.ApprovalPending,
		Rating:    initialRating,
		CreatedAt: r.now().UTC(),
	}
	r.byID[d.ID] = &entry{d: d}
	r.byPhone[phone] = d.ID
	r.order = append(r.order, d.ID)
	return clone(d), nil
}

func (r *Registry) Get(id string) (models.Driver, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.d), nil
}

func (r *Registry) FindByPhone(phone string) (models.Driver, error) {
	r.mu.RLock()
	id, ok := r.byPhone[strings.TrimSpace(phone)]
	r.mu.RUnlock()
	if !ok {
		return models.Driver{}, apperr.NotFound("no driver with phone %s", phone)
	}
	return r.Get(id)
}

// List returns all drivers in registration order.
func (r *Registry) List() []models.Driver {
	return r.collect(func(models.Driver) bool { return true })
}

// ListOnline is the candidate pool for dispatch.
func (r *Registry) ListOnline() []models.Driver {
	return r.collect(func(d models.Driver) bool { return d.Online })
}

func (r *Registry) OnlineCount() int {
	return len(r.ListOnline())
}

func (r *Registry) SetApproval(id string, state models.ApprovalState) (models.Driver, error) {
	if state != models.ApprovalApproved && state != models.ApprovalRejected {
		return models.Driver{}, apperr.Validation("approval state must be %s or %s, got %q", models.ApprovalApproved, models.ApprovalRejected, state)
	}
	return r.mutate(id, func(e *entry) error {
		e.d.Approval = state
		return nil
	})
}

// UpdateLocation stores the position and marks the driver online. Presence
// is inferred from location activity; there is no explicit offline call.
func (r *Registry) UpdateLocation(id string, lat, lng float64) (models.Driver, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return models.Driver{}, err
	}
	return r.mutate(id, func(e *entry) error {
		e.d.Location = &models.Coord{Lat: lat, Lng: lng}
		e.d.Online = true
		return nil
	})
}

// ApplyRating folds score into the published rating:
// (rating*count + score) / (count+1), rounded to one decimal at every step.
// The initial 5.0 carries no weight because count starts at zero.
func (r *Registry) ApplyRating(id string, score float64) (models.Driver, error) {
	if math.IsNaN(score) || score < 1 || score > 5 {
		return models.Driver{}, apperr.Validation("rating must be between 1 and 5, got %v", score)
	}
	return r.mutate(id, func(e *entry) error {
		n := float64(e.d.RatingCount)
		e.d.Rating = roundOne((e.d.Rating*n + score) / (n + 1))
		e.d.RatingCount++
		return nil
	})
}

func (r *Registry) SetPayoutID(id, payoutID string) (models.Driver, error) {
	payoutID = strings.TrimSpace(payoutID)
	if payoutID == "" {
		return models.Driver{}, apperr.Validation("payout id is required")
	}
	return r.mutate(id, func(e *entry) error {
		e.d.PayoutID = payoutID
		return nil
	})
}

func ValidateCoord(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return apperr.Validation("coordinates out of range: lat=%v lng=%v", lat, lng)
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("driver %s", id)
	}
	return e, nil
}

func (r *Registry) mutate(id string, fn func(e *entry) error) (models.Driver, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e); err != nil {
		return models.Driver{}, err
	}
	return clone(e.d), nil
}

func (r *Registry) collect(keep func(models.Driver) bool) []models.Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Driver, 0, len(r.order))
	for _, id := range r.order {
		e := r.byID[id]
		e.mu.Lock()
		d := clone(e.d)
		e.mu.Unlock()
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func clone(d models.Driver) models.Driver {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	return d
}

func roundOne(v float64) float64 {
	return math.Round(v*10) / 10
}
