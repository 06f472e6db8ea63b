package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/keylock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

var DefaultCommissionRate = decimal.RequireFromString("0.10")

type DriverLookup interface {
	Get(id string) (models.Driver, error)
}

type Ledger interface {
	Record(ctx context.Context, driverID string, amount decimal.Decimal, kind models.TransactionKind, description string) (models.Wallet, error)
}

// Observer runs after every successful transition while the ride is still
// locked, so observers see transitions of one ride in order. prev is nil
// when the ride was just created. Observers must not block.
type Observer func(prev *models.Ride, next models.Ride)

// Engine owns ride records and is the only writer of status and driver
// assignment. Every event on a ride runs under that ride's lock.
type Engine struct {
	store          storage.RideStore
	drivers        DriverLookup
	ledger         Ledger
	commissionRate decimal.Decimal
	locks          *keylock.Map
	observers      []Observer

	assignMu    sync.Mutex
	assignments map[string]string // driver id -> active ride id

	newID func() string
	now   func() time.Time
}

func NewEngine(store storage.RideStore, drivers DriverLookup, ledger Ledger, commissionRate decimal.Decimal) *Engine {
	return &Engine{
		store:          store,
		drivers:        drivers,
		ledger:         ledger,
		commissionRate: commissionRate,
		locks:          keylock.New(),
		assignments:    make(map[string]string),
		newID:          uuid.NewString,
		now:            time.Now,
	}
}

// Observe registers fn for all later transitions. Not safe to call
// concurrently with ride events; wire observers at startup.
func (e *Engine) Observe(fn Observer) {
	e.observers = append(e.observers, fn)
}

// Commission is the platform cut of fare, rounded with the ledger's rounding.
func Commission(fare, rate decimal.Decimal) decimal.Decimal {
	return wallet.Round(fare.Mul(rate))
}

func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	if err := validateRequest(req); err != nil {
		return models.Ride{}, err
	}
	now := e.now().UTC()
	ride := models.Ride{
		ID:          e.newID(),
		PassengerID: strings.TrimSpace(req.PassengerID),
		Pickup:      *req.Pickup,
		Drop:        *req.Drop,
		Fare:        req.Fare,
		Status:      models.RideRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	unlock := e.locks.Lock(ride.ID)
	defer unlock()
	if err := e.store.SaveRide(ctx, ride); err != nil {
		return models.Ride{}, fmt.Errorf("save ride: %w", err)
	}
	observability.RidesRequested.Inc()
	e.notify(nil, ride)
	return ride, nil
}

// Accept assigns driverID to a requested ride. Concurrent accepts for the
// same ride serialize on the ride lock, so exactly one observes REQUESTED.
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	ride, err := e.load(ctx, "accept", rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.Status != models.RideRequested {
		return models.Ride{}, e.reject("accept", "ride %s is %s", rideID, ride.Status)
	}
	d, err := e.drivers.Get(driverID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Ride{}, e.reject("accept", "driver %s does not exist", driverID)
		}
		return models.Ride{}, err
	}
	if !d.Online {
		return models.Ride{}, e.reject("accept", "driver %s is offline", driverID)
	}

	next := ride
	next.Status = models.RideAccepted
	next.DriverID = d.ID
	next.DriverPayoutID = d.PayoutID
	next.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRide(ctx, next); err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	e.assign(d.ID, next.ID)
	e.notify(&ride, next)
	return next, nil
}

// Complete finishes an accepted ride and debits the commission from the
// driver's wallet. If the debit fails the ride is restored to ACCEPTED.
func (e *Engine) Complete(ctx context.Context, rideID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	ride, err := e.load(ctx, "complete", rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.Status != models.RideAccepted || ride.DriverID == "" {
		return models.Ride{}, e.reject("complete", "ride %s is %s", rideID, ride.Status)
	}

	next := ride
	next.Status = models.RideCompleted
	next.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRide(ctx, next); err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	commission := Commission(ride.Fare, e.commissionRate)
	if _, err := e.ledger.Record(ctx, ride.DriverID, commission, models.Debit, fmt.Sprintf("Commission for ride %s", ride.ID)); err != nil {
		if rbErr := e.store.UpdateRide(ctx, ride); rbErr != nil {
			return models.Ride{}, errors.Join(fmt.Errorf("debit commission: %w", err), fmt.Errorf("restore ride %s: %w", ride.ID, rbErr))
		}
		return models.Ride{}, fmt.Errorf("debit commission: %w", err)
	}
	observability.CommissionTotal.Add(commission.InexactFloat64())
	e.release(ride.DriverID, ride.ID)
	e.notify(&ride, next)
	return next, nil
}

// Cancel moves a non-terminal ride to CANCELLED and drops the driver
// assignment. No money moves.
func (e *Engine) Cancel(ctx context.Context, rideID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	ride, err := e.load(ctx, "cancel", rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.Status.Terminal() {
		return models.Ride{}, e.reject("cancel", "ride %s is already %s", rideID, ride.Status)
	}

	next := ride
	next.Status = models.RideCancelled
	next.DriverID = ""
	next.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRide(ctx, next); err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	if ride.DriverID != "" {
		e.release(ride.DriverID, ride.ID)
	}
	e.notify(&ride, next)
	return next, nil
}

// Get waits for any in-flight event on the ride, so it never returns a
// state that a failed completion is about to roll back.
func (e *Engine) Get(ctx context.Context, rideID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()
	return e.store.GetRide(ctx, rideID)
}

func (e *Engine) Count(ctx context.Context) (int, error) {
	return e.store.CountRides(ctx)
}

// ActiveRide returns the accepted ride currently assigned to driverID.
func (e *Engine) ActiveRide(ctx context.Context, driverID string) (models.Ride, bool) {
	e.assignMu.Lock()
	rideID, ok := e.assignments[driverID]
	e.assignMu.Unlock()
	if !ok {
		return models.Ride{}, false
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil || ride.Status != models.RideAccepted || ride.DriverID != driverID {
		return models.Ride{}, false
	}
	return ride, true
}

func (e *Engine) load(ctx context.Context, event, rideID string) (models.Ride, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if errors.Is(err, apperr.ErrNotFound) {
		observability.InvalidTransitions.WithLabelValues(event).Inc()
		return models.Ride{}, fmt.Errorf("%w: %s: %w", apperr.ErrInvalidTransition, event, err)
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	return ride, nil
}

func (e *Engine) reject(event, format string, args ...any) error {
	observability.InvalidTransitions.WithLabelValues(event).Inc()
	return apperr.InvalidTransition(event+": "+format, args...)
}

func (e *Engine) assign(driverID, rideID string) {
	e.assignMu.Lock()
	e.assignments[driverID] = rideID
	e.assignMu.Unlock()
}

func (e *Engine) release(driverID, rideID string) {
	e.assignMu.Lock()
	if e.assignments[driverID] == rideID {
		delete(e.assignments, driverID)
	}
	e.assignMu.Unlock()
}

func (e *Engine) notify(prev *models.Ride, next models.Ride) {
	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()
	for _, fn := range e.observers {
		fn(prev, next)
	}
}

func validateRequest(req models.RideRequest) error {
	if strings.TrimSpace(req.PassengerID) == "" {
		return apperr.Validation("passenger id is required")
	}
	if req.Pickup == nil || req.Drop == nil {
		return apperr.Validation("pickup and drop are required")
	}
	if err := drivers.ValidateCoord(req.Pickup.Lat, req.Pickup.Lng); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := drivers.ValidateCoord(req.Drop.Lat, req.Drop.Lng); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	if req.Fare.IsNegative() {
		return apperr.Validation("fare must be >= 0, got %s", req.Fare)
	}
	return nil
}
