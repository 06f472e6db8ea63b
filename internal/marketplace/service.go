package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/passengers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/wallet"
)

var ErrSettlementDisabled = errors.New("wallet settlement is not configured")

// Collector takes money from a driver's saved payment method.
type Collector interface {
	Collect(ctx context.Context, c payments.Charge) (string, error)
}

type Deps struct {
	Drivers    *drivers.Registry
	Passengers *passengers.Registry
	Rides      *rides.Engine
	Wallets    *wallet.Ledger
	Matcher    *matcher.Service
	Bus        *events.Bus
	Geo        geo.Geo   // optional, kept in sync with location updates
	Payments   Collector // optional
	Currency   string
	Logger     *slog.Logger
}

// Service is the operation surface consumed by the HTTP and websocket
// transports. It sequences registry, engine and ledger calls and emits the
// resulting events.
type Service struct {
	drivers    *drivers.Registry
	passengers *passengers.Registry
	rides      *rides.Engine
	wallets    *wallet.Ledger
	matcher    *matcher.Service
	bus        *events.Bus
	geo        geo.Geo
	payments   Collector
	currency   string
	logger     *slog.Logger
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Currency == "" {
		d.Currency = "inr"
	}
	s := &Service{
		drivers:    d.Drivers,
		passengers: d.Passengers,
		rides:      d.Rides,
		wallets:    d.Wallets,
		matcher:    d.Matcher,
		bus:        d.Bus,
		geo:        d.Geo,
		payments:   d.Payments,
		currency:   d.Currency,
		logger:     d.Logger,
	}
	s.rides.Observe(s.onRideTransition)
	return s
}

func (s *Service) RegisterDriver(phone, name string) (models.Driver, error) {
	d, err := s.drivers.Register(phone, name)
	if err != nil {
		return models.Driver{}, err
	}
	s.logger.Info("driver registered", "driver_id", d.ID)
	return d, nil
}

func (s *Service) SetDriverStatus(id string, state models.ApprovalState) (models.Driver, error) {
	d, err := s.drivers.SetApproval(id, state)
	if err != nil {
		return models.Driver{}, err
	}
	s.logger.Info("driver approval changed", "driver_id", id, "status", state)
	return d, nil
}

// UpdateDriverLocation marks the driver online and broadcasts the new
// position to every connected party except the driver itself. The payload
// names the driver's active ride, if any, so its passenger can follow it.
func (s *Service) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64) (models.Driver, error) {
	d, err := s.drivers.UpdateLocation(id, lat, lng)
	if err != nil {
		return models.Driver{}, err
	}
	observability.DriversOnline.Set(float64(s.drivers.OnlineCount()))
	if s.geo != nil {
		if err := s.geo.Upsert(ctx, id, lat, lng); err != nil {
			s.logger.Warn("geo index update failed", "driver_id", id, "error", err)
		}
	}

	payload := events.DriverMovedPayload{DriverID: id, Lat: lat, Lng: lng}
	if ride, ok := s.rides.ActiveRide(ctx, id); ok {
		payload.RideID = ride.ID
	}
	s.bus.Broadcast(events.Event{Type: events.DriverMoved, Key: id, Payload: payload}, id)
	return d, nil
}

func (s *Service) SetDriverPayout(id, payoutID string) (models.Driver, error) {
	return s.drivers.SetPayoutID(id, payoutID)
}

func (s *Service) RateDriver(id string, score float64) (models.Driver, error) {
	return s.drivers.ApplyRating(id, score)
}

func (s *Service) GetDriver(id string) (models.Driver, error) {
	return s.drivers.Get(id)
}

func (s *Service) ListDrivers() []models.Driver {
	return s.drivers.List()
}

func (s *Service) RegisterPassenger(phone, name string) (models.Passenger, error) {
	p, err := s.passengers.Register(phone, name)
	if err != nil {
		return models.Passenger{}, err
	}
	s.logger.Info("passenger registered", "passenger_id", p.ID)
	return p, nil
}

func (s *Service) GetPassenger(id string) (models.Passenger, error) {
	return s.passengers.FindByID(id)
}

// RequestRide creates the ride and offers it to every candidate driver.
func (s *Service) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	ride, err := s.rides.RequestRide(ctx, req)
	if err != nil {
		return models.Ride{}, err
	}
	candidates := s.matcher.FindCandidates(ctx, ride.Pickup.Lat, ride.Pickup.Lng)
	for _, c := range candidates {
		s.bus.Publish(events.Event{
			Type: events.NewRideRequest,
			Key:  ride.ID,
			Payload: models.RideOffer{
				Ride:           ride,
				DriverID:       c.Driver.ID,
				DistanceMeters: c.DistanceMeters,
				ETASeconds:     c.ETASeconds,
			},
		}, c.Driver.ID)
	}
	s.logger.Info("ride requested", "ride_id", ride.ID, "passenger_id", ride.PassengerID, "fare", ride.Fare.String(), "candidates", len(candidates))
	return ride, nil
}

func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	ride, err := s.rides.Accept(ctx, rideID, driverID)
	if err != nil {
		return models.Ride{}, err
	}
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

func (s *Service) CompleteRide(ctx context.Context, rideID string) (models.Ride, error) {
	ride, err := s.rides.Complete(ctx, rideID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("complete ride failed", "ride_id", rideID, "error", err)
		}
		return models.Ride{}, err
	}
	s.logger.Info("ride completed", "ride_id", rideID, "driver_id", ride.DriverID, "fare", ride.Fare.String())
	return ride, nil
}

func (s *Service) CancelRide(ctx context.Context, rideID string) (models.Ride, error) {
	ride, err := s.rides.Cancel(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	s.logger.Info("ride cancelled", "ride_id", rideID)
	return ride, nil
}

func (s *Service) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	return s.rides.Get(ctx, rideID)
}

func (s *Service) Wallet(driverID string) (models.Wallet, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.Wallet{}, apperr.Validation("driver id is required")
	}
	return s.wallets.GetOrCreate(driverID), nil
}

type Settlement struct {
	Amount          decimal.Decimal `json:"amount"`
	CustomerID      string          `json:"customer_id"`
	PaymentMethodID string          `json:"payment_method_id"`
}

// SettleWallet charges the driver and credits the collected amount. A failed
// charge leaves the wallet untouched.
func (s *Service) SettleWallet(ctx context.Context, driverID string, st Settlement) (models.Wallet, error) {
	if s.payments == nil {
		return models.Wallet{}, ErrSettlementDisabled
	}
	amount := wallet.Round(st.Amount)
	if !amount.IsPositive() {
		return models.Wallet{}, apperr.Validation("settlement amount must be > 0, got %s", st.Amount)
	}
	if _, err := s.drivers.Get(driverID); err != nil {
		return models.Wallet{}, err
	}
	piID, err := s.payments.Collect(ctx, payments.Charge{
		AmountMinor:     amount.Shift(wallet.MoneyPlaces).IntPart(),
		Currency:        s.currency,
		CustomerID:      st.CustomerID,
		PaymentMethodID: st.PaymentMethodID,
		Description:     "Wallet settlement for driver " + driverID,
	})
	if err != nil {
		return models.Wallet{}, fmt.Errorf("collect settlement: %w", err)
	}
	w, err := s.wallets.Record(ctx, driverID, amount, models.Credit, "Settlement "+piID)
	if err != nil {
		// Money moved but the ledger did not; surface loudly for reconciliation.
		s.logger.Error("settlement captured but not recorded", "driver_id", driverID, "payment_intent", piID, "amount", amount.String(), "error", err)
		return models.Wallet{}, err
	}
	s.logger.Info("wallet settled", "driver_id", driverID, "payment_intent", piID, "amount", amount.String())
	return w, nil
}

// Stats is computed on every call from the registries and the ledger.
func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	n, err := s.rides.Count(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("count rides: %w", err)
	}
	return models.Stats{
		OnlineDriverCount: s.drivers.OnlineCount(),
		TotalRevenue:      s.wallets.Revenue(),
		TotalRideCount:    n,
	}, nil
}

func (s *Service) onRideTransition(prev *models.Ride, next models.Ride) {
	if prev == nil {
		return
	}
	s.bus.Publish(events.Event{Type: events.RideStatusChanged, Key: next.ID, Payload: next},
		next.PassengerID, next.DriverID, prev.DriverID)
}
