package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a pickup or drop point.
type Place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

type Driver struct {
	ID          string        `json:"id"`
	Phone       string        `json:"phone"`
	Name        string        `json:"name"`
	Approval    ApprovalState `json:"status"`
	Online      bool          `json:"is_online"`
	Location    *Coord        `json:"location,omitempty"`
	Rating      float64       `json:"rating"` // 1..5
	RatingCount int           `json:"rating_count"`
	PayoutID    string        `json:"payout_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Dispatchable reports whether the driver may receive ride offers.
func (d Driver) Dispatchable() bool {
	return d.Online && d.Approval == ApprovalApproved
}

type Passenger struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Rating    float64   `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

type RideStatus string

const (
	RideRequested  RideStatus = "REQUESTED"
	RideAccepted   RideStatus = "ACCEPTED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type RideRequest struct {
	PassengerID string          `json:"passenger_id"`
	Pickup      *Place          `json:"pickup"`
	Drop        *Place          `json:"drop"`
	Fare        decimal.Decimal `json:"fare"`
}

type Ride struct {
	ID             string          `json:"id"`
	PassengerID    string          `json:"passenger_id"`
	Pickup         Place           `json:"pickup"`
	Drop           Place           `json:"drop"`
	Fare           decimal.Decimal `json:"fare"`
	DriverID       string          `json:"driver_id,omitempty"`
	DriverPayoutID string          `json:"driver_payout_id,omitempty"`
	Status         RideStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RideOffer is what a candidate driver receives for a new request.
type RideOffer struct {
	Ride           Ride    `json:"ride"`
	DriverID       string  `json:"driver_id"`
	DistanceMeters float64 `json:"distance_meters"`
	ETASeconds     float64 `json:"eta_seconds"`
}

type TransactionKind string

const (
	Credit TransactionKind = "CREDIT"
	Debit  TransactionKind = "DEBIT"
)

type Transaction struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        TransactionKind `json:"type"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

type Wallet struct {
	DriverID     string          `json:"driver_id"`
	Balance      decimal.Decimal `json:"balance"`
	Transactions []Transaction   `json:"transactions"`
}

type Stats struct {
	OnlineDriverCount int             `json:"online_driver_count"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	TotalRideCount    int             `json:"total_ride_count"`
}
