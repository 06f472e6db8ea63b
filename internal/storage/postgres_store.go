package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/wallet"
)

// PostgresStore persists rides and journals wallet transactions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies every .sql file in dir in lexical order.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, passenger_id, pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address, fare, driver_id, driver_payout_id, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Drop.Lat, r.Drop.Lng, r.Drop.Address,
		r.Fare, nullString(r.DriverID), nullString(r.DriverPayoutID), string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, driver_payout_id=$2, status=$3, updated_at=$4 WHERE id=$5`,
		nullString(r.DriverID), nullString(r.DriverPayoutID), string(r.Status), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("ride %s", r.ID)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var (
		r                  models.Ride
		driverID, payoutID sql.NullString
		status             string
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, passenger_id, pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address, fare, driver_id, driver_payout_id, status, created_at, updated_at
		FROM rides WHERE id=$1`, id).Scan(
		&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Drop.Lat, &r.Drop.Lng, &r.Drop.Address,
		&r.Fare, &driverID, &payoutID, &status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, apperr.NotFound("ride %s", id)
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverID = driverID.String
	r.DriverPayoutID = payoutID.String
	r.Status = models.RideStatus(status)
	return r, nil
}

func (p *PostgresStore) CountRides(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM rides`).Scan(&n)
	return n, err
}

// AppendTransaction implements wallet.Journal.
func (p *PostgresStore) AppendTransaction(ctx context.Context, driverID string, tx models.Transaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO wallet_transactions(id, driver_id, amount, kind, description, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		tx.ID, driverID, tx.Amount, string(tx.Kind), tx.Description, tx.Timestamp)
	return err
}

// LoadTransactions implements wallet.Source, oldest first.
func (p *PostgresStore) LoadTransactions(ctx context.Context) ([]wallet.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, amount, kind, description, created_at FROM wallet_transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wallet.Entry
	for rows.Next() {
		var (
			e    wallet.Entry
			kind string
		)
		if err := rows.Scan(&e.Transaction.ID, &e.DriverID, &e.Transaction.Amount, &kind, &e.Transaction.Description, &e.Transaction.Timestamp); err != nil {
			return nil, err
		}
		e.Transaction.Kind = models.TransactionKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
