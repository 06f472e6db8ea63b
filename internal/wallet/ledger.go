package wallet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// MoneyPlaces is the ledger's rounding: every recorded amount is rounded
// half away from zero to this many decimal places.
const MoneyPlaces = 2

func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Journal durably records transactions before they are applied in memory.
type Journal interface {
	AppendTransaction(ctx context.Context, driverID string, tx models.Transaction) error
}

// Entry is one journaled transaction and the wallet it belongs to.
type Entry struct {
	DriverID    string
	Transaction models.Transaction
}

// Source reads back every journaled transaction.
type Source interface {
	LoadTransactions(ctx context.Context) ([]Entry, error)
}

// Ledger keeps one wallet per driver. Balances may go negative: commission
// is owed even when the driver collected the fare in cash.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	journal  Journal

	newID func() string
	now   func() time.Time
}

type account struct {
	mu sync.Mutex
	w  models.Wallet
}

// NewLedger returns an empty ledger. journal may be nil.
func NewLedger(journal Journal) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		journal:  journal,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// GetOrCreate returns the driver's wallet, opening it with a zero balance
// on first access.
func (l *Ledger) GetOrCreate(driverID string) models.Wallet {
	a := l.account(driverID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot(a.w)
}

// Record appends a transaction and moves the balance. Nothing is applied if
// the journal rejects the write.
func (l *Ledger) Record(ctx context.Context, driverID string, amount decimal.Decimal, kind models.TransactionKind, description string) (models.Wallet, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.Wallet{}, apperr.Validation("driver id is required")
	}
	if amount.IsNegative() {
		return models.Wallet{}, apperr.Validation("amount must be >= 0, got %s", amount)
	}
	if kind != models.Credit && kind != models.Debit {
		return models.Wallet{}, apperr.Validation("unknown transaction kind %q", kind)
	}

	a := l.account(driverID)
	a.mu.Lock()
	defer a.mu.Unlock()

	tx := models.Transaction{
		ID:          l.newID(),
		Amount:      Round(amount),
		Kind:        kind,
		Description: description,
		Timestamp:   l.now().UTC(),
	}
	if l.journal != nil {
		if err := l.journal.AppendTransaction(ctx, driverID, tx); err != nil {
			return models.Wallet{}, fmt.Errorf("journal transaction for driver %s: %w", driverID, err)
		}
	}
	a.apply(tx)
	return snapshot(a.w), nil
}

// Restore replays journaled transactions in timestamp order without
// journaling them again. Call it once at startup, before any Record.
func (l *Ledger) Restore(ctx context.Context, src Source) (int, error) {
	entries, err := src.LoadTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Transaction.Timestamp.Before(entries[j].Transaction.Timestamp)
	})
	for _, e := range entries {
		if k := e.Transaction.Kind; k != models.Credit && k != models.Debit {
			return 0, fmt.Errorf("journal entry %s: unknown transaction kind %q", e.Transaction.ID, k)
		}
	}
	for _, e := range entries {
		a := l.account(e.DriverID)
		a.mu.Lock()
		a.apply(e.Transaction)
		a.mu.Unlock()
	}
	return len(entries), nil
}

// Revenue sums every debit across all wallets. Debits are only ever
// written for ride commission.
func (l *Ledger) Revenue() decimal.Decimal {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	total := decimal.Zero
	for _, a := range accounts {
		a.mu.Lock()
		for _, tx := range a.w.Transactions {
			if tx.Kind == models.Debit {
				total = total.Add(tx.Amount)
			}
		}
		a.mu.Unlock()
	}
	return total
}

func (l *Ledger) account(driverID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[driverID]
	l.mu.RUnlock()
	if ok {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[driverID]; ok {
		return a
	}
	a = &account{w: models.Wallet{DriverID: driverID, Balance: decimal.Zero, Transactions: []models.Transaction{}}}
	l.accounts[driverID] = a
	return a
}

// apply moves the balance and appends tx. Callers hold a.mu.
func (a *account) apply(tx models.Transaction) {
	if tx.Kind == models.Credit {
		a.w.Balance = a.w.Balance.Add(tx.Amount)
	} else {
		a.w.Balance = a.w.Balance.Sub(tx.Amount)
	}
	a.w.Transactions = append(a.w.Transactions, tx)
}

func snapshot(w models.Wallet) models.Wallet {
	txs := make([]models.Transaction, len(w.Transactions))
	copy(txs, w.Transactions)
	w.Transactions = txs
	return w
}
