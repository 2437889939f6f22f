// Package collateral tracks the settlement asset each trader has deposited.
//
// Only totals are stored. Available collateral is derived on every call
// from the caller-supplied Commitments, so it can never drift from the
// orders and positions that actually hold collateral.
//
// The ledger is not safe for concurrent use; the engine serializes access.
// Prepare* methods validate and return the updated account without
// mutating the ledger; Apply installs it once the operation commits.
package collateral

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrInvalidAmount          = fmt.Errorf("collateral: amount must be positive: %w", model.ErrValidation)
	ErrInvalidTrader          = fmt.Errorf("collateral: trader is required: %w", model.ErrValidation)
	ErrInsufficientCollateral = fmt.Errorf("collateral: %w", model.ErrInsufficientCollateral)
)

// Commitments reports the collateral a trader has committed to pending
// orders and open positions.
type Commitments interface {
	Committed(trader string) decimal.Decimal
}

// CommitmentsFunc adapts a function to Commitments.
type CommitmentsFunc func(trader string) decimal.Decimal

func (f CommitmentsFunc) Committed(trader string) decimal.Decimal { return f(trader) }

// Ledger holds per-trader collateral totals.
type Ledger struct {
	accounts    map[string]model.CollateralAccount
	commitments Commitments
	now         func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(c Commitments) *Ledger {
	return &Ledger{
		accounts:    make(map[string]model.CollateralAccount),
		commitments: c,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Account returns the trader's account; unknown traders have a zero total.
func (l *Ledger) Account(trader string) model.CollateralAccount {
	if a, ok := l.accounts[trader]; ok {
		return a
	}
	return model.CollateralAccount{Trader: trader}
}

// Total returns the trader's deposited total.
func (l *Ledger) Total(trader string) decimal.Decimal {
	return l.Account(trader).TotalDeposited
}

// Available returns total minus committed collateral.
func (l *Ledger) Available(trader string) decimal.Decimal {
	return l.Total(trader).Sub(l.commitments.Committed(trader))
}

// PrepareDeposit returns the account after depositing amount.
func (l *Ledger) PrepareDeposit(trader string, amount decimal.Decimal) (model.CollateralAccount, error) {
	if trader == "" {
		return model.CollateralAccount{}, ErrInvalidTrader
	}
	if !amount.IsPositive() {
		return model.CollateralAccount{}, ErrInvalidAmount
	}
	return l.PrepareCredit(trader, amount), nil
}

// PrepareWithdraw returns the account after withdrawing amount. Only
// available collateral can be withdrawn.
func (l *Ledger) PrepareWithdraw(trader string, amount decimal.Decimal) (model.CollateralAccount, error) {
	if trader == "" {
		return model.CollateralAccount{}, ErrInvalidTrader
	}
	if !amount.IsPositive() {
		return model.CollateralAccount{}, ErrInvalidAmount
	}
	return l.PrepareDebit(trader, amount, decimal.Zero)
}

// PrepareDebit returns the account after a settlement debit. released is
// collateral freed by the same operation (the closing position's own
// commitment); the debit may use it but nothing beyond available+released.
func (l *Ledger) PrepareDebit(trader string, amount, released decimal.Decimal) (model.CollateralAccount, error) {
	if avail := l.Available(trader).Add(released); amount.GreaterThan(avail) {
		return model.CollateralAccount{}, fmt.Errorf("%w: %s has %s available, needs %s",
			ErrInsufficientCollateral, trader, avail, amount)
	}
	a := l.Account(trader)
	a.TotalDeposited = a.TotalDeposited.Sub(amount)
	a.UpdatedAt = l.now()
	return a, nil
}

// PrepareCredit returns the account after crediting amount.
func (l *Ledger) PrepareCredit(trader string, amount decimal.Decimal) model.CollateralAccount {
	a := l.Account(trader)
	a.TotalDeposited = a.TotalDeposited.Add(amount)
	a.UpdatedAt = l.now()
	return a
}

// Apply installs a prepared account.
func (l *Ledger) Apply(a model.CollateralAccount) {
	l.accounts[a.Trader] = a
}

// Restore replaces all accounts, used when loading persisted state.
func (l *Ledger) Restore(accounts []model.CollateralAccount) {
	l.accounts = make(map[string]model.CollateralAccount, len(accounts))
	for _, a := range accounts {
		l.accounts[a.Trader] = a
	}
}
