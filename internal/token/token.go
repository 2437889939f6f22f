// Package token defines the settlement asset interface and an in-process
// ledger implementation.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrInsufficientBalance   = fmt.Errorf("token: insufficient balance: %w", model.ErrTransferFailure)
	ErrInsufficientAllowance = fmt.Errorf("token: insufficient allowance: %w", model.ErrTransferFailure)
	ErrInvalidAmount         = fmt.Errorf("token: amount must be positive: %w", model.ErrTransferFailure)
)

// Asset is a fungible settlement asset. Any error aborts the operation
// that requested the transfer.
type Asset interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)
}

// Ledger is an in-process Asset. Custody accounts (the collateral vault and
// the pool) are ordinary accounts.
type Ledger struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal
}

var _ Asset = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
}

// Mint credits amount to account out of thin air.
func (l *Ledger) Mint(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
}

// Approve sets the amount spender may move on behalf of owner.
func (l *Ledger) Approve(owner, spender string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
}

func (l *Ledger) Transfer(_ context.Context, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *Ledger) TransferFrom(_ context.Context, spender, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allows %s %s, need %s", ErrInsufficientAllowance, from, spender, allowed, amount)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

func (l *Ledger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[owner][spender], nil
}

func (l *Ledger) move(from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Movement is one transfer in a settlement. A non-empty Spender makes it
// a TransferFrom pulled by the spender.
type Movement struct {
	Spender string
	From    string
	To      string
	Amount  decimal.Decimal
}

// Settle performs the movements in order. If one fails, the completed ones
// are reversed and the error returned. On success it returns an undo
// function that reverses every movement, for use when a later step of the
// enclosing operation fails. Zero amounts are skipped.
func Settle(ctx context.Context, a Asset, moves ...Movement) (func(context.Context), error) {
	done := make([]Movement, 0, len(moves))
	undo := func(ctx context.Context) {
		for i := len(done) - 1; i >= 0; i-- {
			m := done[i]
			if err := a.Transfer(ctx, m.To, m.From, m.Amount); err != nil {
				slog.Error("settlement reversal failed",
					"from", m.To, "to", m.From, "amount", m.Amount.String(), "err", err)
			}
		}
	}

	for _, m := range moves {
		if m.Amount.IsZero() {
			continue
		}
		var err error
		if m.Spender != "" {
			err = a.TransferFrom(ctx, m.Spender, m.From, m.To, m.Amount)
		} else {
			err = a.Transfer(ctx, m.From, m.To, m.Amount)
		}
		if err != nil {
			undo(ctx)
			return nil, err
		}
		done = append(done, m)
	}
	return undo, nil
}
