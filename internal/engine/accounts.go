package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/token"
)

// AccountView is a trader's collateral with the derived figures.
type AccountView struct {
	Trader    string          `json:"trader"`
	Total     decimal.Decimal `json:"total_deposited"`
	Committed decimal.Decimal `json:"committed"`
	Available decimal.Decimal `json:"available"`
}

// Account returns the trader's collateral totals.
func (e *Engine) Account(trader string) AccountView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view(trader)
}

// AvailableCollateral returns total deposits minus collateral committed to
// pending orders and open positions.
func (e *Engine) AvailableCollateral(trader string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Available(trader)
}

// Deposit pulls amount of the settlement asset from trader into the vault.
// The trader must have approved the vault as spender.
func (e *Engine) Deposit(ctx context.Context, trader string, amount decimal.Decimal) (AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.ledger.PrepareDeposit(trader, amount)
	if err != nil {
		return AccountView{}, err
	}

	o := e.newOp("deposit")
	defer o.abort()
	o.account(acct)
	o.move(token.Movement{Spender: e.vault, From: trader, To: e.vault, Amount: amount})
	o.journal(model.JournalEntry{Kind: model.JournalDeposit, Account: trader, Amount: amount})
	o.emit(events.Event{Type: events.TypeDeposited, Account: trader, Amount: amount.String()})
	if err := o.commit(ctx); err != nil {
		return AccountView{}, err
	}

	slog.Info("collateral deposited", "trader", trader, "amount", amount.String(),
		"total", acct.TotalDeposited.String())
	return e.view(trader), nil
}

// Withdraw returns amount of available collateral to the trader.
func (e *Engine) Withdraw(ctx context.Context, trader string, amount decimal.Decimal) (AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.ledger.PrepareWithdraw(trader, amount)
	if err != nil {
		return AccountView{}, err
	}

	o := e.newOp("withdraw")
	defer o.abort()
	o.account(acct)
	o.move(token.Movement{From: e.vault, To: trader, Amount: amount})
	o.journal(model.JournalEntry{Kind: model.JournalWithdraw, Account: trader, Amount: amount})
	o.emit(events.Event{Type: events.TypeWithdrawn, Account: trader, Amount: amount.String()})
	if err := o.commit(ctx); err != nil {
		return AccountView{}, err
	}

	slog.Info("collateral withdrawn", "trader", trader, "amount", amount.String(),
		"total", acct.TotalDeposited.String())
	return e.view(trader), nil
}

// view is Account for callers holding e.mu.
func (e *Engine) view(trader string) AccountView {
	committed := e.committed(trader)
	total := e.ledger.Total(trader)
	return AccountView{Trader: trader, Total: total, Committed: committed, Available: total.Sub(committed)}
}
