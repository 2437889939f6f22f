package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
)

// AddMarket registers a market and its zero-balance pool. oracleRef names
// the price feed; empty means the symbol itself. Requires admin.
func (e *Engine) AddMarket(ctx context.Context, c auth.Capability, symbol, oracleRef string) (model.Market, error) {
	if err := c.Require(auth.PermAdmin); err != nil {
		return model.Market{}, err
	}
	parsed, err := contract.Parse(symbol)
	if err != nil {
		return model.Market{}, fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
	}
	if oracleRef == "" {
		oracleRef = parsed.Symbol
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.markets[parsed.Symbol]; ok {
		return model.Market{}, fmt.Errorf("%w: %s", ErrMarketExists, parsed.Symbol)
	}
	m := model.Market{
		Symbol:    parsed.Symbol,
		OracleRef: oracleRef,
		Active:    true,
		CreatedAt: e.now(),
	}

	o := e.newOp("add_market")
	defer o.abort()
	if err := o.pool().AddMarket(m.Symbol); err != nil {
		return model.Market{}, err
	}
	o.market(m)
	o.emit(events.Event{Type: events.TypeMarketAdded, Market: m.Symbol})
	if err := o.commit(ctx); err != nil {
		return model.Market{}, err
	}

	slog.Info("market added", "symbol", m.Symbol, "oracle", m.OracleRef, "by", c.Subject)
	return m, nil
}

// SetMarketActive enables or disables new orders and allocations in a
// market. Open positions can still be closed or liquidated. Requires admin.
func (e *Engine) SetMarketActive(ctx context.Context, c auth.Capability, symbol string, active bool) (model.Market, error) {
	if err := c.Require(auth.PermAdmin); err != nil {
		return model.Market{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets[symbol]
	if !ok {
		return model.Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	m.Active = active

	o := e.newOp("set_market_active")
	defer o.abort()
	if err := o.pool().SetActive(symbol, active); err != nil {
		return model.Market{}, err
	}
	o.market(m)
	o.emit(events.Event{Type: events.TypeMarketUpdated, Market: symbol})
	if err := o.commit(ctx); err != nil {
		return model.Market{}, err
	}

	slog.Info("market updated", "symbol", symbol, "active", active, "by", c.Subject)
	return m, nil
}

// FeeUpdate changes fee parameters. Nil fields are left unchanged.
type FeeUpdate struct {
	TradingFeeBps       *int64 `json:"trading_fee_bps,omitempty"`
	InsuranceCutBps     *int64 `json:"insurance_cut_bps,omitempty"`
	LiquidationBonusBps *int64 `json:"liquidation_bonus_bps,omitempty"`
}

// UpdateFees applies u. Requires admin. Fee parameters are runtime
// settings and are not persisted.
func (e *Engine) UpdateFees(c auth.Capability, u FeeUpdate) (Params, error) {
	if err := c.Require(auth.PermAdmin); err != nil {
		return Params{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.params
	if u.TradingFeeBps != nil {
		next.TradingFeeBps = *u.TradingFeeBps
	}
	if u.LiquidationBonusBps != nil {
		next.LiquidationBonusBps = *u.LiquidationBonusBps
	}
	if err := next.Validate(); err != nil {
		return Params{}, err
	}
	if u.InsuranceCutBps != nil {
		if err := e.pool.SetInsuranceCut(*u.InsuranceCutBps); err != nil {
			return Params{}, err
		}
	}
	e.params = next

	slog.Info("fees updated",
		"trading_fee_bps", next.TradingFeeBps,
		"liquidation_bonus_bps", next.LiquidationBonusBps,
		"insurance_cut_bps", e.pool.Config().InsuranceCutBps,
		"by", c.Subject,
	)
	return next, nil
}
