package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/token"
)

// IsLiquidatable reports whether an open position's remaining collateral,
// after any unrealized loss, is at or below (1 − threshold) of what was
// committed. Unknown, closed and unpriceable positions are not.
func (e *Engine) IsLiquidatable(ctx context.Context, id uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[id]
	if !ok || pos.Status != model.PositionOpen {
		return false
	}
	price, ok := e.prices.GetPriceSafe(ctx, e.markets[pos.Market].OracleRef)
	if !ok {
		metrics.OracleFailures.WithLabelValues(pos.Market).Inc()
		return false
	}
	return e.underwater(pos, price.Value)
}

func (e *Engine) underwater(pos model.Position, price decimal.Decimal) bool {
	remaining := pos.Collateral
	if pnl := PnL(pos.Side, pos.EntryPrice, pos.Size, price, e.params); pnl.IsNegative() {
		remaining = model.MaxZero(remaining.Add(pnl))
	}
	// remaining/collateral <= (denominator − threshold)/denominator
	lhs := remaining.Mul(decimal.NewFromInt(model.BpsDenominator))
	rhs := pos.Collateral.Mul(decimal.NewFromInt(model.BpsDenominator - e.params.LiquidationThresholdBps))
	return lhs.LessThanOrEqual(rhs)
}

// Liquidate force-closes an underwater position. The liquidator receives
// LiquidationBonusBps of the position's collateral; the rest of the
// collateral is credited to the pool as a loss. The trader forfeits the
// whole collateral. Returns ErrNotLiquidatable if the position recovered.
func (e *Engine) Liquidate(ctx context.Context, liquidator string, id uint64) (Settlement, error) {
	if liquidator == "" {
		return Settlement{}, ErrInvalidAccount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[id]
	if !ok || pos.Status != model.PositionOpen {
		return Settlement{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	price, err := e.prices.GetPrice(ctx, e.markets[pos.Market].OracleRef)
	if err != nil {
		metrics.OracleFailures.WithLabelValues(pos.Market).Inc()
		return Settlement{}, err
	}
	if !e.underwater(pos, price.Value) {
		return Settlement{}, fmt.Errorf("%w: %d at %s", ErrNotLiquidatable, id, price.Value)
	}

	bonus := model.Bps(pos.Collateral, e.params.LiquidationBonusBps, e.params.AmountScale)
	remainder := pos.Collateral.Sub(bonus)

	o := e.newOp("liquidate")
	defer o.abort()
	tx := o.pool()
	// Liquidation releases the same notional that execution allocated.
	if err := tx.Deallocate(pos.Market, pos.Side, pos.Size); err != nil {
		return Settlement{}, err
	}
	if err := tx.ProcessLoss(pos.Market, pos.Side, remainder); err != nil {
		return Settlement{}, err
	}
	acct, err := e.ledger.PrepareDebit(pos.Trader, pos.Collateral, pos.Collateral)
	if err != nil {
		return Settlement{}, err
	}
	o.account(acct)
	o.move(token.Movement{From: e.vault, To: liquidator, Amount: bonus})
	o.move(token.Movement{From: e.vault, To: e.pool.Custody(), Amount: remainder})

	now := e.now()
	loss := pos.Collateral.Neg()
	pos.Status = model.PositionLiquidated
	pos.ClosedAt = &now
	pos.ExitPrice = price.Value
	pos.RealizedPnL = loss

	o.position(pos)
	o.journal(model.JournalEntry{
		Kind:      model.JournalLiquidated,
		Account:   pos.Trader,
		Market:    pos.Market,
		RefID:     pos.ID,
		Amount:    pos.Size,
		Price:     price.Value,
		PnL:       loss,
		Fee:       bonus,
		Timestamp: now,
	})
	o.emit(events.Event{
		Type:       events.TypePositionLiquidated,
		Market:     pos.Market,
		Account:    pos.Trader,
		OrderID:    pos.OrderID,
		PositionID: pos.ID,
		Side:       string(pos.Side),
		Size:       pos.Size.String(),
		Price:      price.Value.String(),
		Amount:     bonus.String(),
		PnL:        loss.String(),
	})
	if err := o.commit(ctx); err != nil {
		return Settlement{}, err
	}

	metrics.PositionsTotal.WithLabelValues(pos.Market, "liquidated").Inc()
	slog.Info("position liquidated",
		"id", pos.ID,
		"trader", pos.Trader,
		"liquidator", liquidator,
		"market", pos.Market,
		"price", price.Value.String(),
		"collateral", pos.Collateral.String(),
		"bonus", bonus.String(),
	)
	return Settlement{
		Position: pos,
		Price:    price.Value,
		PnL:      PnL(pos.Side, pos.EntryPrice, pos.Size, price.Value, e.params),
		Fee:      decimal.Zero,
		Net:      loss,
		Bonus:    bonus,
	}, nil
}
