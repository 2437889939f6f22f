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

// Settlement describes a closed or liquidated position.
type Settlement struct {
	Position model.Position  `json:"position"`
	Price    decimal.Decimal `json:"price"`
	PnL      decimal.Decimal `json:"pnl"`
	Fee      decimal.Decimal `json:"fee"`
	Net      decimal.Decimal `json:"net"`
	Bonus    decimal.Decimal `json:"bonus,omitempty"`
}

// LiquidationPrice returns entry × (1 − threshold/leverage) for longs and
// entry × (1 + threshold/leverage) for shorts, truncated at PriceScale.
func LiquidationPrice(side model.Side, entry decimal.Decimal, leverage int64, p Params) decimal.Decimal {
	den := decimal.NewFromInt(model.BpsDenominator * leverage)
	threshold := decimal.NewFromInt(p.LiquidationThresholdBps)
	num := den.Sub(threshold)
	if side == model.SideShort {
		num = den.Add(threshold)
	}
	return model.MulDiv(entry, num, den, p.PriceScale)
}

// PnL returns the unrealized profit (negative for a loss) of a position of
// size opened at entry, marked at current.
func PnL(side model.Side, entry, size, current decimal.Decimal, p Params) decimal.Decimal {
	diff := current.Sub(entry)
	if side == model.SideShort {
		diff = diff.Neg()
	}
	unit := p.PriceUnit
	if !unit.IsPositive() {
		unit = entry
	}
	return model.MulDiv(diff, size, unit, p.AmountScale)
}

// ClosePosition settles an open position at the current oracle price.
//
// The fee is size × TradingFeeBps. Net PnL (PnL − fee) is paid from the
// counterparty side of the pool when positive, backed by the insurance
// fund; if neither can cover it the close is aborted with
// ErrProfitShortfall. A net loss is credited to the position's own side of
// the pool and debited from the trader's collateral.
func (e *Engine) ClosePosition(ctx context.Context, caller string, id uint64) (Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[id]
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if caller != pos.Trader {
		return Settlement{}, fmt.Errorf("%w: position %d", ErrNotOwner, id)
	}
	if pos.Status != model.PositionOpen {
		return Settlement{}, fmt.Errorf("%w: %d is %s", ErrPositionNotFound, id, pos.Status)
	}

	m := e.markets[pos.Market]
	price, err := e.prices.GetPrice(ctx, m.OracleRef)
	if err != nil {
		metrics.OracleFailures.WithLabelValues(pos.Market).Inc()
		return Settlement{}, err
	}

	pnl := PnL(pos.Side, pos.EntryPrice, pos.Size, price.Value, e.params)
	fee := model.Bps(pos.Size, e.params.TradingFeeBps, e.params.AmountScale)
	net := pnl.Sub(fee)

	o := e.newOp("close_position")
	defer o.abort()
	tx := o.pool()
	if err := tx.Deallocate(pos.Market, pos.Side, pos.Size); err != nil {
		return Settlement{}, err
	}
	if err := tx.CollectTradingFees(pos.Market, fee); err != nil {
		return Settlement{}, err
	}

	custody := e.pool.Custody()
	if net.IsPositive() {
		if !tx.ProcessProfit(pos.Market, pos.Side, net) {
			metrics.ProfitShortfalls.WithLabelValues(pos.Market).Inc()
			slog.Error("profit exceeds pool and insurance fund",
				"position", id, "market", pos.Market, "side", pos.Side, "net", net.String())
			return Settlement{}, fmt.Errorf("%w: position %d owes %s", ErrProfitShortfall, id, net)
		}
		o.account(e.ledger.PrepareCredit(pos.Trader, net))
		o.move(token.Movement{From: custody, To: e.vault, Amount: net})
	} else if loss := net.Neg(); loss.IsPositive() {
		if err := tx.ProcessLoss(pos.Market, pos.Side, loss); err != nil {
			return Settlement{}, err
		}
		acct, err := e.ledger.PrepareDebit(pos.Trader, loss, pos.Collateral)
		if err != nil {
			return Settlement{}, err
		}
		o.account(acct)
		o.move(token.Movement{From: e.vault, To: custody, Amount: loss})
	}

	now := e.now()
	pos.Status = model.PositionClosed
	pos.ClosedAt = &now
	pos.ExitPrice = price.Value
	pos.RealizedPnL = net

	o.position(pos)
	o.journal(model.JournalEntry{
		Kind:      model.JournalPositionClosed,
		Account:   pos.Trader,
		Market:    pos.Market,
		RefID:     pos.ID,
		Amount:    pos.Size,
		Price:     price.Value,
		PnL:       net,
		Fee:       fee,
		Timestamp: now,
	})
	o.emit(events.Event{
		Type:       events.TypePositionClosed,
		Market:     pos.Market,
		Account:    pos.Trader,
		OrderID:    pos.OrderID,
		PositionID: pos.ID,
		Side:       string(pos.Side),
		Size:       pos.Size.String(),
		Price:      price.Value.String(),
		Amount:     fee.String(),
		PnL:        net.String(),
	})
	if err := o.commit(ctx); err != nil {
		return Settlement{}, err
	}

	metrics.PositionsTotal.WithLabelValues(pos.Market, "closed").Inc()
	slog.Info("position closed",
		"id", pos.ID,
		"trader", pos.Trader,
		"market", pos.Market,
		"side", pos.Side,
		"entry", pos.EntryPrice.String(),
		"exit", price.Value.String(),
		"pnl", pnl.String(),
		"fee", fee.String(),
		"net", net.String(),
	)
	return Settlement{Position: pos, Price: price.Value, PnL: pnl, Fee: fee, Net: net}, nil
}
