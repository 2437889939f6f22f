package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/collateral"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// Reasons an execution was deferred.
const (
	DeferPriceUnavailable = "price unavailable"
	DeferLimitNotMet      = "limit not met"
)

// PlaceOrderRequest describes a new order. A zero LimitPrice means no
// price condition.
type PlaceOrderRequest struct {
	Trader     string          `json:"trader"`
	Market     string          `json:"market"`
	Side       model.Side      `json:"side"`
	Size       decimal.Decimal `json:"size"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Leverage   int64           `json:"leverage"`
	IsMarket   bool            `json:"is_market"`
}

// Execution reports what happened to an order. Position is nil unless the
// order executed.
type Execution struct {
	Order    model.Order     `json:"order"`
	Position *model.Position `json:"position,omitempty"`
	Deferred bool            `json:"deferred"`
	Reason   string          `json:"reason,omitempty"`
}

// PlaceOrder validates and records a pending order, committing
// Size/Leverage of the trader's collateral. Market orders are executed in
// the same operation: if execution fails the order is not placed, if it is
// deferred the order stays pending.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Execution, error) {
	if err := e.validateOrder(&req); err != nil {
		return Execution{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.placeOrder(ctx, req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "rejected").Inc()
		slog.Warn("order rejected", "trader", req.Trader, "market", req.Market,
			"side", req.Side, "size", req.Size.String(), "err", err)
		return Execution{}, err
	}
	return exec, nil
}

// validateOrder checks the request and normalizes its market symbol.
func (e *Engine) validateOrder(req *PlaceOrderRequest) error {
	req.Market = strings.ToUpper(strings.TrimSpace(req.Market))
	switch {
	case req.Trader == "":
		return ErrInvalidAccount
	case !req.Side.Valid():
		return fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	case !req.Size.IsPositive():
		return ErrInvalidSize
	case req.LimitPrice.IsNegative():
		return ErrInvalidLimit
	}
	if maxLev := e.Params().MaxLeverage; req.Leverage < 1 || req.Leverage > maxLev {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, req.Leverage, maxLev)
	}
	return nil
}

func (e *Engine) placeOrder(ctx context.Context, req PlaceOrderRequest) (Execution, error) {
	required, _ := req.Size.QuoRem(decimal.NewFromInt(req.Leverage), e.params.AmountScale)
	if !required.IsPositive() {
		return Execution{}, fmt.Errorf("%w: size %s at %dx", ErrDustOrder, req.Size, req.Leverage)
	}
	if avail := e.ledger.Available(req.Trader); avail.LessThan(required) {
		return Execution{}, fmt.Errorf("%w: %s has %s available, order needs %s",
			collateral.ErrInsufficientCollateral, req.Trader, avail, required)
	}

	m, ok := e.markets[req.Market]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownMarket, req.Market)
	}
	if !m.Active {
		return Execution{}, fmt.Errorf("%w: %s", ErrMarketInactive, m.Symbol)
	}
	if err := e.pool.CanAllocate(m.Symbol, req.Size); err != nil {
		return Execution{}, err
	}
	if e.limiter.Enabled() {
		if err := e.limiter.CheckLimit(m.Symbol, req.Size, e.exposure(req.Trader)); err != nil {
			return Execution{}, err
		}
	}

	order := model.Order{
		ID:         e.lastOrderID + 1,
		Trader:     req.Trader,
		Market:     m.Symbol,
		Side:       req.Side,
		Size:       req.Size,
		LimitPrice: req.LimitPrice,
		Leverage:   req.Leverage,
		Collateral: required,
		IsMarket:   req.IsMarket,
		Status:     model.OrderPending,
		CreatedAt:  e.now(),
	}

	o := e.newOp("place_order")
	defer o.abort()
	o.order(order)
	o.journal(model.JournalEntry{
		Kind:    model.JournalOrderPlaced,
		Account: order.Trader,
		Market:  order.Market,
		RefID:   order.ID,
		Amount:  order.Size,
		Price:   order.LimitPrice,
	})
	o.emit(events.Event{
		Type:    events.TypeOrderPlaced,
		Market:  order.Market,
		Account: order.Trader,
		OrderID: order.ID,
		Side:    string(order.Side),
		Size:    order.Size.String(),
		Price:   order.LimitPrice.String(),
		Amount:  order.Collateral.String(),
	})

	exec := Execution{Order: order}
	if order.IsMarket {
		var err error
		if exec, err = e.execute(ctx, o, order, m); err != nil {
			return Execution{}, err
		}
	}
	if err := o.commit(ctx); err != nil {
		return Execution{}, err
	}

	metrics.OrdersTotal.WithLabelValues(string(order.Side), "placed").Inc()
	slog.Info("order placed",
		"id", order.ID,
		"trader", order.Trader,
		"market", order.Market,
		"side", order.Side,
		"size", order.Size.String(),
		"leverage", order.Leverage,
		"collateral", order.Collateral.String(),
		"limit", order.LimitPrice.String(),
		"executed", exec.Position != nil,
	)
	return exec, nil
}

// ExecuteOrder attempts to fill a pending order at the current oracle
// price. A missing price or an unmet limit defers the order: it stays
// pending and no error is returned.
func (e *Engine) ExecuteOrder(ctx context.Context, id uint64) (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok || order.Status != model.OrderPending {
		return Execution{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	m, ok := e.markets[order.Market]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrMarketNotFound, order.Market)
	}

	o := e.newOp("execute_order")
	defer o.abort()
	exec, err := e.execute(ctx, o, order, m)
	if err != nil {
		slog.Warn("order execution failed", "id", id, "market", order.Market, "err", err)
		return Execution{}, err
	}
	if exec.Deferred {
		return exec, nil
	}
	if err := o.commit(ctx); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// execute stages the fill of order into o. The caller holds e.mu.
func (e *Engine) execute(ctx context.Context, o *op, order model.Order, m model.Market) (Execution, error) {
	price, ok := e.prices.GetPriceSafe(ctx, m.OracleRef)
	if !ok {
		metrics.OracleFailures.WithLabelValues(m.Symbol).Inc()
		return e.deferred(order, DeferPriceUnavailable), nil
	}
	if !limitMet(order, price.Value) {
		return e.deferred(order, DeferLimitNotMet), nil
	}

	if err := o.pool().Allocate(order.Market, order.Side, order.Size); err != nil {
		return Execution{}, err
	}

	now := e.now()
	entry := price.Value.Truncate(e.params.PriceScale)
	pos := model.Position{
		ID:               e.lastPositionID + 1,
		OrderID:          order.ID,
		Trader:           order.Trader,
		Market:           order.Market,
		Side:             order.Side,
		Size:             order.Size,
		EntryPrice:       entry,
		Leverage:         order.Leverage,
		Collateral:       order.Collateral,
		LiquidationPrice: LiquidationPrice(order.Side, entry, order.Leverage, e.params),
		Status:           model.PositionOpen,
		CreatedAt:        now,
		ExitPrice:        decimal.Zero,
		RealizedPnL:      decimal.Zero,
	}
	order.Status = model.OrderExecuted
	order.ExecutedAt = &now
	order.PositionID = pos.ID

	o.order(order)
	o.position(pos)
	o.journal(model.JournalEntry{
		Kind:      model.JournalPositionOpened,
		Account:   pos.Trader,
		Market:    pos.Market,
		RefID:     pos.ID,
		Amount:    pos.Size,
		Price:     pos.EntryPrice,
		Timestamp: now,
	})
	o.emit(events.Event{
		Type:       events.TypeOrderExecuted,
		Market:     pos.Market,
		Account:    pos.Trader,
		OrderID:    order.ID,
		PositionID: pos.ID,
		Side:       string(pos.Side),
		Size:       pos.Size.String(),
		Price:      pos.EntryPrice.String(),
		Amount:     pos.Collateral.String(),
	})
	o.after(func() {
		metrics.OrdersTotal.WithLabelValues(string(order.Side), "executed").Inc()
		metrics.PositionsTotal.WithLabelValues(pos.Market, "opened").Inc()
		slog.Info("order executed",
			"order", order.ID,
			"position", pos.ID,
			"trader", pos.Trader,
			"market", pos.Market,
			"side", pos.Side,
			"size", pos.Size.String(),
			"entry", pos.EntryPrice.String(),
			"liquidation_price", pos.LiquidationPrice.String(),
		)
	})
	return Execution{Order: order, Position: &pos}, nil
}

func (e *Engine) deferred(order model.Order, reason string) Execution {
	metrics.OrdersTotal.WithLabelValues(string(order.Side), "deferred").Inc()
	slog.Debug("order deferred", "id", order.ID, "market", order.Market, "reason", reason)
	return Execution{Order: order, Deferred: true, Reason: reason}
}

// limitMet reports whether price satisfies the order's limit. Longs fill
// at or below the limit, shorts at or above it.
func limitMet(order model.Order, price decimal.Decimal) bool {
	if !order.LimitPrice.IsPositive() {
		return true
	}
	if order.Side == model.SideLong {
		return price.LessThanOrEqual(order.LimitPrice)
	}
	return price.GreaterThanOrEqual(order.LimitPrice)
}
