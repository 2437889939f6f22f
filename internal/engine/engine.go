// Package engine is the trading core: markets, collateral, orders and
// positions settled against the shared liquidity pool.
//
// Every mutating operation holds the engine lock from entry to exit and
// commits as one unit: pool changes in a pool.Tx, token movements through
// token.Settle, records through a single store batch. A failure at any
// step leaves no observable effect.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/collateral"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/token"
)

// Params are the protocol constants. Rates are basis points.
type Params struct {
	MaxLeverage             int64
	TradingFeeBps           int64
	LiquidationThresholdBps int64
	LiquidationBonusBps     int64
	AmountScale             int32
	PriceScale              int32

	// PriceUnit divides price × size in PnL. Zero selects the position's
	// entry price, which makes PnL the notional's percentage move.
	PriceUnit decimal.Decimal
}

// DefaultParams returns 50x max leverage, a 0.1% trading fee, a 90%
// liquidation threshold and a 5% liquidation bonus.
func DefaultParams() Params {
	return Params{
		MaxLeverage:             50,
		TradingFeeBps:           10,
		LiquidationThresholdBps: 9000,
		LiquidationBonusBps:     500,
		AmountScale:             6,
		PriceScale:              8,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.MaxLeverage < 1:
		return ErrInvalidParams
	case p.TradingFeeBps < 0 || p.TradingFeeBps > model.BpsDenominator:
		return ErrInvalidParams
	case p.LiquidationThresholdBps <= 0 || p.LiquidationThresholdBps > model.BpsDenominator:
		return ErrInvalidParams
	case p.LiquidationBonusBps < 0 || p.LiquidationBonusBps > model.BpsDenominator:
		return ErrInvalidParams
	case p.AmountScale < 0 || p.PriceScale < 0 || p.PriceUnit.IsNegative():
		return ErrInvalidParams
	}
	return nil
}

// PriceReader is the oracle as the engine sees it.
type PriceReader interface {
	GetPrice(ctx context.Context, market string) (oracle.Price, error)
	GetPriceSafe(ctx context.Context, market string) (oracle.Price, bool)
}

// Persister stores the records changed by one operation atomically.
type Persister interface {
	ApplyBatch(ctx context.Context, b *model.Batch) error
}

// Deps are the engine's collaborators. Store, Limiter and Events are
// optional.
type Deps struct {
	Prices  PriceReader
	Pool    *pool.Pool
	Asset   token.Asset
	Vault   string // account holding trader collateral
	Store   Persister
	Limiter *correlation.PositionLimiter
	Events  events.Publisher
}

// Engine is the trading core. It is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	params  Params
	prices  PriceReader
	pool    *pool.Pool
	asset   token.Asset
	vault   string
	store   Persister
	limiter *correlation.PositionLimiter
	pub     events.Publisher
	ledger  *collateral.Ledger
	now     func() time.Time

	markets   map[string]model.Market
	orders    map[uint64]model.Order
	positions map[uint64]model.Position

	traderOrders    map[string][]uint64
	traderPositions map[string][]uint64
	pending         []uint64 // pending order ids, ascending
	open            []uint64 // open position ids, ascending

	lastOrderID    uint64
	lastPositionID uint64
}

// New creates an engine with no markets.
func New(p Params, d Deps) *Engine {
	e := &Engine{
		params:          p,
		prices:          d.Prices,
		pool:            d.Pool,
		asset:           d.Asset,
		vault:           d.Vault,
		store:           d.Store,
		limiter:         d.Limiter,
		pub:             d.Events,
		now:             func() time.Time { return time.Now().UTC() },
		markets:         make(map[string]model.Market),
		orders:          make(map[uint64]model.Order),
		positions:       make(map[uint64]model.Position),
		traderOrders:    make(map[string][]uint64),
		traderPositions: make(map[string][]uint64),
	}
	e.ledger = collateral.NewLedger(collateral.CommitmentsFunc(e.committed))
	return e
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Params returns the current protocol parameters.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// Restore replaces engine and pool state with a persisted snapshot.
func (e *Engine) Restore(snap *model.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markets = make(map[string]model.Market, len(snap.Markets))
	for _, m := range snap.Markets {
		e.markets[m.Symbol] = m
	}
	e.orders = make(map[uint64]model.Order, len(snap.Orders))
	e.positions = make(map[uint64]model.Position, len(snap.Positions))
	e.traderOrders = make(map[string][]uint64)
	e.traderPositions = make(map[string][]uint64)
	e.pending, e.open = nil, nil
	e.lastOrderID, e.lastPositionID = 0, 0

	orders := append([]model.Order(nil), snap.Orders...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	for _, o := range orders {
		e.putOrder(o)
		e.lastOrderID = max(e.lastOrderID, o.ID)
	}
	positions := append([]model.Position(nil), snap.Positions...)
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
	for _, p := range positions {
		e.putPosition(p)
		e.lastPositionID = max(e.lastPositionID, p.ID)
	}

	e.ledger.Restore(snap.Accounts)
	e.pool.Restore(snap)
	metrics.OpenPositions.Set(float64(len(e.open)))
}

// --- Reads ---

// Market returns a registered market.
func (e *Engine) Market(symbol string) (model.Market, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[symbol]
	return m, ok
}

// Markets returns every market ordered by symbol.
func (e *Engine) Markets() []model.Market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Order returns an order by id.
func (e *Engine) Order(id uint64) (model.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	return o, ok
}

// Position returns a position by id.
func (e *Engine) Position(id uint64) (model.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[id]
	return p, ok
}

// TraderOrders returns the trader's orders, oldest first.
func (e *Engine) TraderOrders(trader string) []model.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.traderOrders[trader]
	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.orders[id])
	}
	return out
}

// TraderPositions returns the trader's positions, oldest first.
func (e *Engine) TraderPositions(trader string) []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.traderPositions[trader]
	out := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.positions[id])
	}
	return out
}

// OpenPositionIDs returns up to limit open position ids greater than after,
// ascending. A non-positive limit returns all of them.
func (e *Engine) OpenPositionIDs(after uint64, limit int) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return page(e.open, after, limit)
}

// PendingOrderIDs returns up to limit pending order ids greater than after,
// ascending.
func (e *Engine) PendingOrderIDs(after uint64, limit int) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return page(e.pending, after, limit)
}

// OpenPositionCount returns the number of open positions.
func (e *Engine) OpenPositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.open)
}

func page(ids []uint64, after uint64, limit int) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] > after })
	end := len(ids)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]uint64(nil), ids[i:end]...)
}

// --- Index maintenance (caller holds e.mu) ---

// committed sums collateral held by the trader's pending orders and open
// positions. Recomputed on every call.
func (e *Engine) committed(trader string) decimal.Decimal {
	sum := decimal.Zero
	for _, id := range e.traderOrders[trader] {
		if o := e.orders[id]; o.Status == model.OrderPending {
			sum = sum.Add(o.Collateral)
		}
	}
	for _, id := range e.traderPositions[trader] {
		if p := e.positions[id]; p.Status == model.PositionOpen {
			sum = sum.Add(p.Collateral)
		}
	}
	return sum
}

// exposure returns the trader's notional per market across pending orders
// and open positions.
func (e *Engine) exposure(trader string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, id := range e.traderOrders[trader] {
		if o := e.orders[id]; o.Status == model.OrderPending {
			out[o.Market] = out[o.Market].Add(o.Size)
		}
	}
	for _, id := range e.traderPositions[trader] {
		if p := e.positions[id]; p.Status == model.PositionOpen {
			out[p.Market] = out[p.Market].Add(p.Size)
		}
	}
	return out
}

func (e *Engine) putOrder(o model.Order) {
	prev, existed := e.orders[o.ID]
	e.orders[o.ID] = o
	if !existed {
		e.traderOrders[o.Trader] = append(e.traderOrders[o.Trader], o.ID)
	}
	wasPending := existed && prev.Status == model.OrderPending
	switch isPending := o.Status == model.OrderPending; {
	case isPending && !wasPending:
		e.pending = insertID(e.pending, o.ID)
	case !isPending && wasPending:
		e.pending = removeID(e.pending, o.ID)
	}
}

func (e *Engine) putPosition(p model.Position) {
	prev, existed := e.positions[p.ID]
	e.positions[p.ID] = p
	if !existed {
		e.traderPositions[p.Trader] = append(e.traderPositions[p.Trader], p.ID)
	}
	wasOpen := existed && prev.Status == model.PositionOpen
	switch isOpen := p.Status == model.PositionOpen; {
	case isOpen && !wasOpen:
		e.open = insertID(e.open, p.ID)
	case !isOpen && wasOpen:
		e.open = removeID(e.open, p.ID)
	}
}

func insertID(ids []uint64, id uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeID(ids []uint64, id uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i == len(ids) || ids[i] != id {
		return ids
	}
	return append(ids[:i], ids[i+1:]...)
}
