// Package model defines the core domain types for the perpetuals engine.
// All monetary values use shopspring/decimal for exact arithmetic.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// Market is a tradable instrument identified by its symbol (e.g. "BTC-USD").
type Market struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	OracleRef string    `json:"oracle_ref" db:"oracle_ref"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CollateralAccount tracks the settlement asset a trader has deposited.
// Available collateral is derived from open commitments and never stored.
type CollateralAccount struct {
	Trader         string          `json:"trader" db:"trader"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a request to open a position. Collateral is committed from
// placement until the order executes.
type Order struct {
	ID         uint64          `json:"id" db:"id"`
	Trader     string          `json:"trader" db:"trader"`
	Market     string          `json:"market" db:"market"`
	Side       Side            `json:"side" db:"side"`
	Size       decimal.Decimal `json:"size" db:"size"`
	LimitPrice decimal.Decimal `json:"limit_price" db:"limit_price"` // zero means market
	Leverage   int64           `json:"leverage" db:"leverage"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"`
	IsMarket   bool            `json:"is_market" db:"is_market"`
	Status     OrderStatus     `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	PositionID uint64          `json:"position_id,omitempty" db:"position_id"`
}

// Position is leveraged exposure created by executing an order.
type Position struct {
	ID               uint64          `json:"id" db:"id"`
	OrderID          uint64          `json:"order_id" db:"order_id"`
	Trader           string          `json:"trader" db:"trader"`
	Market           string          `json:"market" db:"market"`
	Side             Side            `json:"side" db:"side"`
	Size             decimal.Decimal `json:"size" db:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage         int64           `json:"leverage" db:"leverage"`
	Collateral       decimal.Decimal `json:"collateral" db:"collateral"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	Status           PositionStatus  `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ExitPrice        decimal.Decimal `json:"exit_price" db:"exit_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// MarketPool holds the per-market slices of pooled liquidity.
type MarketPool struct {
	Market        string          `json:"market" db:"market"`
	LongPool      decimal.Decimal `json:"long_pool" db:"long_pool"`
	ShortPool     decimal.Decimal `json:"short_pool" db:"short_pool"`
	TotalVolume   decimal.Decimal `json:"total_volume" db:"total_volume"`
	FeesCollected decimal.Decimal `json:"fees_collected" db:"fees_collected"`
	Active        bool            `json:"active" db:"active"`
}

// Side returns the sub-pool balance backing the given side.
func (p MarketPool) Side(s Side) decimal.Decimal {
	if s == SideLong {
		return p.LongPool
	}
	return p.ShortPool
}

// SetSide replaces the sub-pool balance backing the given side.
func (p *MarketPool) SetSide(s Side, v decimal.Decimal) {
	if s == SideLong {
		p.LongPool = v
		return
	}
	p.ShortPool = v
}

// Allocated returns the combined long and short allocation.
func (p MarketPool) Allocated() decimal.Decimal {
	return p.LongPool.Add(p.ShortPool)
}

// GlobalPoolState is the aggregate pool value, insurance fund and share supply.
type GlobalPoolState struct {
	TotalPoolValue decimal.Decimal `json:"total_pool_value" db:"total_pool_value"`
	InsuranceFund  decimal.Decimal `json:"insurance_fund" db:"insurance_fund"`
	TotalShares    decimal.Decimal `json:"total_shares" db:"total_shares"`
}

// LPShare records one liquidity provider's claim on the pool.
type LPShare struct {
	Provider  string          `json:"provider" db:"provider"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Deposited decimal.Decimal `json:"deposited" db:"deposited"`
	Withdrawn decimal.Decimal `json:"withdrawn" db:"withdrawn"`
}

// JournalKind classifies journal entries.
type JournalKind string

const (
	JournalDeposit          JournalKind = "deposit"
	JournalWithdraw         JournalKind = "withdraw"
	JournalOrderPlaced      JournalKind = "order_placed"
	JournalPositionOpened   JournalKind = "position_opened"
	JournalPositionClosed   JournalKind = "position_closed"
	JournalLiquidated       JournalKind = "position_liquidated"
	JournalLiquidityAdded   JournalKind = "liquidity_added"
	JournalLiquidityRemoved JournalKind = "liquidity_removed"
	JournalRewardsClaimed   JournalKind = "rewards_claimed"
	JournalInsuranceFunded  JournalKind = "insurance_funded"
)

// JournalEntry is an immutable record of a settlement movement.
// Journal entries are never updated or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	Kind      JournalKind     `json:"kind" db:"kind"`
	Account   string          `json:"account" db:"account"`
	Market    string          `json:"market,omitempty" db:"market"`
	RefID     uint64          `json:"ref_id,omitempty" db:"ref_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	PnL       decimal.Decimal `json:"pnl" db:"pnl"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Batch is the set of records changed by a single operation. A store
// applies a batch atomically.
type Batch struct {
	Markets   []Market
	Accounts  []CollateralAccount
	Orders    []Order
	Positions []Position
	Pools     []MarketPool
	Global    *GlobalPoolState
	Shares    []LPShare
	Journal   []JournalEntry
}

// Empty reports whether the batch carries no changes.
func (b *Batch) Empty() bool {
	return len(b.Markets) == 0 && len(b.Accounts) == 0 && len(b.Orders) == 0 &&
		len(b.Positions) == 0 && len(b.Pools) == 0 && b.Global == nil &&
		len(b.Shares) == 0 && len(b.Journal) == 0
}

// Snapshot is the full persisted state used to restore the engine.
type Snapshot struct {
	Markets   []Market
	Accounts  []CollateralAccount
	Orders    []Order
	Positions []Position
	Pools     []MarketPool
	Global    GlobalPoolState
	Shares    []LPShare
}
