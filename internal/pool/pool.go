// Package pool implements the shared counterparty liquidity pool.
//
// Liquidity providers deposit the settlement asset for shares. The pool's
// value is split per market into long and short sub-pools that back open
// notional, and an insurance fund absorbs profit payouts the counterparty
// side cannot cover. Engine-driven mutations go through a Tx so a close or
// liquidation touching several balances commits or rolls back as one.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/token"
)

var (
	ErrMarketExists          = fmt.Errorf("pool: market already exists: %w", model.ErrValidation)
	ErrUnknownMarket         = fmt.Errorf("pool: unknown market: %w", model.ErrNotFound)
	ErrMarketInactive        = fmt.Errorf("pool: market inactive: %w", model.ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("pool: amount must be positive: %w", model.ErrValidation)
	ErrBelowMinimum          = fmt.Errorf("pool: amount below minimum liquidity: %w", model.ErrValidation)
	ErrInsufficientShares    = fmt.Errorf("pool: insufficient shares: %w", model.ErrValidation)
	ErrNoRewards             = fmt.Errorf("pool: no rewards to claim: %w", model.ErrValidation)
	ErrUtilizationExceeded   = fmt.Errorf("pool: utilization limit exceeded: %w", model.ErrInsufficientLiquidity)
	ErrSideUnderfunded       = fmt.Errorf("pool: side holds less than requested: %w", model.ErrInsufficientLiquidity)
	ErrWithdrawalUnavailable = fmt.Errorf("pool: withdrawal would breach reserve: %w", model.ErrInsufficientLiquidity)
)

// Config holds pool parameters. Rates are basis points.
type Config struct {
	MaxUtilizationBps int64
	InsuranceCutBps   int64
	MinLiquidity      decimal.Decimal
	AmountScale       int32
}

// DefaultConfig returns 80% max utilization, a 10% insurance cut of fees
// and a minimum deposit of 100 units at 6 decimals.
func DefaultConfig() Config {
	return Config{
		MaxUtilizationBps: 8000,
		InsuranceCutBps:   1000,
		MinLiquidity:      decimal.NewFromInt(100),
		AmountScale:       6,
	}
}

// Persister stores the records changed by one operation atomically.
type Persister interface {
	ApplyBatch(ctx context.Context, b *model.Batch) error
}

// Pool is the liquidity pool. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	asset   token.Asset
	custody string
	store   Persister
	pub     events.Publisher
	now     func() time.Time

	markets map[string]model.MarketPool
	global  model.GlobalPoolState
	shares  map[string]model.LPShare
}

// New creates an empty pool holding its funds in the custody account.
func New(cfg Config, asset token.Asset, custody string, st Persister, pub events.Publisher) *Pool {
	return &Pool{
		cfg:     cfg,
		asset:   asset,
		custody: custody,
		store:   st,
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
		markets: make(map[string]model.MarketPool),
		shares:  make(map[string]model.LPShare),
	}
}

// Custody returns the account holding the pool's funds.
func (p *Pool) Custody() string { return p.custody }

// Restore replaces pool state with persisted records.
func (p *Pool) Restore(snap *model.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets = make(map[string]model.MarketPool, len(snap.Pools))
	for _, m := range snap.Pools {
		p.markets[m.Market] = m
	}
	p.shares = make(map[string]model.LPShare, len(snap.Shares))
	for _, s := range snap.Shares {
		p.shares[s.Provider] = s
	}
	p.global = snap.Global
	p.observe()
}

// --- Reads ---

// Market returns the sub-pool for symbol.
func (p *Pool) Market(symbol string) (model.MarketPool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[symbol]
	return m, ok
}

// Markets returns every sub-pool ordered by symbol.
func (p *Pool) Markets() []model.MarketPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedMarkets()
}

// State returns the global pool state.
func (p *Pool) State() model.GlobalPoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.global
}

// Share returns a provider's share record.
func (p *Pool) Share(provider string) model.LPShare {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.share(provider)
}

// Config returns the current parameters.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// CanAllocate checks whether amount more notional fits in the market
// under the utilization cap.
func (p *Pool) CanAllocate(symbol string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	if !m.Active {
		return fmt.Errorf("%w: %s", ErrMarketInactive, symbol)
	}
	return p.checkCapacity(m, amount)
}

// LPRewards returns the provider's pro-rata claim on collected fees.
func (p *Pool) LPRewards(provider string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rewards(provider)
}

// --- Parameters ---

// SetInsuranceCut changes the fee share routed to the insurance fund.
func (p *Pool) SetInsuranceCut(bps int64) error {
	if bps < 0 || bps > model.BpsDenominator {
		return fmt.Errorf("pool: insurance cut %d bps out of range: %w", bps, model.ErrValidation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.InsuranceCutBps = bps
	return nil
}

// --- Liquidity provider operations ---

// AddLiquidity deposits amount from provider and mints shares: 1:1 on the
// first deposit, pro-rata to pool value afterwards.
func (p *Pool) AddLiquidity(ctx context.Context, provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if provider == "" || !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.LessThan(p.cfg.MinLiquidity) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, p.cfg.MinLiquidity)
	}

	minted := amount
	if p.global.TotalShares.IsPositive() && p.global.TotalPoolValue.IsPositive() {
		minted = model.MulDiv(amount, p.global.TotalShares, p.global.TotalPoolValue, p.cfg.AmountScale)
	}
	if !minted.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: deposit mints no shares", ErrInvalidAmount)
	}

	share := p.share(provider)
	share.Shares = share.Shares.Add(minted)
	share.Deposited = share.Deposited.Add(amount)
	global := p.global
	global.TotalShares = global.TotalShares.Add(minted)
	global.TotalPoolValue = global.TotalPoolValue.Add(amount)

	batch := &model.Batch{
		Shares:  []model.LPShare{share},
		Global:  &global,
		Journal: []model.JournalEntry{p.journal(model.JournalLiquidityAdded, provider, amount)},
	}
	move := token.Movement{Spender: p.custody, From: provider, To: p.custody, Amount: amount}
	if err := p.settle(ctx, batch, move); err != nil {
		return decimal.Zero, err
	}

	p.shares[provider] = share
	p.global = global
	p.observe()

	slog.Info("liquidity added", "provider", provider, "amount", amount.String(), "shares", minted.String())
	events.Emit(p.pub, events.Event{Type: events.TypeLiquidityAdded, Account: provider,
		Amount: amount.String(), Size: minted.String()})
	return minted, nil
}

// RemoveLiquidity burns shares and pays out their pro-rata pool value.
// The withdrawal is refused if unallocated value afterwards would fall
// below (1 - maxUtilization) of the remaining pool.
func (p *Pool) RemoveLiquidity(ctx context.Context, provider string, shares decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if provider == "" || !shares.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	share := p.share(provider)
	if share.Shares.LessThan(shares) {
		return decimal.Zero, fmt.Errorf("%w: %s holds %s", ErrInsufficientShares, provider, share.Shares)
	}

	amount := model.MulDiv(shares, p.global.TotalPoolValue, p.global.TotalShares, p.cfg.AmountScale)
	if !p.canWithdraw(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s of %s", ErrWithdrawalUnavailable, amount, p.global.TotalPoolValue)
	}

	share.Shares = share.Shares.Sub(shares)
	share.Withdrawn = share.Withdrawn.Add(amount)
	global := p.global
	global.TotalShares = global.TotalShares.Sub(shares)
	global.TotalPoolValue = global.TotalPoolValue.Sub(amount)

	batch := &model.Batch{
		Shares:  []model.LPShare{share},
		Global:  &global,
		Journal: []model.JournalEntry{p.journal(model.JournalLiquidityRemoved, provider, amount)},
	}
	move := token.Movement{From: p.custody, To: provider, Amount: amount}
	if err := p.settle(ctx, batch, move); err != nil {
		return decimal.Zero, err
	}

	p.shares[provider] = share
	p.global = global
	p.observe()

	slog.Info("liquidity removed", "provider", provider, "shares", shares.String(), "amount", amount.String())
	events.Emit(p.pub, events.Event{Type: events.TypeLiquidityRemoved, Account: provider,
		Amount: amount.String(), Size: shares.String()})
	return amount, nil
}

// ClaimRewards pays the provider's pro-rata share of collected fees.
//
// The claim resets FeesCollected on every market, not just the caller's
// portion: rewards not claimed by other providers before this call are
// forfeited back into pool value.
func (p *Pool) ClaimRewards(ctx context.Context, provider string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reward := p.rewards(provider)
	if !reward.IsPositive() {
		return decimal.Zero, ErrNoRewards
	}

	global := p.global
	global.TotalPoolValue = model.MaxZero(global.TotalPoolValue.Sub(reward))
	pools := p.sortedMarkets()
	for i := range pools {
		pools[i].FeesCollected = decimal.Zero
	}

	batch := &model.Batch{
		Pools:   pools,
		Global:  &global,
		Journal: []model.JournalEntry{p.journal(model.JournalRewardsClaimed, provider, reward)},
	}
	move := token.Movement{From: p.custody, To: provider, Amount: reward}
	if err := p.settle(ctx, batch, move); err != nil {
		return decimal.Zero, err
	}

	for _, m := range pools {
		p.markets[m.Market] = m
	}
	p.global = global
	p.observe()

	slog.Info("rewards claimed", "provider", provider, "amount", reward.String())
	events.Emit(p.pub, events.Event{Type: events.TypeRewardsClaimed, Account: provider, Amount: reward.String()})
	return reward, nil
}

// FundInsurance moves amount from the caller into the insurance fund.
// Requires admin.
func (p *Pool) FundInsurance(ctx context.Context, c auth.Capability, amount decimal.Decimal) error {
	if err := c.Require(auth.PermAdmin); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	global := p.global
	global.InsuranceFund = global.InsuranceFund.Add(amount)
	batch := &model.Batch{
		Global:  &global,
		Journal: []model.JournalEntry{p.journal(model.JournalInsuranceFunded, c.Subject, amount)},
	}
	move := token.Movement{Spender: p.custody, From: c.Subject, To: p.custody, Amount: amount}
	if err := p.settle(ctx, batch, move); err != nil {
		return err
	}
	p.global = global
	p.observe()

	slog.Info("insurance funded", "by", c.Subject, "amount", amount.String())
	events.Emit(p.pub, events.Event{Type: events.TypeInsuranceFunded, Account: c.Subject, Amount: amount.String()})
	return nil
}

// --- Internal helpers (caller holds p.mu) ---

func (p *Pool) share(provider string) model.LPShare {
	if s, ok := p.shares[provider]; ok {
		return s
	}
	return model.LPShare{Provider: provider}
}

func (p *Pool) sortedMarkets() []model.MarketPool {
	out := make([]model.MarketPool, 0, len(p.markets))
	for _, m := range p.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

func (p *Pool) rewards(provider string) decimal.Decimal {
	if !p.global.TotalShares.IsPositive() {
		return decimal.Zero
	}
	fees := decimal.Zero
	for _, m := range p.markets {
		fees = fees.Add(m.FeesCollected)
	}
	return model.MulDiv(fees, p.share(provider).Shares, p.global.TotalShares, p.cfg.AmountScale)
}

func (p *Pool) capacity() decimal.Decimal {
	return p.global.TotalPoolValue.Mul(model.BpsFraction(p.cfg.MaxUtilizationBps))
}

func (p *Pool) checkCapacity(m model.MarketPool, amount decimal.Decimal) error {
	if limit := p.capacity(); m.Allocated().Add(amount).GreaterThan(limit) {
		return fmt.Errorf("%w: %s allocated %s + %s > %s",
			ErrUtilizationExceeded, m.Market, m.Allocated(), amount, limit)
	}
	return nil
}

func (p *Pool) totalAllocated() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range p.markets {
		sum = sum.Add(m.Allocated())
	}
	return sum
}

func (p *Pool) canWithdraw(amount decimal.Decimal) bool {
	remaining := p.global.TotalPoolValue.Sub(amount)
	if remaining.IsNegative() {
		return false
	}
	unallocated := remaining.Sub(p.totalAllocated())
	reserve := remaining.Mul(model.BpsFraction(model.BpsDenominator - p.cfg.MaxUtilizationBps))
	return unallocated.GreaterThanOrEqual(reserve)
}

func (p *Pool) journal(kind model.JournalKind, account string, amount decimal.Decimal) model.JournalEntry {
	return model.JournalEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		Timestamp: p.now(),
	}
}

// settle moves tokens then persists; a persistence failure reverses the
// transfer.
func (p *Pool) settle(ctx context.Context, batch *model.Batch, moves ...token.Movement) error {
	undo, err := token.Settle(ctx, p.asset, moves...)
	if err != nil {
		return err
	}
	if p.store == nil {
		return nil
	}
	if err := p.store.ApplyBatch(ctx, batch); err != nil {
		undo(ctx)
		return fmt.Errorf("pool: persist: %w", err)
	}
	return nil
}

func (p *Pool) observe() {
	metrics.PoolValue.Set(p.global.TotalPoolValue.InexactFloat64())
	metrics.InsuranceFund.Set(p.global.InsuranceFund.InexactFloat64())
	for _, m := range p.markets {
		util := 0.0
		if p.global.TotalPoolValue.IsPositive() {
			util = m.Allocated().Div(p.global.TotalPoolValue).InexactFloat64()
		}
		metrics.PoolUtilization.WithLabelValues(m.Market).Set(util)
	}
}
