package pool

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Tx is an open pool transaction. It holds the pool lock from Begin until
// Commit or Rollback, and records the prior value of every touched market
// so Rollback can restore it.
type Tx struct {
	p          *Pool
	orig       map[string]*model.MarketPool // nil value: market created in this tx
	origGlobal model.GlobalPoolState
	done       bool
}

// Begin locks the pool and opens a transaction. The caller must end it
// with Commit or Rollback.
func (p *Pool) Begin() *Tx {
	p.mu.Lock()
	return &Tx{
		p:          p,
		orig:       make(map[string]*model.MarketPool),
		origGlobal: p.global,
	}
}

// Commit keeps the changes and releases the pool.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	tx.p.observe()
	tx.p.mu.Unlock()
}

// Rollback restores every touched balance and releases the pool.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	for symbol, m := range tx.orig {
		if m == nil {
			delete(tx.p.markets, symbol)
			continue
		}
		tx.p.markets[symbol] = *m
	}
	tx.p.global = tx.origGlobal
	tx.done = true
	tx.p.mu.Unlock()
}

// Changes returns the records modified so far, for persistence.
func (tx *Tx) Changes() ([]model.MarketPool, *model.GlobalPoolState) {
	symbols := make([]string, 0, len(tx.orig))
	for s := range tx.orig {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	pools := make([]model.MarketPool, 0, len(symbols))
	for _, s := range symbols {
		if m, ok := tx.p.markets[s]; ok {
			pools = append(pools, m)
		}
	}

	g := tx.p.global
	if g.TotalPoolValue.Equal(tx.origGlobal.TotalPoolValue) &&
		g.InsuranceFund.Equal(tx.origGlobal.InsuranceFund) &&
		g.TotalShares.Equal(tx.origGlobal.TotalShares) {
		return pools, nil
	}
	return pools, &g
}

func (tx *Tx) touch(symbol string) {
	if _, seen := tx.orig[symbol]; seen {
		return
	}
	if m, ok := tx.p.markets[symbol]; ok {
		tx.orig[symbol] = &m
		return
	}
	tx.orig[symbol] = nil
}

func (tx *Tx) market(symbol string) (model.MarketPool, error) {
	m, ok := tx.p.markets[symbol]
	if !ok {
		return model.MarketPool{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return m, nil
}

func (tx *Tx) put(m model.MarketPool) {
	tx.touch(m.Market)
	tx.p.markets[m.Market] = m
}

// AddMarket creates a zero-balance sub-pool.
func (tx *Tx) AddMarket(symbol string) error {
	if _, ok := tx.p.markets[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, symbol)
	}
	tx.put(model.MarketPool{
		Market:        symbol,
		LongPool:      decimal.Zero,
		ShortPool:     decimal.Zero,
		TotalVolume:   decimal.Zero,
		FeesCollected: decimal.Zero,
		Active:        true,
	})
	return nil
}

// SetActive enables or disables new allocations in a market.
func (tx *Tx) SetActive(symbol string, active bool) error {
	m, err := tx.market(symbol)
	if err != nil {
		return err
	}
	m.Active = active
	tx.put(m)
	return nil
}

// Allocate moves amount into the side's sub-pool, enforcing
// long + short + amount <= maxUtilization × totalPoolValue.
func (tx *Tx) Allocate(symbol string, side model.Side, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m, err := tx.market(symbol)
	if err != nil {
		return err
	}
	if !m.Active {
		return fmt.Errorf("%w: %s", ErrMarketInactive, symbol)
	}
	if err := tx.p.checkCapacity(m, amount); err != nil {
		return err
	}
	m.SetSide(side, m.Side(side).Add(amount))
	m.TotalVolume = m.TotalVolume.Add(amount)
	tx.put(m)
	return nil
}

// Deallocate releases amount from the side's sub-pool.
func (tx *Tx) Deallocate(symbol string, side model.Side, amount decimal.Decimal) error {
	m, err := tx.market(symbol)
	if err != nil {
		return err
	}
	held := m.Side(side)
	if held.LessThan(amount) {
		return fmt.Errorf("%w: %s %s holds %s, release %s", ErrSideUnderfunded, symbol, side, held, amount)
	}
	m.SetSide(side, held.Sub(amount))
	tx.put(m)
	return nil
}

// CollectTradingFees splits fee between the insurance fund and LPs. The LP
// portion is added to the market's FeesCollected and to pool value.
func (tx *Tx) CollectTradingFees(symbol string, fee decimal.Decimal) error {
	m, err := tx.market(symbol)
	if err != nil {
		return err
	}
	if !fee.IsPositive() {
		return nil
	}
	cut := model.Bps(fee, tx.p.cfg.InsuranceCutBps, tx.p.cfg.AmountScale)
	lp := fee.Sub(cut)

	m.FeesCollected = m.FeesCollected.Add(lp)
	tx.put(m)
	tx.p.global.InsuranceFund = tx.p.global.InsuranceFund.Add(cut)
	tx.p.global.TotalPoolValue = tx.p.global.TotalPoolValue.Add(lp)
	return nil
}

// ProcessProfit pays a trader's profit. The counterparty sub-pool pays
// first; any shortfall comes from the insurance fund. It reports false,
// changing nothing, when the two together cannot cover amount.
func (tx *Tx) ProcessProfit(symbol string, side model.Side, amount decimal.Decimal) bool {
	m, err := tx.market(symbol)
	if err != nil {
		return false
	}
	counter := side.Opposite()
	available := m.Side(counter)

	if available.GreaterThanOrEqual(amount) {
		m.SetSide(counter, available.Sub(amount))
		tx.put(m)
		tx.p.global.TotalPoolValue = tx.p.global.TotalPoolValue.Sub(amount)
		return true
	}

	shortfall := amount.Sub(available)
	if tx.p.global.InsuranceFund.LessThan(shortfall) {
		return false
	}
	m.SetSide(counter, decimal.Zero)
	tx.put(m)
	tx.p.global.TotalPoolValue = tx.p.global.TotalPoolValue.Sub(available)
	tx.p.global.InsuranceFund = tx.p.global.InsuranceFund.Sub(shortfall)
	return true
}

// ProcessLoss credits a trader's loss to the side's sub-pool and to pool
// value.
func (tx *Tx) ProcessLoss(symbol string, side model.Side, amount decimal.Decimal) error {
	m, err := tx.market(symbol)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}
	m.SetSide(side, m.Side(side).Add(amount))
	tx.put(m)
	tx.p.global.TotalPoolValue = tx.p.global.TotalPoolValue.Add(amount)
	return nil
}
