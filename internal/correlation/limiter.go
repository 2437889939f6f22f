// Package correlation implements per-trader exposure limits that account
// for correlation between markets sharing a base asset.
//
// A trader long BTC-USD and long BTC-USDT carries the same directional risk
// twice. Markets are grouped by base asset and the aggregate notional in a
// group is capped in addition to the per-market cap.
package correlation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when an order would push a
	// trader's notional in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = fmt.Errorf("correlation: per-market exposure limit exceeded: %w", model.ErrValidation)

	// ErrCorrelatedLimitExceeded is returned when an order would push the
	// aggregate notional across markets with the same base asset beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("correlation: correlated exposure limit exceeded: %w", model.ErrValidation)
)

// PositionLimiter enforces exposure limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerMarket is the maximum notional (pending plus open) a trader
	// may hold in a single market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate notional across all markets
	// that share the target market's base asset.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-market and
// correlated exposure limits.
func NewPositionLimiter(maxPerMarket, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// Enabled reports whether any limit is configured.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerMarket.IsPositive() || l.MaxCorrelated.IsPositive())
}

// CheckLimit validates whether adding size notional in targetMarket
// respects the limits, given the trader's existing notional per market.
// Long and short notional both count as exposure.
func (l *PositionLimiter) CheckLimit(
	targetMarket string,
	size decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-market limit.
	inMarket := existing[targetMarket].Add(size)
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Correlated exposure across markets with the same base asset.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	base := contract.Base(targetMarket)
	total := inMarket
	for market, exposure := range existing {
		if market == targetMarket {
			continue // already counted via inMarket
		}
		if contract.Base(market) == base {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
