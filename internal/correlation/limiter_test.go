package correlation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit("BTC-USD", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"BTC-USD": d(950)}

	err := limiter.CheckLimit("BTC-USD", d(100), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Error("limit errors should classify as validation failures")
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"BTC-USD":  d(800),
		"BTC-USDT": d(800),
		"BTC-EUR":  d(300),
	}

	// 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("BTC-USDC", d(200), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherBasesIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"BTC-USD": d(800),
		"ETH-USD": d(900),
	}

	// BTC total = 500 + 800 = 1300 < 2000; ETH excluded.
	if err := limiter.CheckLimit("BTC-USDT", d(500), existing); err != nil {
		t.Errorf("uncorrelated markets should be ignored, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit("BTC-USD", d(1e9), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}

	zero := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if zero.Enabled() {
		t.Error("zero limits should disable the limiter")
	}
	if err := zero.CheckLimit("BTC-USD", d(1e9), nil); err != nil {
		t.Errorf("zero limits should allow everything, got %v", err)
	}
}

func TestCheckLimit_OnlyCorrelatedConfigured(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, d(1000))

	existing := map[string]decimal.Decimal{"ETH-USD": d(600)}
	if err := limiter.CheckLimit("ETH-USDT", d(500), existing); err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
	if err := limiter.CheckLimit("ETH-USD", d(300), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
