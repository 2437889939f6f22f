// Package oracle adapts external price feeds into validated, fresh prices.
//
// Every read is bounded by a deadline. Failures are typed values that
// wrap model.ErrPriceUnavailable; GetPriceSafe folds them into a boolean
// for callers that defer instead of failing.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	// DefaultStaleAfter is the maximum accepted age of a feed update.
	DefaultStaleAfter = time.Hour
	// DefaultTimeout bounds a single feed read.
	DefaultTimeout = 2 * time.Second
)

var (
	ErrNoFeed       = fmt.Errorf("oracle: no feed for market: %w", model.ErrPriceUnavailable)
	ErrInvalidPrice = fmt.Errorf("oracle: non-positive price: %w", model.ErrPriceUnavailable)
	ErrStalePrice   = fmt.Errorf("oracle: stale price: %w", model.ErrPriceUnavailable)
	ErrFeedFailure  = fmt.Errorf("oracle: feed read failed: %w", model.ErrPriceUnavailable)
)

// Price is a feed observation.
type Price struct {
	Value     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Feed is a single market's price source.
type Feed interface {
	Latest(ctx context.Context) (Price, error)
}

// Adapter maps markets to feeds and validates what they return.
type Adapter struct {
	mu         sync.RWMutex
	feeds      map[string]Feed
	staleAfter time.Duration
	timeout    time.Duration
	now        func() time.Time
}

// NewAdapter creates an adapter. Non-positive durations select the defaults.
func NewAdapter(staleAfter, timeout time.Duration) *Adapter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{
		feeds:      make(map[string]Feed),
		staleAfter: staleAfter,
		timeout:    timeout,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (a *Adapter) SetClock(now func() time.Time) {
	a.now = now
}

// RegisterFeed wires a feed at boot, without a capability check.
func (a *Adapter) RegisterFeed(market string, f Feed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[market] = f
}

// SetFeed wires or replaces the feed for market. Requires admin.
func (a *Adapter) SetFeed(c auth.Capability, market string, f Feed) error {
	if err := c.Require(auth.PermAdmin); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("oracle: nil feed: %w", model.ErrValidation)
	}
	a.RegisterFeed(market, f)
	slog.Info("oracle feed set", "market", market, "by", c.Subject)
	return nil
}

// Feed returns the feed registered for market.
func (a *Adapter) Feed(market string) (Feed, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.feeds[market]
	return f, ok
}

// GetPrice returns a validated, fresh price for market.
func (a *Adapter) GetPrice(ctx context.Context, market string) (Price, error) {
	f, ok := a.Feed(market)
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrNoFeed, market)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	p, err := f.Latest(ctx)
	if err != nil {
		if errors.Is(err, model.ErrPriceUnavailable) {
			return Price{}, err
		}
		return Price{}, fmt.Errorf("%w: %s: %v", ErrFeedFailure, market, err)
	}
	if !p.Value.IsPositive() {
		return Price{}, fmt.Errorf("%w: %s reported %s", ErrInvalidPrice, market, p.Value)
	}
	if age := a.now().Sub(p.UpdatedAt); age > a.staleAfter {
		return Price{}, fmt.Errorf("%w: %s is %s old", ErrStalePrice, market, age.Truncate(time.Second))
	}
	return p, nil
}

// GetPriceSafe is GetPrice with failures reported as false.
func (a *Adapter) GetPriceSafe(ctx context.Context, market string) (Price, bool) {
	p, err := a.GetPrice(ctx, market)
	if err != nil {
		slog.Debug("price unavailable", "market", market, "err", err)
		return Price{}, false
	}
	return p, true
}
