package engine

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrInvalidLeverage  = fmt.Errorf("engine: leverage out of range: %w", model.ErrValidation)
	ErrInvalidSize      = fmt.Errorf("engine: size must be positive: %w", model.ErrValidation)
	ErrInvalidSide      = fmt.Errorf("engine: side must be long or short: %w", model.ErrValidation)
	ErrInvalidLimit     = fmt.Errorf("engine: limit price must not be negative: %w", model.ErrValidation)
	ErrDustOrder        = fmt.Errorf("engine: committed collateral rounds to zero: %w", model.ErrValidation)
	ErrInvalidAccount   = fmt.Errorf("engine: account is required: %w", model.ErrValidation)
	ErrInvalidSymbol    = fmt.Errorf("engine: invalid market symbol: %w", model.ErrValidation)
	ErrInvalidParams    = fmt.Errorf("engine: parameter out of range: %w", model.ErrValidation)
	ErrMarketExists     = fmt.Errorf("engine: market already exists: %w", model.ErrValidation)
	ErrMarketInactive   = fmt.Errorf("engine: market inactive: %w", model.ErrValidation)
	ErrNotLiquidatable  = fmt.Errorf("engine: position is not liquidatable: %w", model.ErrValidation)
	ErrMarketNotFound   = fmt.Errorf("engine: market not found: %w", model.ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("engine: pending order not found: %w", model.ErrNotFound)
	ErrPositionNotFound = fmt.Errorf("engine: open position not found: %w", model.ErrNotFound)
	ErrNotOwner         = fmt.Errorf("engine: caller does not own position: %w", model.ErrUnauthorized)
	ErrProfitShortfall  = fmt.Errorf("engine: profit exceeds counterparty pool and insurance fund: %w", model.ErrInsufficientLiquidity)

	// ErrUnknownMarket is returned by PlaceOrder for an unregistered market.
	// There is no price for a market that does not exist.
	ErrUnknownMarket = fmt.Errorf("engine: unknown market: %w", model.ErrPriceUnavailable)
)
