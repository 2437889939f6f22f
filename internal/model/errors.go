package model

import "errors"

// Error categories. Package-level errors wrap one of these so callers can
// classify failures with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrTransferFailure        = errors.New("transfer failed")
)
