// Package contract handles perpetual contract symbol parsing and validation.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote assets.
const (
	QuoteUSD  = "USD"
	QuoteUSDC = "USDC"
	QuoteUSDT = "USDT"
	QuoteEUR  = "EUR"
)

var validQuotes = map[string]bool{
	QuoteUSD:  true,
	QuoteUSDC: true,
	QuoteUSDT: true,
	QuoteEUR:  true,
}

// symbolRegex matches: {BASE}-{QUOTE} with an optional -PERP suffix.
// Example: BTC-USD, ETH-USDC-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})-([A-Z]{3,5})(-PERP)?$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid symbol format")
	ErrInvalidQuote  = errors.New("contract: unsupported quote asset")
)

// Contract is a parsed perpetual contract symbol.
type Contract struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse parses and validates a market symbol. Lowercase input is accepted
// and normalized; the returned Symbol never carries the -PERP suffix.
func Parse(symbol string) (*Contract, error) {
	norm := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE-QUOTE)", ErrInvalidSymbol, symbol)
	}

	base, quote := matches[1], matches[2]
	if !validQuotes[quote] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, quote)
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base equals quote", ErrInvalidSymbol)
	}

	return &Contract{
		Symbol: base + "-" + quote,
		Base:   base,
		Quote:  quote,
	}, nil
}

// Base returns the base asset of a symbol, or the symbol itself if it
// does not parse.
func Base(symbol string) string {
	c, err := Parse(symbol)
	if err != nil {
		return symbol
	}
	return c.Base
}
