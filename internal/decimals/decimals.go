// Package decimals converts between the arbitrary-precision base-unit amounts
// used throughout the rebalancer core and the decimal strings expected at the
// CEX HTTP boundary. Every other boundary in the system (adapters, state
// document, engine) works exclusively in base units.
package decimals

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// Venue distinguishes CEX-specific decimal conventions for the same token.
// The illustrative venue (HMAC OK-ACCESS-KEY signing, dash-separated
// symbols) is Primary; Alt models a second venue with a concatenated-symbol
// convention and a different USDC/USDT scale, since stablecoin decimals
// vary per venue.
type Venue string

const (
	VenuePrimary Venue = "primary" // OKX-style: dash-separated symbols, USDC/USDT at 6 decimals
	VenueAlt     Venue = "alt"     // concatenated symbols, USDC/USDT at 18 decimals
)

// baseDecimals holds the decimals that do not vary by venue.
var baseDecimals = map[domain.Token]int{
	domain.BTC:   8,
	domain.BTCLN: 8,
	domain.ETH:   18,
	domain.SOL:   9,
}

// stableDecimals holds the venue-dependent decimals for stablecoins.
var stableDecimals = map[Venue]int{
	VenuePrimary: 6,
	VenueAlt:     18,
}

// Decimals returns the fixed decimal count for a token on the given venue.
func Decimals(token domain.Token, venue Venue) (int, error) {
	if d, ok := baseDecimals[token]; ok {
		return d, nil
	}
	switch token {
	case domain.USDC, domain.USDT:
		d, ok := stableDecimals[venue]
		if !ok {
			return 0, fmt.Errorf("decimals: unknown venue %q", venue)
		}
		return d, nil
	}
	return 0, fmt.Errorf("decimals: unknown token %q", token)
}

// ToDecimal renders a non-negative-or-negative base-unit integer as a decimal
// string with exactly decimals fractional digits (trailing zeros kept, never
// trimmed). Negative decimals are supported by treating the base unit as
// carrying that many implicit trailing zeros.
func ToDecimal(amount *big.Int, decimals int) string {
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()

	d := decimals
	if d < 0 {
		s += strings.Repeat("0", -d)
		d = 0
	}

	var out string
	if d == 0 {
		out = s
	} else {
		if len(s) <= d {
			s = strings.Repeat("0", d-len(s)+1) + s
		}
		whole := s[:len(s)-d]
		frac := s[len(s)-d:]
		out = whole + "." + frac
	}

	if neg {
		return "-" + out
	}
	return out
}

// FromDecimal parses a decimal string into a base-unit integer with the given
// decimals. Excess fractional digits are truncated; missing fractional
// digits are right-padded with zero. Negative decimals require the input to
// carry no fractional part and trim that many digits off the whole part
// (they must be zero).
func FromDecimal(s string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("decimals: empty decimal string")
	}

	neg := false
	switch trimmed[0] {
	case '-':
		neg = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}

	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasFrac && !isDigits(frac)) {
		return nil, fmt.Errorf("decimals: invalid decimal string %q", s)
	}

	d := decimals
	if d < 0 {
		if frac != "" {
			return nil, fmt.Errorf("decimals: %q has a fractional part but decimals is negative", s)
		}
		trim := -d
		if trim > len(whole) {
			trim = len(whole)
		}
		dropped := whole[len(whole)-trim:]
		for _, c := range dropped {
			if c != '0' {
				return nil, fmt.Errorf("decimals: %q loses non-zero precision at scale %d", s, decimals)
			}
		}
		whole = whole[:len(whole)-trim]
		if whole == "" {
			whole = "0"
		}
		d = 0
	}

	if len(frac) > d {
		frac = frac[:d]
	} else if len(frac) < d {
		frac += strings.Repeat("0", d-len(frac))
	}

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		combined = "0"
	}

	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("decimals: invalid decimal string %q", s)
	}
	if neg && v.Sign() != 0 {
		v.Neg(v)
	}
	return v, nil
}

func isDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
