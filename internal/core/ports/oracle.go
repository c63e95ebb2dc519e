package ports

import (
	"context"
	"math/big"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// RoundingMode controls how InventoryOracle.FromBtc rounds a fractional
// base-unit result.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundNearest
)

// InventoryOracle prices held tokens against BTC and
// exposes the customer-swap-derived balances BalanceMonitor needs but does
// not itself compute.
type InventoryOracle interface {
	// ToBtc converts amount base units of token into BTC base units
	// (satoshis) at the current reference price.
	ToBtc(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error)
	// FromBtc converts amountBTC satoshis into base units of token at the
	// current reference price, rounding per mode.
	FromBtc(ctx context.Context, amountBTC *big.Int, token domain.Token, mode RoundingMode) (*big.Int, error)

	// Locked returns the sum, across open customer swaps, of token
	// committed to cover outbound customer claims.
	Locked(ctx context.Context, token domain.Token) (*big.Int, error)
	// Returning returns the sum, across open customer swaps, of token en
	// route back to the intermediary.
	Returning(ctx context.Context, token domain.Token) (*big.Int, error)
}
