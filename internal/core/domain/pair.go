package domain

import "fmt"

// ErrInvalidPair is a venue-logic error: an unsupported token pair was
// requested. The job stays put; an operator must intervene.
var ErrInvalidPair = fmt.Errorf("invalid trading pair")

// TradingPair is the resolved CEX instrument for a (src,dst) rebalance leg:
// the venue symbol and which side of the market to hit.
type TradingPair struct {
	Symbol string
	Buy    bool // true = buy the base asset, false = sell it
}

// btcBaseSymbols lists instruments where BTC is the base asset (BTCxxx):
// selling moves BTC out, buying moves BTC in. Everything else in
// btcQuoteSymbols has BTC as the quote asset (xxxBTC), so the buy/sell
// sense is reversed.
var btcBaseSymbols = map[Token]string{
	USDC: "BTC-USDC",
	USDT: "BTC-USDT",
}

var btcQuoteSymbols = map[Token]string{
	ETH: "ETH-BTC",
	SOL: "SOL-BTC",
}

// GetTradingPair resolves the CEX instrument and side for moving amount out
// of src and into dst. Exactly one of src/dst must be BTC-like; property 6
// requires GetTradingPair(a,b).Symbol == GetTradingPair(b,a).Symbol
// with complementary Buy flags.
func GetTradingPair(src, dst Token) (TradingPair, error) {
	if src == dst {
		return TradingPair{}, fmt.Errorf("%w: src equals dst (%s)", ErrInvalidPair, src)
	}

	switch {
	case src.IsBTCLike() && !dst.IsBTCLike():
		return resolve(dst, movingFromBTC)
	case !src.IsBTCLike() && dst.IsBTCLike():
		return resolve(src, movingToBTC)
	default:
		return TradingPair{}, fmt.Errorf("%w: neither side is BTC-like (%s -> %s)", ErrInvalidPair, src, dst)
	}
}

type direction int

const (
	movingFromBTC direction = iota // BTC is the source: BTC leaves, other token arrives
	movingToBTC                    // BTC is the destination: other token leaves, BTC arrives
)

func resolve(other Token, dir direction) (TradingPair, error) {
	if symbol, ok := btcBaseSymbols[other]; ok {
		// BTC is the base asset: selling BTC moves it out, buying BTC brings it in.
		buy := dir == movingToBTC
		return TradingPair{Symbol: symbol, Buy: buy}, nil
	}
	if symbol, ok := btcQuoteSymbols[other]; ok {
		// BTC is the quote asset: the sense is reversed.
		buy := dir == movingFromBTC
		return TradingPair{Symbol: symbol, Buy: buy}, nil
	}
	return TradingPair{}, fmt.Errorf("%w: unsupported token %s", ErrInvalidPair, other)
}
