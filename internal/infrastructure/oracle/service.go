// Package oracle implements ports.InventoryOracle: BTC-reference pricing
// read from the CEX's own market ticker, and open-customer-swap exposure
// sums read from the intermediary's swap ledger service.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
	"github.com/hedgeflow/rebalancer/internal/decimals"
)

// Service is the InventoryOracle adapter.
type Service struct {
	tickerBaseURL string
	ledgerBaseURL string
	client        *http.Client
	venue         decimals.Venue
}

var _ ports.InventoryOracle = (*Service)(nil)

// New constructs a Service. tickerBaseURL serves last-price lookups (the
// CEX's public market-data host); ledgerBaseURL serves the intermediary's
// own open-customer-swap exposure sums.
func New(tickerBaseURL, ledgerBaseURL string) *Service {
	return &Service{
		tickerBaseURL: strings.TrimRight(tickerBaseURL, "/"),
		ledgerBaseURL: strings.TrimRight(ledgerBaseURL, "/"),
		client:        &http.Client{Timeout: 10 * time.Second},
		venue:         decimals.VenuePrimary,
	}
}

func (s *Service) lastPrice(ctx context.Context, pair domain.TradingPair) (*big.Float, error) {
	q := url.Values{"instId": {pair.Symbol}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tickerBaseURL+"/api/v5/market/ticker?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: build ticker request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: get ticker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("oracle: unexpected ticker status %d: %s", resp.StatusCode, string(body))
	}

	var env struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("oracle: decode ticker response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("oracle: no ticker data for %s", pair.Symbol)
	}
	price, ok := new(big.Float).SetString(env.Data[0].Last)
	if !ok {
		return nil, fmt.Errorf("oracle: unparseable price %q", env.Data[0].Last)
	}
	return price, nil
}

// ToBtc converts amount base units of token into satoshis at the current
// reference price.
func (s *Service) ToBtc(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error) {
	if token.IsBTCLike() {
		return new(big.Int).Set(amount), nil
	}

	pair, err := domain.GetTradingPair(token, domain.BTC)
	if err != nil {
		return nil, err
	}
	price, err := s.lastPrice(ctx, pair)
	if err != nil {
		return nil, err
	}

	tokenDecimals, err := decimals.Decimals(token, s.venue)
	if err != nil {
		return nil, err
	}
	btcInToken, _ := priceOrientation(pair, price)

	amtDec, ok := new(big.Float).SetString(decimals.ToDecimal(amount, tokenDecimals))
	if !ok {
		return nil, fmt.Errorf("oracle: parse amount decimal %q", decimals.ToDecimal(amount, tokenDecimals))
	}

	btcAmount := new(big.Float).Quo(amtDec, btcInToken)
	return floatToBase(btcAmount, 8, ports.RoundNearest), nil
}

// FromBtc converts amountBTC satoshis into base units of token at the
// current reference price, rounding per mode.
func (s *Service) FromBtc(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error) {
	if token.IsBTCLike() {
		return new(big.Int).Set(amountBTC), nil
	}

	pair, err := domain.GetTradingPair(token, domain.BTC)
	if err != nil {
		return nil, err
	}
	price, err := s.lastPrice(ctx, pair)
	if err != nil {
		return nil, err
	}

	btcDec, ok := new(big.Float).SetString(decimals.ToDecimal(amountBTC, 8))
	if !ok {
		return nil, fmt.Errorf("oracle: parse btc amount decimal %q", decimals.ToDecimal(amountBTC, 8))
	}
	btcInToken, _ := priceOrientation(pair, price)

	tokenAmount := new(big.Float).Mul(btcDec, btcInToken)

	tokenDecimals, err := decimals.Decimals(token, s.venue)
	if err != nil {
		return nil, err
	}
	return floatToBase(tokenAmount, tokenDecimals, mode), nil
}

// priceOrientation reports the price of one BTC in token units (btcInToken)
// and whether the symbol quotes BTC in token (tokenInBtc, e.g. "ETH-BTC"
// giving BTC per ETH) as opposed to token in BTC (e.g. "BTC-USDC" giving
// USDC per BTC).
func priceOrientation(pair domain.TradingPair, price *big.Float) (btcInToken *big.Float, tokenInBtc bool) {
	if strings.HasPrefix(pair.Symbol, "BTC-") {
		return price, false // price is token-per-BTC already
	}
	// "<token>-BTC": price is BTC-per-token; invert to get token-per-BTC.
	inv := new(big.Float).Quo(big.NewFloat(1), price)
	return inv, true
}

func floatToBase(amount *big.Float, decimalPlaces int, mode ports.RoundingMode) *big.Int {
	scale := new(big.Float).SetInt(pow10(decimalPlaces))
	scaled := new(big.Float).Mul(amount, scale)

	i, _ := scaled.Int(nil)
	frac := new(big.Float).Sub(scaled, new(big.Float).SetInt(i))

	switch mode {
	case ports.RoundUp:
		if frac.Sign() > 0 {
			i.Add(i, big.NewInt(1))
		}
	case ports.RoundNearest:
		half := big.NewFloat(0.5)
		if frac.Cmp(half) >= 0 {
			i.Add(i, big.NewInt(1))
		}
	case ports.RoundDown:
		// truncation from Int() already rounds toward zero
	}
	return i
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Locked returns the sum, across open customer swaps, of token committed to
// cover outbound customer claims.
func (s *Service) Locked(ctx context.Context, token domain.Token) (*big.Int, error) {
	return s.ledgerSum(ctx, "/exposure/locked", token)
}

// Returning returns the sum, across open customer swaps, of token en route
// back to the intermediary.
func (s *Service) Returning(ctx context.Context, token domain.Token) (*big.Int, error) {
	return s.ledgerSum(ctx, "/exposure/returning", token)
}

func (s *Service) ledgerSum(ctx context.Context, path string, token domain.Token) (*big.Int, error) {
	q := url.Values{"token": {string(token)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ledgerBaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: build ledger request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: query ledger %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("oracle: unexpected ledger status %d: %s", resp.StatusCode, string(body))
	}

	var env struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("oracle: decode ledger response: %w", err)
	}
	if env.Amount == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(env.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("oracle: unparseable ledger amount %q", env.Amount)
	}
	return n, nil
}
