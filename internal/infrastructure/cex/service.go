// Package cex implements ports.Exchange against an illustrative OKX-style
// venue: requests are signed with HMAC-SHA256 over
// timestamp||method||path-with-query||body, sent with OK-ACCESS-KEY/SIGN/
// TIMESTAMP/PASSPHRASE headers and ISO-8601 timestamps, and responses come
// back in a JSON envelope with a "0"/non-"0" status code. Amounts cross this
// boundary as decimal strings; everywhere else in the module they are
// math/big.Int base units.
package cex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
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

// Service is the CEX adapter (ports.Exchange).
type Service struct {
	baseURL   string
	apiKey    string
	apiSecret string
	apiPass   string
	client    *http.Client
	venue     decimals.Venue
}

var _ ports.Exchange = (*Service)(nil)

// New constructs a Service against baseURL, signing every request with the
// given credentials.
func New(baseURL, apiKey, apiSecret, apiPassword string) *Service {
	return &Service{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		apiPass:   apiPassword,
		client:    &http.Client{Timeout: 15 * time.Second},
		venue:     decimals.VenuePrimary,
	}
}

// envelope is the venue's response wrapper: a "0" Code means success,
// anything else is a venue-logic failure.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

// VenueAPIError is a non-"0" response code from the CEX: a venue-logic
// failure the job should surface rather than retry silently.
type VenueAPIError struct {
	Code string
	Msg  string
}

func (e *VenueAPIError) Error() string {
	return fmt.Sprintf("cex: venue error %s: %s", e.Code, e.Msg)
}

func (s *Service) sign(ts, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Service) do(ctx context.Context, method, path string, query url.Values, reqBody any, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("cex: encode request body: %w", err)
		}
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	sig := s.sign(ts, method, requestPath, string(bodyBytes))

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("cex: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.apiPass)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cex: %s %s: %w", method, requestPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("cex: read response body: %w", err)
	}

	var env envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cex: decode response envelope: %w (body: %q)", err, truncate(raw, 300))
	}
	if env.Code != "0" {
		return &VenueAPIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("cex: decode response data: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "...(truncated)"
	}
	return s
}

func (s *Service) decimalsFor(token domain.Token) (int, error) {
	return decimals.Decimals(token, s.venue)
}

func (s *Service) toDecimal(token domain.Token, amount *big.Int) (string, error) {
	d, err := s.decimalsFor(token)
	if err != nil {
		return "", err
	}
	return decimals.ToDecimal(amount, d), nil
}

func (s *Service) fromDecimal(token domain.Token, str string) (*big.Int, error) {
	d, err := s.decimalsFor(token)
	if err != nil {
		return nil, err
	}
	return decimals.FromDecimal(str, d)
}

func (s *Service) GetDepositAddress(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (string, error) {
	q := url.Values{"ccy": {string(coin)}}
	if chain != "" {
		q.Set("chain", chain)
	}
	if amount != nil {
		amt, err := s.toDecimal(coin, amount)
		if err != nil {
			return "", err
		}
		q.Set("amt", amt)
	}

	var out []struct {
		Address string `json:"addr"`
		Invoice string `json:"invoice"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/asset/deposit-address", q, nil, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("cex: no deposit address returned for %s", coin)
	}
	if out[0].Invoice != "" {
		return out[0].Invoice, nil
	}
	return out[0].Address, nil
}

func (s *Service) GetDeposit(ctx context.Context, txId string) (*ports.Deposit, error) {
	q := url.Values{"txId": {txId}}
	var out []struct {
		DepId string `json:"depId"`
		State string `json:"state"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/asset/deposit-history", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &ports.Deposit{DepositId: out[0].DepId, State: ports.DepositState(out[0].State)}, nil
}

func (s *Service) MarketTrade(ctx context.Context, pair domain.TradingPair, amount *big.Int, clientOrderId string) (string, error) {
	sizeToken, tgtCcy := denomination(pair)
	amt, err := s.toDecimal(sizeToken, amount)
	if err != nil {
		return "", err
	}
	side := "sell"
	if pair.Buy {
		side = "buy"
	}
	body := map[string]any{
		"instId":  pair.Symbol,
		"tdMode":  "cash",
		"side":    side,
		"ordType": "market",
		"sz":      amt,
		"tgtCcy":  tgtCcy,
		"clOrdId": clientOrderId,
	}
	var out []struct {
		OrdId string `json:"ordId"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("cex: no order id returned")
	}
	return out[0].OrdId, nil
}

// denomination resolves which side of the market amount is denominated in:
// the engine always sizes the order in whatever it is spending (SrcToken),
// so a sell (spending the base asset) sizes in the base asset and a buy
// (spending the quote asset) sizes in the quote asset. tgtCcy pins the
// venue's own interpretation of "sz" to match.
func denomination(pair domain.TradingPair) (token domain.Token, tgtCcy string) {
	parts := strings.SplitN(pair.Symbol, "-", 2)
	base, quote := domain.Token(parts[0]), domain.Token(parts[1])
	if pair.Buy {
		return quote, "quote_ccy"
	}
	return base, "base_ccy"
}

func (s *Service) GetTrade(ctx context.Context, pair domain.TradingPair, clientOrderId string) (*ports.Trade, error) {
	q := url.Values{"instId": {pair.Symbol}, "clOrdId": {clientOrderId}}
	var out []struct {
		OrdId   string `json:"ordId"`
		AvgPx   string `json:"avgPx"`
		State   string `json:"state"`
		SCode   string `json:"sCode"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, &out); err != nil {
		var apiErr *VenueAPIError
		if errors.As(err, &apiErr) && (apiErr.Code == "51603" || apiErr.Code == "52907") { // order does not exist
			return nil, nil
		}
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &ports.Trade{
		OrderId:      out[0].OrdId,
		AveragePrice: out[0].AvgPx,
		State:        mapTradeState(out[0].State),
	}, nil
}

func mapTradeState(state string) ports.TradeState {
	switch state {
	case "live":
		return ports.TradeLive
	case "partially_filled":
		return ports.TradePartiallyFilled
	case "filled":
		return ports.TradeFilled
	case "canceled":
		return ports.TradeCanceled
	case "mmp_canceled":
		return ports.TradeMMPCanceled
	default:
		return ports.TradeLive
	}
}

func (s *Service) FundsTransfer(ctx context.Context, ccy domain.Token, from, to string, amount *big.Int, clientId string) (string, error) {
	amt, err := s.toDecimal(ccy, amount)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"ccy":     ccy,
		"amt":     amt,
		"from":    subaccountCode(from),
		"to":      subaccountCode(to),
		"type":    "0",
		"clientId": clientId,
	}
	var out []struct {
		TransId string `json:"transId"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/v5/asset/transfer", nil, body, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("cex: no transfer id returned")
	}
	return out[0].TransId, nil
}

func subaccountCode(name string) string {
	switch name {
	case "funding":
		return "6"
	case "trading":
		return "18"
	default:
		return "18"
	}
}

func (s *Service) GetFundsTransfer(ctx context.Context, clientId string) (*ports.Transfer, error) {
	q := url.Values{"clientId": {clientId}}
	var out []struct {
		TransId string `json:"transId"`
		State   string `json:"state"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/asset/transfer-state", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &ports.Transfer{TransferId: out[0].TransId, State: mapTransferState(out[0].State)}, nil
}

func mapTransferState(state string) ports.TransferState {
	switch state {
	case "success":
		return ports.TransferSuccess
	case "failed":
		return ports.TransferFailed
	default:
		return ports.TransferPending
	}
}

func (s *Service) GetWithdrawalFee(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (*big.Int, error) {
	q := url.Values{"ccy": {string(coin)}}
	var out []struct {
		Chain      string `json:"chain"`
		MinFee     string `json:"minFee"`
		MaxFee     string `json:"maxFee"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/asset/currencies", q, nil, &out); err != nil {
		return nil, err
	}
	for _, c := range out {
		if chain == "" || c.Chain == chain || c.Chain == string(coin)+"-"+chain {
			return s.fromDecimal(coin, c.MinFee)
		}
	}
	return nil, fmt.Errorf("cex: no fee schedule found for %s on chain %q", coin, chain)
}

func (s *Service) Withdraw(ctx context.Context, coin domain.Token, chain, address, clientWithdrawalId string, fee, amount *big.Int) (string, error) {
	amt, err := s.toDecimal(coin, amount)
	if err != nil {
		return "", err
	}
	feeDec, err := s.toDecimal(coin, fee)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"ccy":      coin,
		"amt":      amt,
		"dest":     destType(coin),
		"toAddr":   address,
		"fee":      feeDec,
		"chain":    string(coin) + "-" + chain,
		"clientId": clientWithdrawalId,
	}
	var out []struct {
		WdId string `json:"wdId"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/v5/asset/withdrawal", nil, body, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("cex: no withdrawal id returned")
	}
	return out[0].WdId, nil
}

func destType(coin domain.Token) string {
	if coin.IsSmartChain() {
		return "4" // on-chain withdrawal
	}
	return "3" // internal/network transfer
}

func (s *Service) GetWithdrawal(ctx context.Context, clientWithdrawalId string) (*ports.Withdrawal, error) {
	q := url.Values{"clientId": {clientWithdrawalId}}
	var out []struct {
		TxId  string `json:"txId"`
		State string `json:"state"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/asset/withdrawal-history", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	state, err := parseWithdrawalState(out[0].State)
	if err != nil {
		return nil, err
	}
	return &ports.Withdrawal{TxId: out[0].TxId, State: state}, nil
}

func parseWithdrawalState(s string) (ports.WithdrawalState, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("cex: unparseable withdrawal state %q", s)
	}
	return ports.WithdrawalState(n.Int64()), nil
}

func (s *Service) GetBalance(ctx context.Context, ccy domain.Token, subaccount string) (*big.Int, error) {
	q := url.Values{"ccy": {string(ccy)}}
	if subaccount != "" {
		q.Set("acctType", subaccountCode(subaccount))
	}
	var out []struct {
		Details []struct {
			Ccy    string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v5/account/balance", q, nil, &out); err != nil {
		return nil, err
	}
	for _, acct := range out {
		for _, d := range acct.Details {
			if d.Ccy == string(ccy) {
				return s.fromDecimal(ccy, d.AvailBal)
			}
		}
	}
	return big.NewInt(0), nil
}
