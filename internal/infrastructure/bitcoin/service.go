// Package bitcoin implements ports.BitcoinBackend against a Bitcoin Core
// wallet (JSON-RPC, for PSBT funding/signing/broadcast and UTXO locks) paired
// with an Esplora-compatible HTTP indexer for transaction lookups by txid.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// Service is the Bitcoin adapter (ports.BitcoinBackend).
type Service struct {
	esploraURL string
	rpcURL     string
	rpcUser    string
	rpcPass    string
	wallet     string
	client     *http.Client
}

var _ ports.BitcoinBackend = (*Service)(nil)

// New constructs a Service. esploraURL serves tx lookups; rpcURL/rpcUser/
// rpcPass/wallet address the Core wallet used for PSBT operations.
func New(esploraURL, rpcURL, rpcUser, rpcPass, wallet string) *Service {
	return &Service{
		esploraURL: strings.TrimRight(esploraURL, "/"),
		rpcURL:     strings.TrimRight(rpcURL, "/"),
		rpcUser:    rpcUser,
		rpcPass:    rpcPass,
		wallet:     wallet,
		client:     &http.Client{Timeout: 20 * time.Second},
	}
}

type rpcRequest struct {
	JsonRPC string `json:"jsonrpc"`
	Id      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bitcoin: rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (s *Service) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JsonRPC: "1.0", Id: "rebalancer", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("bitcoin: encode rpc request: %w", err)
	}

	url := s.rpcURL
	if s.wallet != "" {
		url += "/wallet/" + s.wallet
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bitcoin: build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.rpcUser, s.rpcPass)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bitcoin: rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("bitcoin: read rpc response: %w", err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("bitcoin: decode rpc envelope: %w", err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("bitcoin: decode rpc result: %w", err)
		}
	}
	return nil
}

// GetTransaction looks up an on-chain transaction by id via the Esplora
// indexer. Returns (nil, nil) on a 404, matching the OUT_TX "lookup txid; if
// missing -> IDLE" contract.
func (s *Service) GetTransaction(ctx context.Context, txId string) (*ports.TxLookup, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.esploraURL+"/tx/"+txId+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: build status request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: get tx status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("bitcoin: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("bitcoin: decode tx status: %w", err)
	}
	if !status.Confirmed {
		return &ports.TxLookup{Confirmations: 0}, nil
	}

	tip, err := s.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	confs := int(tip - status.BlockHeight + 1)
	if confs < 1 {
		confs = 1
	}
	return &ports.TxLookup{Confirmations: confs}, nil
}

func (s *Service) tipHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.esploraURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bitcoin: get tip height: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 32))
	if err != nil {
		return 0, err
	}
	var height int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(b)), "%d", &height); err != nil {
		return 0, fmt.Errorf("bitcoin: parse tip height %q: %w", string(b), err)
	}
	return height, nil
}

// FundPsbt asks the wallet to build and fund an unsigned PSBT for the
// requested outputs, then locks the inputs it chose so a later retry cannot
// double-spend them.
func (s *Service) FundPsbt(ctx context.Context, req ports.FundPsbtRequest) (*ports.FundedPsbt, error) {
	outputs := make(map[string]float64, len(req.Outputs))
	for _, o := range req.Outputs {
		outputs[o.Address] = float64(o.Sats) / 1e8
	}

	options := map[string]any{}
	if req.MinConfirmations > 0 {
		options["minconf"] = req.MinConfirmations
	}

	var funded struct {
		Psbt string `json:"psbt"`
	}
	if err := s.call(ctx, "walletcreatefundedpsbt", []any{[]any{}, []map[string]float64{outputs}, 0, options}, &funded); err != nil {
		return nil, err
	}

	pkt, err := decodePsbt(funded.Psbt)
	if err != nil {
		return nil, err
	}

	locks := make([]ports.UtxoLock, 0, len(pkt.UnsignedTx.TxIn))
	lockParams := make([]any, 0, len(pkt.UnsignedTx.TxIn))
	for _, in := range pkt.UnsignedTx.TxIn {
		lockParams = append(lockParams, map[string]any{
			"txid": in.PreviousOutPoint.Hash.String(),
			"vout": in.PreviousOutPoint.Index,
		})
		locks = append(locks, ports.UtxoLock{
			LockId:        in.PreviousOutPoint.String(),
			TransactionId: in.PreviousOutPoint.Hash.String(),
			Vout:          int(in.PreviousOutPoint.Index),
		})
	}
	if len(lockParams) > 0 {
		var ok bool
		if err := s.call(ctx, "lockunspent", []any{false, lockParams}, &ok); err != nil {
			return nil, fmt.Errorf("bitcoin: lock funding inputs: %w", err)
		}
	}

	return &ports.FundedPsbt{Psbt: funded.Psbt, Inputs: locks}, nil
}

func decodePsbt(b64 string) (*psbt.Packet, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: decode psbt base64: %w", err)
	}
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: parse psbt: %w", err)
	}
	return pkt, nil
}

// SignPsbt signs and finalizes a funded PSBT, returning the raw transaction
// hex ready to broadcast.
func (s *Service) SignPsbt(ctx context.Context, psbtB64 string) (string, error) {
	var processed struct {
		Psbt     string `json:"psbt"`
		Complete bool   `json:"complete"`
	}
	if err := s.call(ctx, "walletprocesspsbt", []any{psbtB64}, &processed); err != nil {
		return "", err
	}
	if !processed.Complete {
		return "", fmt.Errorf("bitcoin: psbt not fully signed by wallet")
	}

	var finalized struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := s.call(ctx, "finalizepsbt", []any{processed.Psbt}, &finalized); err != nil {
		return "", err
	}
	if !finalized.Complete || finalized.Hex == "" {
		return "", fmt.Errorf("bitcoin: psbt did not finalize to a raw transaction")
	}
	return finalized.Hex, nil
}

// BroadcastChainTransaction submits rawTx and returns the txid the wallet
// assigned it.
func (s *Service) BroadcastChainTransaction(ctx context.Context, rawTx string) (string, error) {
	var txId string
	if err := s.call(ctx, "sendrawtransaction", []any{rawTx}, &txId); err != nil {
		return "", err
	}
	return txId, nil
}

// UnlockUtxo releases a reservation placed by FundPsbt.
func (s *Service) UnlockUtxo(ctx context.Context, lock ports.UtxoLock) error {
	var ok bool
	return s.call(ctx, "lockunspent", []any{true, []any{map[string]any{
		"txid": lock.TransactionId,
		"vout": lock.Vout,
	}}}, &ok)
}

// GetChainAddresses returns receiving addresses under the wallet's control,
// most recently issued non-change address first.
func (s *Service) GetChainAddresses(ctx context.Context) ([]string, error) {
	var received []struct {
		Address string `json:"address"`
	}
	if err := s.call(ctx, "listreceivedbyaddress", []any{0, true, false}, &received); err != nil {
		return nil, err
	}
	addrs := make([]string, len(received))
	for i, r := range received {
		addrs[len(received)-1-i] = r.Address
	}
	if len(addrs) > 0 {
		return addrs, nil
	}

	var fresh string
	if err := s.call(ctx, "getnewaddress", nil, &fresh); err != nil {
		return nil, err
	}
	return []string{fresh}, nil
}

// GetChainBalance returns the wallet's total confirmed on-chain balance in
// satoshis.
func (s *Service) GetChainBalance(ctx context.Context) (*big.Int, error) {
	var btc float64
	if err := s.call(ctx, "getbalance", []any{"*", 1}, &btc); err != nil {
		return nil, err
	}
	sats := int64(btc*1e8 + 0.5)
	return big.NewInt(sats), nil
}
