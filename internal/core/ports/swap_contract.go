package ports

import (
	"context"
	"math/big"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// RawTx is an opaque, backend-specific transaction encoding (e.g. a signed
// Ethereum transaction's RLP bytes hex-encoded). The engine never inspects
// it; it only ever stores and replays it.
type RawTx = string

// TxReplaceFunc is registered once with SwapContract at startup. When a broadcast candidate is replaced (e.g. a fee bump), the
// contract calls back with the old and new (txId, rawTx) pair so the engine
// can extend the job's candidate map instead of losing track of the
// original.
type TxReplaceFunc func(oldTxId string, oldTx RawTx, newTxId string, newTx RawTx)

// TxBroadcastFunc is invoked by SendAndConfirm immediately before it
// acknowledges a broadcast: "the callback fires before
// broadcast acknowledgement and is the engine's signal to checkpoint the
// candidate." The engine must persist txId->rawTx before this call returns.
type TxBroadcastFunc func(ctx context.Context, txId string, rawTx RawTx) error

// SwapContract is the smart-chain wallet and escrow contract adapter
//: builds, signs, broadcasts, and observes transactions
// moving fungible tokens to/from the intermediary's own contract-held
// balance.
type SwapContract interface {
	// GetBalance returns the contract-held balance of token. When usable is
	// true, balances locked by open customer swaps are excluded.
	GetBalance(ctx context.Context, token domain.Token, usable bool) (*big.Int, error)

	// TxsWithdraw builds signed but unsent candidate transactions moving
	// amount of token out of the contract to the intermediary's own wallet.
	TxsWithdraw(ctx context.Context, token domain.Token, amount *big.Int) ([]RawTx, error)
	// TxsTransfer builds candidate transactions moving amount of token from
	// the intermediary's own wallet to an external address (the CEX deposit
	// address).
	TxsTransfer(ctx context.Context, token domain.Token, amount *big.Int, to string) ([]RawTx, error)
	// TxsDeposit builds candidate transactions moving amount of token from
	// the intermediary's own wallet back into the contract.
	TxsDeposit(ctx context.Context, token domain.Token, amount *big.Int) ([]RawTx, error)

	// SendAndConfirm broadcasts each already-signed candidate tx in turn,
	// invoking onBroadcast before it considers any of them acknowledged. A
	// caller uses onBroadcast to persist the candidate map before this
	// method can return.
	SendAndConfirm(ctx context.Context, txs []RawTx, onBroadcast TxBroadcastFunc) error

	// GetTxStatus resolves a raw transaction to its current confirmation
	// state (used while the txid is not yet known/confirmed).
	GetTxStatus(ctx context.Context, rawTx RawTx) (TxStatus, error)
	// GetTxIdStatus resolves an already-broadcast transaction id to its
	// current confirmation state.
	GetTxIdStatus(ctx context.Context, txId string) (TxStatus, error)

	// OnBeforeTxReplace registers the Supervisor's replacement callback.
	// Only one callback is meaningful at a time; a later call replaces the
	// former (there is one job, hence one interested caller).
	OnBeforeTxReplace(cb TxReplaceFunc)

	// GetAddress returns the intermediary's own smart-chain wallet address,
	// used as the receiving address for a smart-chain rebalance leg.
	GetAddress(ctx context.Context) (string, error)
	// ToTokenAddress resolves a configured token symbol to its on-chain
	// contract address (zero address for native ETH).
	ToTokenAddress(token domain.Token) string
}
