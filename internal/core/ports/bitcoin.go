package ports

import (
	"context"
	"math/big"
)

// TxLookup is the confirmation state of an on-chain transaction. A nil *TxLookup (with a nil error) means the transaction was not
// found by the backend.
type TxLookup struct {
	Confirmations int
}

// UtxoLock identifies a UTXO reserved by FundPsbt so it can be released via
// UnlockUtxo on a failure path.
type UtxoLock struct {
	LockId        string
	TransactionId string
	Vout          int
}

// FundedPsbt is the result of reserving inputs and building an unsigned
// PSBT.
type FundedPsbt struct {
	Psbt   string
	Inputs []UtxoLock
}

// PsbtOutput is a single funding-request output.
type PsbtOutput struct {
	Address string
	Sats    int64
}

// FundPsbtRequest is the set of constraints BitcoinBackend.FundPsbt applies
// while selecting inputs.
type FundPsbtRequest struct {
	Outputs             []PsbtOutput
	MinConfirmations    int
	TargetConfirmations int
}

// BitcoinBackend is the on-chain UTXO wallet adapter: PSBT
// fund/sign/broadcast, and transaction lookup by txid with confirmation
// count.
type BitcoinBackend interface {
	// GetTransaction looks up an on-chain transaction by id. Returns (nil,
	// nil) if the backend has not observed it.
	GetTransaction(ctx context.Context, txId string) (*TxLookup, error)

	// FundPsbt reserves inputs covering req.Outputs and returns the
	// unsigned PSBT plus the locks placed on the inputs it chose.
	FundPsbt(ctx context.Context, req FundPsbtRequest) (*FundedPsbt, error)
	// SignPsbt signs a previously funded PSBT and returns the finalized raw
	// transaction hex, ready to broadcast.
	SignPsbt(ctx context.Context, psbt string) (rawTx string, err error)
	// BroadcastChainTransaction submits a finalized raw transaction.
	BroadcastChainTransaction(ctx context.Context, rawTx string) (txId string, err error)
	// UnlockUtxo releases a reservation placed by FundPsbt, used on the
	// PSBT-sign failure path so the UTXO is available again.
	UnlockUtxo(ctx context.Context, lock UtxoLock) error

	// GetChainAddresses returns receiving addresses under the wallet's
	// control, most recently issued non-change address first.
	GetChainAddresses(ctx context.Context) ([]string, error)
	// GetChainBalance returns the wallet's total confirmed on-chain balance
	// in satoshis.
	GetChainBalance(ctx context.Context) (*big.Int, error)
}
