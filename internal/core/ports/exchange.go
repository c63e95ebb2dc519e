package ports

import (
	"context"
	"math/big"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// Deposit is the state of a CEX-observed incoming deposit. A nil *Deposit (with a nil error) means the CEX has
// not yet observed a matching deposit for the given tx/payment id.
type Deposit struct {
	DepositId string
	State     DepositState
}

// Trade is the state of a CEX spot order.
type Trade struct {
	OrderId      string
	AveragePrice string
	State        TradeState
}

// Transfer is the state of an intra-account funds transfer.
type Transfer struct {
	TransferId string
	State      TransferState
}

// Withdrawal is the state of a CEX withdrawal. A
// nil *Withdrawal (with a nil error) means the CEX has no record of the
// withdrawal.
type Withdrawal struct {
	TxId  string
	State WithdrawalState
}

// Exchange is the CEX adapter: spot trading,
// deposit-address issuance, deposit history, intra-account transfer between
// funding and trading subaccounts, withdrawal, withdrawal history, balance,
// withdrawal-fee lookup. Every mutating call accepts a caller-chosen
// idempotency key so retries are safe to repeat.
type Exchange interface {
	// GetDepositAddress requests a deposit address for coin on the given
	// chain. For a Lightning deposit (chain omitted), amount must be set and
	// the returned string is a BOLT-11 invoice rather than an address.
	GetDepositAddress(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (addressOrInvoice string, err error)
	// GetDeposit looks up a deposit by the on-chain/LN transaction
	// identifier that funded it.
	GetDeposit(ctx context.Context, txId string) (*Deposit, error)

	// MarketTrade submits a market order on the pair (src,dst) for amount,
	// tagged with clientOrderId. Returns the venue-assigned order id.
	MarketTrade(ctx context.Context, pair domain.TradingPair, amount *big.Int, clientOrderId string) (venueOrderId string, err error)
	// GetTrade looks up an order by its client id.
	GetTrade(ctx context.Context, pair domain.TradingPair, clientOrderId string) (*Trade, error)

	// FundsTransfer moves amount of ccy between CEX subaccounts (from/to are
	// venue-defined subaccount names, e.g. "trading"/"funding"), tagged with
	// clientId.
	FundsTransfer(ctx context.Context, ccy domain.Token, from, to string, amount *big.Int, clientId string) (transferId string, err error)
	// GetFundsTransfer looks up a transfer by its client id.
	GetFundsTransfer(ctx context.Context, clientId string) (*Transfer, error)

	// GetWithdrawalFee returns the network fee the CEX will charge to
	// withdraw amount of coin on chain.
	GetWithdrawalFee(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (*big.Int, error)
	// Withdraw submits a withdrawal of amount (net of fee) of coin on chain
	// to address, tagged with clientWithdrawalId. For a Lightning
	// withdrawal, address carries the BOLT-11 invoice and amount is derived
	// from it by the venue.
	Withdraw(ctx context.Context, coin domain.Token, chain, address, clientWithdrawalId string, fee, amount *big.Int) (withdrawalId string, err error)
	// GetWithdrawal looks up a withdrawal by its client id.
	GetWithdrawal(ctx context.Context, clientWithdrawalId string) (*Withdrawal, error)

	// GetBalance returns the current balance of ccy in the named
	// subaccount.
	GetBalance(ctx context.Context, ccy domain.Token, subaccount string) (*big.Int, error)
}
