package ports

import (
	"context"
	"math/big"
)

// Payment is the outcome of an outbound Lightning payment lookup. A nil *Payment (with a nil error) means the backend has no record of
// the payment.
type Payment struct {
	IsConfirmed bool
	IsFailed    bool
}

// Invoice is a created or looked-up Lightning invoice.
type Invoice struct {
	Id          string
	Request     string // BOLT-11 payment request string
	IsConfirmed bool
	IsCanceled  bool
}

// LightningBackend is the Lightning Network adapter: pay
// invoice, look up payment by hash, create invoice, look up invoice by
// hash.
type LightningBackend interface {
	// Pay sends the given BOLT-11 payment request. The payment hash
	// embedded in the request is the identifier used for all subsequent
	// lookups.
	Pay(ctx context.Context, paymentRequest string) error
	// GetPayment looks up an outbound payment by hash. Returns (nil, nil) if
	// unknown to the backend.
	GetPayment(ctx context.Context, paymentHash string) (*Payment, error)

	// CreateInvoice creates an invoice for the given amount in millisatoshi.
	CreateInvoice(ctx context.Context, millisats *big.Int) (*Invoice, error)
	// GetInvoice looks up a previously created invoice by id (payment
	// hash).
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// GetChannelBalance returns the total local channel balance in
	// satoshis. Read for observability only: BalanceMonitor intentionally
	// excludes it from the rebalance comparison.
	GetChannelBalance(ctx context.Context) (*big.Int, error)
}
