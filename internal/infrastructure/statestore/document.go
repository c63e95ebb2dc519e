// Package statestore persists the single live rebalance job document to
// disk. Amounts encode as decimal exclusively, both directions: every
// *big.Int field is written and read as its base-10 string, never as
// 0x-prefixed hex.
package statestore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
)

// document is the on-disk shape of domain.Job. It exists only because Go's
// math/big.Int.MarshalJSON emits a bare JSON number, not a string; the
// bigInt wrapper type below forces the decimal-string encoding this package
// requires at this boundary.
type document struct {
	State    domain.State `json:"state"`
	Cooldown time.Time    `json:"cooldown,omitempty"`

	RetryAt    time.Time    `json:"retryAt,omitempty"`
	RetryState domain.State `json:"retryState,omitempty"`

	SrcToken        domain.Token `json:"srcToken,omitempty"`
	SrcTokenAddress string       `json:"srcTokenAddress,omitempty"`
	DstToken        domain.Token `json:"dstToken,omitempty"`
	DstTokenAddress string       `json:"dstTokenAddress,omitempty"`
	AmountOut       *bigInt      `json:"amountOut,omitempty"`

	ScWithdrawTxs  domain.TxCandidates `json:"scWithdrawTxs,omitempty"`
	ScWithdrawTxId string              `json:"scWithdrawTxId,omitempty"`

	Broadcasted bool                `json:"broadcasted,omitempty"`
	OutTxs      domain.TxCandidates `json:"outTxs,omitempty"`
	OutTxId     string              `json:"outTxId,omitempty"`

	DepositId string `json:"depositId,omitempty"`

	ClientOrderId string  `json:"clientOrderId,omitempty"`
	OrderId       string  `json:"orderId,omitempty"`
	Price         string  `json:"price,omitempty"`
	AmountIn      *bigInt `json:"amountIn,omitempty"`

	ClientTransferId string `json:"clientTransferId,omitempty"`
	TransferId       string `json:"transferId,omitempty"`

	ReceivingAddress string  `json:"receivingAddress,omitempty"`
	WithdrawalFee    *bigInt `json:"withdrawalFee,omitempty"`
	WithdrawalId     string  `json:"withdrawalId,omitempty"`

	InTxId string `json:"inTxId,omitempty"`

	ScDepositTxs  domain.TxCandidates `json:"scDepositTxs,omitempty"`
	ScDepositTxId string              `json:"scDepositTxId,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// bigInt forces the decimal-string wire encoding onto a *big.Int field.
type bigInt big.Int

func (b bigInt) MarshalJSON() ([]byte, error) {
	v := big.Int(b)
	return json.Marshal(v.String())
}

func (b *bigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("statestore: amount must be a decimal string, got %s: %w", data, err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("statestore: %q is not a valid decimal integer", s)
	}
	*b = bigInt(*v)
	return nil
}

func toBigIntPtr(v *big.Int) *bigInt {
	if v == nil {
		return nil
	}
	b := bigInt(*v)
	return &b
}

func fromBigIntPtr(v *bigInt) *big.Int {
	if v == nil {
		return nil
	}
	i := big.Int(*v)
	return &i
}

func encode(job *domain.Job) *document {
	return &document{
		State:            job.State,
		Cooldown:         job.Cooldown,
		RetryAt:          job.RetryAt,
		RetryState:       job.RetryState,
		SrcToken:         job.SrcToken,
		SrcTokenAddress:  job.SrcTokenAddress,
		DstToken:         job.DstToken,
		DstTokenAddress:  job.DstTokenAddress,
		AmountOut:        toBigIntPtr(job.AmountOut),
		ScWithdrawTxs:    job.ScWithdrawTxs,
		ScWithdrawTxId:   job.ScWithdrawTxId,
		Broadcasted:      job.Broadcasted,
		OutTxs:           job.OutTxs,
		OutTxId:          job.OutTxId,
		DepositId:        job.DepositId,
		ClientOrderId:    job.ClientOrderId,
		OrderId:          job.OrderId,
		Price:            job.Price,
		AmountIn:         toBigIntPtr(job.AmountIn),
		ClientTransferId: job.ClientTransferId,
		TransferId:       job.TransferId,
		ReceivingAddress: job.ReceivingAddress,
		WithdrawalFee:    toBigIntPtr(job.WithdrawalFee),
		WithdrawalId:     job.WithdrawalId,
		InTxId:           job.InTxId,
		ScDepositTxs:     job.ScDepositTxs,
		ScDepositTxId:    job.ScDepositTxId,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

func decode(doc *document) *domain.Job {
	return &domain.Job{
		State:            doc.State,
		Cooldown:         doc.Cooldown,
		RetryAt:          doc.RetryAt,
		RetryState:       doc.RetryState,
		SrcToken:         doc.SrcToken,
		SrcTokenAddress:  doc.SrcTokenAddress,
		DstToken:         doc.DstToken,
		DstTokenAddress:  doc.DstTokenAddress,
		AmountOut:        fromBigIntPtr(doc.AmountOut),
		ScWithdrawTxs:    doc.ScWithdrawTxs,
		ScWithdrawTxId:   doc.ScWithdrawTxId,
		Broadcasted:      doc.Broadcasted,
		OutTxs:           doc.OutTxs,
		OutTxId:          doc.OutTxId,
		DepositId:        doc.DepositId,
		ClientOrderId:    doc.ClientOrderId,
		OrderId:          doc.OrderId,
		Price:            doc.Price,
		AmountIn:         fromBigIntPtr(doc.AmountIn),
		ClientTransferId: doc.ClientTransferId,
		TransferId:       doc.TransferId,
		ReceivingAddress: doc.ReceivingAddress,
		WithdrawalFee:    fromBigIntPtr(doc.WithdrawalFee),
		WithdrawalId:     doc.WithdrawalId,
		InTxId:           doc.InTxId,
		ScDepositTxs:     doc.ScDepositTxs,
		ScDepositTxId:    doc.ScDepositTxId,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}
