package domain

import (
	"fmt"
	"math/big"
	"reflect"
	"time"
)

// State is a phase of the rebalance state machine.
type State string

const (
	Idle                  State = "IDLE"
	Triggered             State = "TRIGGERED"
	ScWithdrawing         State = "SC_WITHDRAWING"
	ScWithdrawalConfirmed State = "SC_WITHDRAWAL_CONFIRMED"
	OutTx                 State = "OUT_TX"
	OutTxConfirmed        State = "OUT_TX_CONFIRMED"
	DepositReceived       State = "DEPOSIT_RECEIVED"
	TradeExecuting        State = "TRADE_EXECUTING"
	TradeExecuted         State = "TRADE_EXECUTED"
	FundsTransfering      State = "FUNDS_TRANSFERING"
	FundsTransfered       State = "FUNDS_TRANSFERED"
	Withdrawing           State = "WITHDRAWING"
	WithdrawalSent        State = "WITHDRAWAL_SENT"
	InTxConfirmed         State = "IN_TX_CONFIRMED"
	ScDepositing          State = "SC_DEPOSITING"
	ScDeposited           State = "SC_DEPOSITED"
	Finished              State = "FINISHED"
	Retrying              State = "RETRYING"
)

// stateOrder gives every state except RETRYING a monotone index,
// used by the "monotone progress" property: the state
// index never decreases except through the RETRYING wormhole, which
// re-enters a previously visited state.
var stateOrder = map[State]int{
	Idle:                  0,
	Triggered:             1,
	ScWithdrawing:         2,
	ScWithdrawalConfirmed: 3,
	OutTx:                 4,
	OutTxConfirmed:        5,
	DepositReceived:       6,
	TradeExecuting:        7,
	TradeExecuted:         8,
	FundsTransfering:      9,
	FundsTransfered:       10,
	Withdrawing:           11,
	WithdrawalSent:        12,
	InTxConfirmed:         13,
	ScDepositing:          14,
	ScDeposited:           15,
	Finished:              16,
}

// Index returns the state's position in the forward DAG. RETRYING has no
// fixed index; callers compare against RetryState instead.
func (s State) Index() (int, bool) {
	i, ok := stateOrder[s]
	return i, ok
}

// TxCandidates is a candidate map of txId -> raw tx (or, for a Lightning
// out-leg, payment hash -> payment request), used for scWithdrawTxs/outTxs/
// scDepositTxs. It grows only by
// insertion: a tx-replacement notification adds newTxId -> newRawTx without
// removing the old candidate, since the confirmation scan considers all of
// them.
type TxCandidates map[string]string

// Job is the single in-flight rebalance record. It is a flat
// struct rather than a sum type because Go has no native tagged unions;
// which fields are meaningful for a given State is expressed declaratively
// by RequiredFields and checked by Validate, not by ad hoc per-state
// branching in the engine.
type Job struct {
	State    State     `json:"state"`
	Cooldown time.Time `json:"cooldown,omitempty"`

	RetryAt    time.Time `json:"retryAt,omitempty"`
	RetryState State     `json:"retryState,omitempty"`

	SrcToken        Token    `json:"srcToken,omitempty"`
	SrcTokenAddress string   `json:"srcTokenAddress,omitempty"`
	DstToken        Token    `json:"dstToken,omitempty"`
	DstTokenAddress string   `json:"dstTokenAddress,omitempty"`
	AmountOut       *big.Int `json:"amountOut,omitempty"`

	ScWithdrawTxs  TxCandidates `json:"scWithdrawTxs,omitempty"`
	ScWithdrawTxId string       `json:"scWithdrawTxId,omitempty"`

	// Broadcasted resolves the TRIGGERED-before-broadcast crash window: it
	// is false while a BTC/LN out-leg candidate has been
	// persisted (in OutTxs) but the send/broadcast call that publishes it
	// has not yet been confirmed to have happened. OUT_TX re-issues the
	// send from the saved raw payload whenever it finds this false.
	Broadcasted bool         `json:"broadcasted,omitempty"`
	OutTxs      TxCandidates `json:"outTxs,omitempty"`
	OutTxId     string       `json:"outTxId,omitempty"`

	DepositId string `json:"depositId,omitempty"`

	ClientOrderId string   `json:"clientOrderId,omitempty"`
	OrderId       string   `json:"orderId,omitempty"`
	Price         string   `json:"price,omitempty"`
	AmountIn      *big.Int `json:"amountIn,omitempty"`

	ClientTransferId string `json:"clientTransferId,omitempty"`
	TransferId       string `json:"transferId,omitempty"`

	ReceivingAddress string   `json:"receivingAddress,omitempty"`
	WithdrawalFee    *big.Int `json:"withdrawalFee,omitempty"`
	WithdrawalId     string   `json:"withdrawalId,omitempty"`

	InTxId string `json:"inTxId,omitempty"`

	ScDepositTxs  TxCandidates `json:"scDepositTxs,omitempty"`
	ScDepositTxId string       `json:"scDepositTxId,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RequiredFields lists, for a given state, the Job struct field names that
// must be populated before entering it. Kept as data so the "required
// field invariant" is one generic Validate call instead of per-state code.
var RequiredFields = map[State][]string{
	Idle:                  nil,
	Triggered:             {"SrcToken", "SrcTokenAddress", "DstToken", "DstTokenAddress", "AmountOut"},
	ScWithdrawing:         {"ScWithdrawTxs"},
	ScWithdrawalConfirmed: {"ScWithdrawTxId"},
	OutTx:                 {"OutTxs"},
	OutTxConfirmed:        {"OutTxId"},
	DepositReceived:       {"DepositId"},
	TradeExecuting:        {"ClientOrderId"},
	TradeExecuted:         {"OrderId", "Price", "AmountIn"},
	FundsTransfering:      {"ClientTransferId"},
	FundsTransfered:       {"TransferId"},
	Withdrawing:           {"ReceivingAddress", "WithdrawalFee", "WithdrawalId"},
	WithdrawalSent:        {"InTxId"},
	InTxConfirmed:         nil,
	ScDepositing:          {"ScDepositTxs"},
	ScDeposited:           {"ScDepositTxId"},
	Finished:              nil,
	Retrying:              {"RetryAt", "RetryState"},
}

// ErrRequiredField is a programmer error: it means a transition tried to
// enter a state without first populating the fields that state requires,
// and should never happen outside a bug.
type ErrRequiredField struct {
	State State
	Field string
}

func (e *ErrRequiredField) Error() string {
	return fmt.Sprintf("required field invariant violated: state %s missing field %s", e.State, e.Field)
}

// Validate checks that every field RequiredFields[job.State] names is
// populated (non-zero). It panics on failure: a missing required field at
// transition time is a programmer error, not a recoverable condition.
func Validate(job *Job) {
	fields, ok := RequiredFields[job.State]
	if !ok {
		panic(fmt.Sprintf("unknown state %q", job.State))
	}
	v := reflect.ValueOf(job).Elem()
	for _, name := range fields {
		fv := v.FieldByName(name)
		if !fv.IsValid() {
			panic(fmt.Sprintf("RequiredFields names unknown Job field %q for state %s", name, job.State))
		}
		if fv.IsZero() {
			panic((&ErrRequiredField{State: job.State, Field: name}).Error())
		}
	}
}

// NewJob starts a fresh job in TRIGGERED with the rebalance specification
// BalanceMonitor computed.
func NewJob(src Token, srcAddr string, dst Token, dstAddr string, amountOut *big.Int, now time.Time) *Job {
	return &Job{
		State:           Triggered,
		SrcToken:        src,
		SrcTokenAddress: srcAddr,
		DstToken:        dst,
		DstTokenAddress: dstAddr,
		AmountOut:       amountOut,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
