package application_test

import (
	"context"
	"math/big"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// Function-field fakes, one per adapter port, following the pattern in
// nhbchain's services/lending/server/test_fakes.go: each method delegates
// to an optional Fn field so a test only wires the behavior it exercises.

type fakeSwap struct {
	getBalanceFn        func(ctx context.Context, token domain.Token, usable bool) (*big.Int, error)
	txsWithdrawFn       func(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error)
	txsTransferFn       func(ctx context.Context, token domain.Token, amount *big.Int, to string) ([]ports.RawTx, error)
	txsDepositFn        func(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error)
	sendAndConfirmFn    func(ctx context.Context, txs []ports.RawTx, onBroadcast ports.TxBroadcastFunc) error
	getTxStatusFn       func(ctx context.Context, rawTx ports.RawTx) (ports.TxStatus, error)
	getTxIdStatusFn     func(ctx context.Context, txId string) (ports.TxStatus, error)
	onBeforeTxReplaceFn func(cb ports.TxReplaceFunc)
	getAddressFn        func(ctx context.Context) (string, error)
}

func (f *fakeSwap) GetBalance(ctx context.Context, token domain.Token, usable bool) (*big.Int, error) {
	return f.getBalanceFn(ctx, token, usable)
}
func (f *fakeSwap) TxsWithdraw(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error) {
	return f.txsWithdrawFn(ctx, token, amount)
}
func (f *fakeSwap) TxsTransfer(ctx context.Context, token domain.Token, amount *big.Int, to string) ([]ports.RawTx, error) {
	return f.txsTransferFn(ctx, token, amount, to)
}
func (f *fakeSwap) TxsDeposit(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error) {
	return f.txsDepositFn(ctx, token, amount)
}
func (f *fakeSwap) SendAndConfirm(ctx context.Context, txs []ports.RawTx, onBroadcast ports.TxBroadcastFunc) error {
	return f.sendAndConfirmFn(ctx, txs, onBroadcast)
}
func (f *fakeSwap) GetTxStatus(ctx context.Context, rawTx ports.RawTx) (ports.TxStatus, error) {
	return f.getTxStatusFn(ctx, rawTx)
}
func (f *fakeSwap) GetTxIdStatus(ctx context.Context, txId string) (ports.TxStatus, error) {
	return f.getTxIdStatusFn(ctx, txId)
}
func (f *fakeSwap) OnBeforeTxReplace(cb ports.TxReplaceFunc) {
	if f.onBeforeTxReplaceFn != nil {
		f.onBeforeTxReplaceFn(cb)
	}
}
func (f *fakeSwap) GetAddress(ctx context.Context) (string, error) {
	return f.getAddressFn(ctx)
}
func (f *fakeSwap) ToTokenAddress(token domain.Token) string { return string(token) }

type fakeBitcoin struct {
	getTransactionFn           func(ctx context.Context, txId string) (*ports.TxLookup, error)
	fundPsbtFn                 func(ctx context.Context, req ports.FundPsbtRequest) (*ports.FundedPsbt, error)
	signPsbtFn                 func(ctx context.Context, psbt string) (string, error)
	broadcastChainTransactionFn func(ctx context.Context, rawTx string) (string, error)
	unlockUtxoFn               func(ctx context.Context, lock ports.UtxoLock) error
	getChainAddressesFn        func(ctx context.Context) ([]string, error)
	getChainBalanceFn          func(ctx context.Context) (*big.Int, error)
}

func (f *fakeBitcoin) GetTransaction(ctx context.Context, txId string) (*ports.TxLookup, error) {
	return f.getTransactionFn(ctx, txId)
}
func (f *fakeBitcoin) FundPsbt(ctx context.Context, req ports.FundPsbtRequest) (*ports.FundedPsbt, error) {
	return f.fundPsbtFn(ctx, req)
}
func (f *fakeBitcoin) SignPsbt(ctx context.Context, psbt string) (string, error) {
	return f.signPsbtFn(ctx, psbt)
}
func (f *fakeBitcoin) BroadcastChainTransaction(ctx context.Context, rawTx string) (string, error) {
	return f.broadcastChainTransactionFn(ctx, rawTx)
}
func (f *fakeBitcoin) UnlockUtxo(ctx context.Context, lock ports.UtxoLock) error {
	return f.unlockUtxoFn(ctx, lock)
}
func (f *fakeBitcoin) GetChainAddresses(ctx context.Context) ([]string, error) {
	return f.getChainAddressesFn(ctx)
}
func (f *fakeBitcoin) GetChainBalance(ctx context.Context) (*big.Int, error) {
	return f.getChainBalanceFn(ctx)
}

type fakeLightning struct {
	payFn               func(ctx context.Context, paymentRequest string) error
	getPaymentFn        func(ctx context.Context, paymentHash string) (*ports.Payment, error)
	createInvoiceFn     func(ctx context.Context, millisats *big.Int) (*ports.Invoice, error)
	getInvoiceFn        func(ctx context.Context, id string) (*ports.Invoice, error)
	getChannelBalanceFn func(ctx context.Context) (*big.Int, error)
}

func (f *fakeLightning) Pay(ctx context.Context, paymentRequest string) error {
	return f.payFn(ctx, paymentRequest)
}
func (f *fakeLightning) GetPayment(ctx context.Context, paymentHash string) (*ports.Payment, error) {
	return f.getPaymentFn(ctx, paymentHash)
}
func (f *fakeLightning) CreateInvoice(ctx context.Context, millisats *big.Int) (*ports.Invoice, error) {
	return f.createInvoiceFn(ctx, millisats)
}
func (f *fakeLightning) GetInvoice(ctx context.Context, id string) (*ports.Invoice, error) {
	return f.getInvoiceFn(ctx, id)
}
func (f *fakeLightning) GetChannelBalance(ctx context.Context) (*big.Int, error) {
	return f.getChannelBalanceFn(ctx)
}

type fakeExchange struct {
	getDepositAddressFn func(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (string, error)
	getDepositFn        func(ctx context.Context, txId string) (*ports.Deposit, error)
	marketTradeFn       func(ctx context.Context, pair domain.TradingPair, amount *big.Int, clientOrderId string) (string, error)
	getTradeFn          func(ctx context.Context, pair domain.TradingPair, clientOrderId string) (*ports.Trade, error)
	fundsTransferFn     func(ctx context.Context, ccy domain.Token, from, to string, amount *big.Int, clientId string) (string, error)
	getFundsTransferFn  func(ctx context.Context, clientId string) (*ports.Transfer, error)
	getWithdrawalFeeFn  func(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (*big.Int, error)
	withdrawFn          func(ctx context.Context, coin domain.Token, chain, address, clientWithdrawalId string, fee, amount *big.Int) (string, error)
	getWithdrawalFn     func(ctx context.Context, clientWithdrawalId string) (*ports.Withdrawal, error)
	getBalanceFn        func(ctx context.Context, ccy domain.Token, subaccount string) (*big.Int, error)
}

func (f *fakeExchange) GetDepositAddress(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (string, error) {
	return f.getDepositAddressFn(ctx, coin, chain, amount)
}
func (f *fakeExchange) GetDeposit(ctx context.Context, txId string) (*ports.Deposit, error) {
	return f.getDepositFn(ctx, txId)
}
func (f *fakeExchange) MarketTrade(ctx context.Context, pair domain.TradingPair, amount *big.Int, clientOrderId string) (string, error) {
	return f.marketTradeFn(ctx, pair, amount, clientOrderId)
}
func (f *fakeExchange) GetTrade(ctx context.Context, pair domain.TradingPair, clientOrderId string) (*ports.Trade, error) {
	return f.getTradeFn(ctx, pair, clientOrderId)
}
func (f *fakeExchange) FundsTransfer(ctx context.Context, ccy domain.Token, from, to string, amount *big.Int, clientId string) (string, error) {
	return f.fundsTransferFn(ctx, ccy, from, to, amount, clientId)
}
func (f *fakeExchange) GetFundsTransfer(ctx context.Context, clientId string) (*ports.Transfer, error) {
	return f.getFundsTransferFn(ctx, clientId)
}
func (f *fakeExchange) GetWithdrawalFee(ctx context.Context, coin domain.Token, chain string, amount *big.Int) (*big.Int, error) {
	return f.getWithdrawalFeeFn(ctx, coin, chain, amount)
}
func (f *fakeExchange) Withdraw(ctx context.Context, coin domain.Token, chain, address, clientWithdrawalId string, fee, amount *big.Int) (string, error) {
	return f.withdrawFn(ctx, coin, chain, address, clientWithdrawalId, fee, amount)
}
func (f *fakeExchange) GetWithdrawal(ctx context.Context, clientWithdrawalId string) (*ports.Withdrawal, error) {
	return f.getWithdrawalFn(ctx, clientWithdrawalId)
}
func (f *fakeExchange) GetBalance(ctx context.Context, ccy domain.Token, subaccount string) (*big.Int, error) {
	return f.getBalanceFn(ctx, ccy, subaccount)
}

type fakeOracle struct {
	toBtcFn     func(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error)
	fromBtcFn   func(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error)
	lockedFn    func(ctx context.Context, token domain.Token) (*big.Int, error)
	returningFn func(ctx context.Context, token domain.Token) (*big.Int, error)
}

func (f *fakeOracle) ToBtc(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error) {
	return f.toBtcFn(ctx, amount, token)
}
func (f *fakeOracle) FromBtc(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error) {
	return f.fromBtcFn(ctx, amountBTC, token, mode)
}
func (f *fakeOracle) Locked(ctx context.Context, token domain.Token) (*big.Int, error) {
	return f.lockedFn(ctx, token)
}
func (f *fakeOracle) Returning(ctx context.Context, token domain.Token) (*big.Int, error) {
	return f.returningFn(ctx, token)
}
