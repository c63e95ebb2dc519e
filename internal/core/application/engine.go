// Package application implements the rebalancing pipeline: RebalanceEngine
// (the state machine), BalanceMonitor (the trigger), and the Supervisor
// that wires them to adapters. This is the hard-engineering content of the
// module; everything under internal/infrastructure is supporting plumbing
// consumed only through internal/core/ports.
package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
	"github.com/hedgeflow/rebalancer/utils"
)

const (
	subaccountTrading = "trading"
	subaccountFunding = "funding"
)

// Engine is the RebalanceEngine: a single-threaded cooperative state
// machine driven by periodic ticks. Check is the only mutator of the live
// job document; a mutex serializes it against concurrent callers (the
// periodic timer and the tx-replacement callback).
type Engine struct {
	mu sync.Mutex

	store ports.JobStore
	swap  ports.SwapContract
	btc   ports.BitcoinBackend
	ln    ports.LightningBackend
	cex   ports.Exchange

	smartChainName string
	retryTime      time.Duration
	cooldown       time.Duration

	log   *logrus.Entry
	clock func() time.Time
}

// NewEngine constructs a RebalanceEngine over its adapters.
func NewEngine(
	store ports.JobStore,
	swap ports.SwapContract,
	btc ports.BitcoinBackend,
	ln ports.LightningBackend,
	cex ports.Exchange,
	smartChainName string,
	retryTime, cooldown time.Duration,
	log *logrus.Entry,
) *Engine {
	return &Engine{
		store:          store,
		swap:           swap,
		btc:            btc,
		ln:             ln,
		cex:            cex,
		smartChainName: smartChainName,
		retryTime:      retryTime,
		cooldown:       cooldown,
		log:            log,
		clock:          time.Now,
	}
}

func (e *Engine) now() time.Time { return e.clock() }

// Check is one external tick. It loads the live job, and if
// it is due, dispatches to the handler for its state. A handler that
// performs a transition returns true; Check then reloads the freshly
// persisted job and dispatches again, so that a chain of transitions (e.g.
// TRIGGERED -> SC_WITHDRAWING -> ... -> OUT_TX) collapses into a single
// external tick, exactly as if the engine called itself recursively.
func (e *Engine) Check(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		job, err := e.store.Load(ctx)
		if errors.Is(err, domain.ErrNoActiveJob) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("application: load job: %w", err)
		}
		if job.State == domain.Idle {
			return nil
		}
		if e.now().Before(job.Cooldown) {
			return nil
		}

		transitioned, err := e.dispatch(ctx, job)
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
	}
}

// Status reports the current job for operator introspection, or nil if
// none is live. It takes the same lock as Check, so a snapshot never races
// a concurrent transition.
func (e *Engine) Status(ctx context.Context) (*domain.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Load(ctx)
	if errors.Is(err, domain.ErrNoActiveJob) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("application: load job: %w", err)
	}
	return job, nil
}

func (e *Engine) dispatch(ctx context.Context, job *domain.Job) (bool, error) {
	switch job.State {
	case domain.Triggered:
		return e.handleTriggered(ctx, job)
	case domain.ScWithdrawing:
		return e.handleScWithdrawing(ctx, job)
	case domain.ScWithdrawalConfirmed:
		return e.handleScWithdrawalConfirmed(ctx, job)
	case domain.OutTx:
		return e.handleOutTx(ctx, job)
	case domain.OutTxConfirmed:
		return e.handleOutTxConfirmed(ctx, job)
	case domain.DepositReceived:
		return e.handleDepositReceived(ctx, job)
	case domain.TradeExecuting:
		return e.handleTradeExecuting(ctx, job)
	case domain.TradeExecuted:
		return e.handleTradeExecuted(ctx, job)
	case domain.FundsTransfering:
		return e.handleFundsTransfering(ctx, job)
	case domain.FundsTransfered:
		return e.handleFundsTransfered(ctx, job)
	case domain.Withdrawing:
		return e.handleWithdrawing(ctx, job)
	case domain.WithdrawalSent:
		return e.handleWithdrawalSent(ctx, job)
	case domain.InTxConfirmed:
		return e.handleInTxConfirmed(ctx, job)
	case domain.ScDepositing:
		return e.handleScDepositing(ctx, job)
	case domain.ScDeposited:
		return e.handleScDeposited(ctx, job)
	case domain.Finished:
		return e.handleFinished(ctx, job)
	case domain.Retrying:
		return e.handleRetrying(ctx, job)
	default:
		panic(fmt.Sprintf("application: unknown job state %q", job.State))
	}
}

// setState applies mutate (which sets the target State and whatever fields
// it requires), stamps UpdatedAt, and persists. domain.Validate runs inside
// store.Save before any byte is written, so a required-field violation
// panics without disturbing the previously persisted document.
func (e *Engine) setState(ctx context.Context, job *domain.Job, mutate func(*domain.Job)) error {
	mutate(job)
	job.UpdatedAt = e.now()
	return e.store.Save(ctx, job)
}

func (e *Engine) toIdle(ctx context.Context, job *domain.Job) (bool, error) {
	fresh := &domain.Job{State: domain.Idle, CreatedAt: job.CreatedAt, UpdatedAt: e.now()}
	if err := e.store.Save(ctx, fresh); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) retryLater(ctx context.Context, job *domain.Job, target domain.State) (bool, error) {
	err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.Retrying
		j.RetryState = target
		j.RetryAt = e.now().Add(e.retryTime)
	})
	return true, err
}

// scanCandidates polls every candidate transaction in a map and reports the
// first one observed as successful, or whether any remain pending.
// A lookup error on one candidate does not fail the scan: it is treated as
// pending, since a transient RPC failure must not be mistaken for a
// reverted transaction.
func (e *Engine) scanCandidates(ctx context.Context, candidates domain.TxCandidates) (successId string, pending bool, err error) {
	for id, raw := range candidates {
		status, statusErr := e.swap.GetTxStatus(ctx, raw)
		if statusErr != nil {
			e.log.WithError(statusErr).Warn("smart-chain tx status check failed")
			pending = true
			continue
		}
		switch status {
		case ports.TxSuccess:
			return id, false, nil
		case ports.TxPending:
			pending = true
		}
	}
	return "", pending, nil
}

func soleCandidate(m domain.TxCandidates) (id, raw string) {
	for id, raw = range m {
		return id, raw
	}
	return "", ""
}

func computeBTCTxId(rawTxHex string) (string, error) {
	var tx wire.MsgTx
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("application: decode raw tx: %w", err)
	}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("application: parse raw tx: %w", err)
	}
	return tx.TxHash().String(), nil
}

// -- TRIGGERED --------------------------------------------------------------

func (e *Engine) handleTriggered(ctx context.Context, job *domain.Job) (bool, error) {
	if job.SrcToken.IsSmartChain() {
		return e.triggerSmartChainWithdraw(ctx, job)
	}
	return e.triggerBTCRail(ctx, job)
}

func (e *Engine) triggerSmartChainWithdraw(ctx context.Context, job *domain.Job) (bool, error) {
	txs, err := e.swap.TxsWithdraw(ctx, job.SrcToken, job.AmountOut)
	if err != nil {
		e.log.WithError(err).Warn("build withdraw txs failed")
		return e.toIdle(ctx, job)
	}

	checkpointed := false
	sendErr := e.swap.SendAndConfirm(ctx, txs, func(cctx context.Context, txId string, rawTx ports.RawTx) error {
		checkpointed = true
		return e.setState(cctx, job, func(j *domain.Job) {
			j.State = domain.ScWithdrawing
			if j.ScWithdrawTxs == nil {
				j.ScWithdrawTxs = domain.TxCandidates{}
			}
			j.ScWithdrawTxs[txId] = rawTx
		})
	})
	if sendErr != nil {
		e.log.WithError(sendErr).Warn("smart-chain withdraw send failed")
	}
	return checkpointed, nil
}

func (e *Engine) triggerBTCRail(ctx context.Context, job *domain.Job) (bool, error) {
	if job.SrcToken == domain.BTCLN {
		return e.triggerLightningOut(ctx, job)
	}
	return e.triggerOnchainOut(ctx, job)
}

func (e *Engine) triggerLightningOut(ctx context.Context, job *domain.Job) (bool, error) {
	invoice, err := e.cex.GetDepositAddress(ctx, job.SrcToken, "", job.AmountOut)
	if err != nil {
		e.log.WithError(err).Warn("lightning deposit invoice request failed")
		return false, nil
	}

	gotSats, preimageHash, err := utils.DecodeInvoice(invoice)
	if err != nil {
		return false, domain.NewVenueError("decode CEX deposit invoice", err)
	}
	if !utils.IsValidInvoice(invoice) {
		return false, domain.NewVenueError("decode CEX deposit invoice", fmt.Errorf("zero-amount invoice"))
	}
	got := new(big.Int).SetUint64(gotSats)
	if got.Cmp(job.AmountOut) != 0 {
		return false, domain.NewVenueError("deposit invoice amount mismatch",
			fmt.Errorf("invoice carries %s sat, expected %s", got, job.AmountOut))
	}
	paymentHash := hex.EncodeToString(preimageHash)

	if err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.OutTx
		j.OutTxs = domain.TxCandidates{paymentHash: invoice}
		j.Broadcasted = false
		j.Cooldown = e.now().Add(e.cooldown)
	}); err != nil {
		return false, err
	}

	if err := e.ln.Pay(ctx, invoice); err != nil {
		e.log.WithError(err).Warn("lightning pay failed, out_tx will retry")
		return true, nil
	}
	return e.markBroadcasted(ctx, job)
}

func (e *Engine) triggerOnchainOut(ctx context.Context, job *domain.Job) (bool, error) {
	address, err := e.cex.GetDepositAddress(ctx, job.SrcToken, "", nil)
	if err != nil {
		e.log.WithError(err).Warn("on-chain deposit address request failed")
		return false, nil
	}

	funded, err := e.btc.FundPsbt(ctx, ports.FundPsbtRequest{
		Outputs:             []ports.PsbtOutput{{Address: address, Sats: job.AmountOut.Int64()}},
		MinConfirmations:    1,
		TargetConfirmations: 1,
	})
	if err != nil {
		e.log.WithError(err).Warn("fund psbt failed")
		return false, nil
	}

	rawTx, err := e.btc.SignPsbt(ctx, funded.Psbt)
	if err != nil {
		e.log.WithError(err).Warn("sign psbt failed, unlocking reserved utxos")
		for _, lock := range funded.Inputs {
			if unlockErr := e.btc.UnlockUtxo(ctx, lock); unlockErr != nil {
				e.log.WithError(unlockErr).Warn("failed to unlock utxo")
			}
		}
		return e.toIdle(ctx, job)
	}

	txId, err := computeBTCTxId(rawTx)
	if err != nil {
		return false, domain.NewVenueError("compute signed tx id", err)
	}

	if err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.OutTx
		j.OutTxs = domain.TxCandidates{txId: rawTx}
		j.Broadcasted = false
		j.Cooldown = e.now().Add(e.cooldown)
	}); err != nil {
		return false, err
	}

	if _, err := e.btc.BroadcastChainTransaction(ctx, rawTx); err != nil {
		e.log.WithError(err).Warn("broadcast failed, out_tx will retry")
		return true, nil
	}
	return e.markBroadcasted(ctx, job)
}

func (e *Engine) markBroadcasted(ctx context.Context, job *domain.Job) (bool, error) {
	if err := e.setState(ctx, job, func(j *domain.Job) { j.Broadcasted = true }); err != nil {
		return true, err
	}
	return true, nil
}

// -- SC_WITHDRAWING / SC_WITHDRAWAL_CONFIRMED -------------------------------

func (e *Engine) handleScWithdrawing(ctx context.Context, job *domain.Job) (bool, error) {
	successId, pending, err := e.scanCandidates(ctx, job.ScWithdrawTxs)
	if err != nil {
		return false, err
	}
	if successId != "" {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.ScWithdrawalConfirmed
			j.ScWithdrawTxId = successId
		})
	}
	if pending {
		return false, nil
	}
	return e.toIdle(ctx, job)
}

func (e *Engine) handleScWithdrawalConfirmed(ctx context.Context, job *domain.Job) (bool, error) {
	addr, err := e.cex.GetDepositAddress(ctx, job.SrcToken, e.smartChainName, nil)
	if err != nil {
		e.log.WithError(err).Warn("smart-chain deposit address request failed")
		return false, nil
	}
	txs, err := e.swap.TxsTransfer(ctx, job.SrcToken, job.AmountOut, addr)
	if err != nil {
		e.log.WithError(err).Warn("build transfer-to-cex txs failed")
		return false, nil
	}

	checkpointed := false
	sendErr := e.swap.SendAndConfirm(ctx, txs, func(cctx context.Context, txId string, rawTx ports.RawTx) error {
		checkpointed = true
		return e.setState(cctx, job, func(j *domain.Job) {
			j.State = domain.OutTx
			if j.OutTxs == nil {
				j.OutTxs = domain.TxCandidates{}
			}
			j.OutTxs[txId] = rawTx
		})
	})
	if sendErr != nil {
		e.log.WithError(sendErr).Warn("smart-chain transfer send failed")
	}
	return checkpointed, nil
}

// -- OUT_TX / OUT_TX_CONFIRMED -----------------------------------------------

func (e *Engine) handleOutTx(ctx context.Context, job *domain.Job) (bool, error) {
	if job.SrcToken.IsBTCLike() {
		return e.handleOutTxBTCRail(ctx, job)
	}
	return e.handleOutTxSmartChainRail(ctx, job)
}

// handleOutTxBTCRail resolves the TRIGGERED-before-broadcast crash window:
// if the persisted candidate has not been confirmed broadcast, it re-issues
// the same broadcast/pay call from the saved raw payload before looking
// anything up.
func (e *Engine) handleOutTxBTCRail(ctx context.Context, job *domain.Job) (bool, error) {
	id, raw := soleCandidate(job.OutTxs)

	if !job.Broadcasted {
		var err error
		if job.SrcToken == domain.BTCLN {
			err = e.ln.Pay(ctx, raw)
		} else {
			_, err = e.btc.BroadcastChainTransaction(ctx, raw)
		}
		if err != nil {
			e.log.WithError(err).Warn("out-tx re-broadcast failed, will retry next tick")
			return false, nil
		}
		if err := e.setState(ctx, job, func(j *domain.Job) { j.Broadcasted = true }); err != nil {
			return false, err
		}
	}

	if job.SrcToken == domain.BTCLN {
		payment, err := e.ln.GetPayment(ctx, id)
		if err != nil {
			e.log.WithError(err).Warn("lightning payment lookup failed")
			return false, nil
		}
		if payment == nil || payment.IsFailed {
			return e.toIdle(ctx, job)
		}
		if payment.IsConfirmed {
			return true, e.setState(ctx, job, func(j *domain.Job) {
				j.State = domain.OutTxConfirmed
				j.OutTxId = id
			})
		}
		return false, nil
	}

	lookup, err := e.btc.GetTransaction(ctx, id)
	if err != nil {
		e.log.WithError(err).Warn("on-chain out-tx lookup failed")
		return false, nil
	}
	if lookup == nil {
		return e.toIdle(ctx, job)
	}
	if lookup.Confirmations >= 1 {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.OutTxConfirmed
			j.OutTxId = id
		})
	}
	return false, nil
}

func (e *Engine) handleOutTxSmartChainRail(ctx context.Context, job *domain.Job) (bool, error) {
	successId, pending, err := e.scanCandidates(ctx, job.OutTxs)
	if err != nil {
		return false, err
	}
	if successId != "" {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.OutTxConfirmed
			j.OutTxId = successId
		})
	}
	if pending {
		return false, nil
	}
	return e.retryLater(ctx, job, domain.ScWithdrawalConfirmed)
}

func (e *Engine) handleOutTxConfirmed(ctx context.Context, job *domain.Job) (bool, error) {
	dep, err := e.cex.GetDeposit(ctx, job.OutTxId)
	if err != nil {
		e.log.WithError(err).Warn("deposit lookup failed")
		return false, nil
	}
	if dep == nil {
		return false, nil
	}
	if dep.State == ports.DepositCreditedNotWithdrawable || dep.State == ports.DepositSuccess {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.DepositReceived
			j.DepositId = dep.DepositId
		})
	}
	return false, nil
}

// -- DEPOSIT_RECEIVED / TRADE_EXECUTING / TRADE_EXECUTED --------------------

func (e *Engine) handleDepositReceived(ctx context.Context, job *domain.Job) (bool, error) {
	pair, err := domain.GetTradingPair(job.SrcToken, job.DstToken)
	if err != nil {
		return false, domain.NewVenueError("resolve trading pair", err)
	}
	clientOrderId, err := newIdempotencyKey()
	if err != nil {
		return false, err
	}
	if err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.TradeExecuting
		j.ClientOrderId = clientOrderId
		j.Cooldown = e.now().Add(e.cooldown)
	}); err != nil {
		return false, err
	}

	if _, err := e.cex.MarketTrade(ctx, pair, job.AmountOut, clientOrderId); err != nil {
		e.log.WithError(err).Warn("market trade submission failed, reconciled next tick")
	}
	return true, nil
}

func (e *Engine) handleTradeExecuting(ctx context.Context, job *domain.Job) (bool, error) {
	pair, err := domain.GetTradingPair(job.SrcToken, job.DstToken)
	if err != nil {
		return false, domain.NewVenueError("resolve trading pair", err)
	}
	trade, err := e.cex.GetTrade(ctx, pair, job.ClientOrderId)
	if err != nil {
		e.log.WithError(err).Warn("order lookup failed")
		return false, nil
	}
	if trade == nil {
		return e.retryLater(ctx, job, domain.DepositReceived)
	}
	switch trade.State {
	case ports.TradeCanceled, ports.TradeMMPCanceled:
		return e.retryLater(ctx, job, domain.DepositReceived)
	case ports.TradeFilled:
		amountIn, err := e.cex.GetBalance(ctx, job.DstToken, subaccountTrading)
		if err != nil {
			e.log.WithError(err).Warn("post-fill balance read failed")
			return false, nil
		}
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.TradeExecuted
			j.OrderId = trade.OrderId
			j.Price = trade.AveragePrice
			j.AmountIn = amountIn
		})
	default:
		return false, nil
	}
}

func (e *Engine) handleTradeExecuted(ctx context.Context, job *domain.Job) (bool, error) {
	clientTransferId, err := newIdempotencyKey()
	if err != nil {
		return false, err
	}
	if err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.FundsTransfering
		j.ClientTransferId = clientTransferId
	}); err != nil {
		return false, err
	}

	if _, err := e.cex.FundsTransfer(ctx, job.DstToken, subaccountTrading, subaccountFunding, job.AmountIn, clientTransferId); err != nil {
		e.log.WithError(err).Warn("funds transfer submission failed")
	}
	return true, nil
}

// -- FUNDS_TRANSFERING / FUNDS_TRANSFERED / WITHDRAWING ---------------------

func (e *Engine) handleFundsTransfering(ctx context.Context, job *domain.Job) (bool, error) {
	transfer, err := e.cex.GetFundsTransfer(ctx, job.ClientTransferId)
	if err != nil {
		e.log.WithError(err).Warn("transfer lookup failed")
		return false, nil
	}
	if transfer == nil || transfer.State == ports.TransferFailed {
		return e.retryLater(ctx, job, domain.TradeExecuted)
	}
	if transfer.State == ports.TransferSuccess {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.FundsTransfered
			j.TransferId = transfer.TransferId
		})
	}
	return false, nil
}

func (e *Engine) chainSelector(token domain.Token) string {
	if token.IsSmartChain() {
		return e.smartChainName
	}
	return ""
}

func (e *Engine) receivingAddressFor(ctx context.Context, token domain.Token, netAmount *big.Int) (string, error) {
	switch token {
	case domain.BTC:
		addrs, err := e.btc.GetChainAddresses(ctx)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("no on-chain receiving addresses available")
		}
		return addrs[0], nil
	case domain.BTCLN:
		msat := new(big.Int).Mul(netAmount, big.NewInt(1000))
		inv, err := e.ln.CreateInvoice(ctx, msat)
		if err != nil {
			return "", err
		}
		return inv.Request, nil
	default:
		return e.swap.GetAddress(ctx)
	}
}

func (e *Engine) handleFundsTransfered(ctx context.Context, job *domain.Job) (bool, error) {
	chain := e.chainSelector(job.DstToken)
	fee, err := e.cex.GetWithdrawalFee(ctx, job.DstToken, chain, job.AmountIn)
	if err != nil {
		e.log.WithError(err).Warn("withdrawal fee lookup failed")
		return false, nil
	}

	net := new(big.Int).Sub(job.AmountIn, fee)
	if net.Sign() < 0 {
		return false, domain.NewVenueError("compute net withdrawal amount",
			fmt.Errorf("fee %s exceeds amountIn %s", fee, job.AmountIn))
	}

	receivingAddress, err := e.receivingAddressFor(ctx, job.DstToken, net)
	if err != nil {
		e.log.WithError(err).Warn("receiving address derivation failed")
		return false, nil
	}

	withdrawalId, err := newIdempotencyKey()
	if err != nil {
		return false, err
	}

	if err := e.setState(ctx, job, func(j *domain.Job) {
		j.State = domain.Withdrawing
		j.ReceivingAddress = receivingAddress
		j.WithdrawalFee = fee
		j.WithdrawalId = withdrawalId
	}); err != nil {
		return false, err
	}

	if _, err := e.cex.Withdraw(ctx, job.DstToken, chain, receivingAddress, withdrawalId, fee, net); err != nil {
		e.log.WithError(err).Warn("withdrawal submission failed")
		return e.retryLater(ctx, job, domain.FundsTransfered)
	}
	return true, nil
}

func (e *Engine) handleWithdrawing(ctx context.Context, job *domain.Job) (bool, error) {
	wd, err := e.cex.GetWithdrawal(ctx, job.WithdrawalId)
	if err != nil {
		e.log.WithError(err).Warn("withdrawal lookup failed")
		return false, nil
	}
	if wd == nil || wd.State.Terminal() {
		return e.retryLater(ctx, job, domain.FundsTransfered)
	}
	if wd.State == ports.WithdrawalCompleted {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.WithdrawalSent
			j.InTxId = wd.TxId
		})
	}
	return false, nil
}

// -- WITHDRAWAL_SENT / IN_TX_CONFIRMED / SC_DEPOSITING / SC_DEPOSITED -------

func (e *Engine) handleWithdrawalSent(ctx context.Context, job *domain.Job) (bool, error) {
	switch job.DstToken {
	case domain.BTC:
		lookup, err := e.btc.GetTransaction(ctx, job.InTxId)
		if err != nil {
			e.log.WithError(err).Warn("in-tx lookup failed")
			return false, nil
		}
		if lookup == nil {
			return e.retryLater(ctx, job, domain.Withdrawing)
		}
		if lookup.Confirmations >= 1 {
			return true, e.setState(ctx, job, func(j *domain.Job) { j.State = domain.InTxConfirmed })
		}
		return false, nil
	case domain.BTCLN:
		inv, err := e.ln.GetInvoice(ctx, job.InTxId)
		if err != nil {
			e.log.WithError(err).Warn("in-tx invoice lookup failed")
			return false, nil
		}
		if inv == nil {
			return false, nil
		}
		if inv.IsCanceled {
			return e.retryLater(ctx, job, domain.Withdrawing)
		}
		if inv.IsConfirmed {
			return true, e.setState(ctx, job, func(j *domain.Job) { j.State = domain.InTxConfirmed })
		}
		return false, nil
	default:
		status, err := e.swap.GetTxIdStatus(ctx, job.InTxId)
		if err != nil {
			e.log.WithError(err).Warn("in-tx status lookup failed")
			return false, nil
		}
		switch status {
		case ports.TxSuccess:
			return true, e.setState(ctx, job, func(j *domain.Job) { j.State = domain.InTxConfirmed })
		case ports.TxReverted:
			return e.retryLater(ctx, job, domain.Withdrawing)
		default:
			return false, nil
		}
	}
}

func (e *Engine) handleInTxConfirmed(ctx context.Context, job *domain.Job) (bool, error) {
	if job.DstToken.IsBTCLike() {
		return true, e.setState(ctx, job, func(j *domain.Job) { j.State = domain.Finished })
	}

	net := new(big.Int).Sub(job.AmountIn, job.WithdrawalFee)
	txs, err := e.swap.TxsDeposit(ctx, job.DstToken, net)
	if err != nil {
		e.log.WithError(err).Warn("build deposit-to-contract txs failed")
		return false, nil
	}

	checkpointed := false
	sendErr := e.swap.SendAndConfirm(ctx, txs, func(cctx context.Context, txId string, rawTx ports.RawTx) error {
		checkpointed = true
		return e.setState(cctx, job, func(j *domain.Job) {
			j.State = domain.ScDepositing
			if j.ScDepositTxs == nil {
				j.ScDepositTxs = domain.TxCandidates{}
			}
			j.ScDepositTxs[txId] = rawTx
		})
	})
	if sendErr != nil {
		e.log.WithError(sendErr).Warn("smart-chain deposit send failed")
	}
	return checkpointed, nil
}

func (e *Engine) handleScDepositing(ctx context.Context, job *domain.Job) (bool, error) {
	successId, pending, err := e.scanCandidates(ctx, job.ScDepositTxs)
	if err != nil {
		return false, err
	}
	if successId != "" {
		return true, e.setState(ctx, job, func(j *domain.Job) {
			j.State = domain.ScDeposited
			j.ScDepositTxId = successId
		})
	}
	if pending {
		return false, nil
	}
	return e.retryLater(ctx, job, domain.InTxConfirmed)
}

func (e *Engine) handleScDeposited(ctx context.Context, job *domain.Job) (bool, error) {
	return true, e.setState(ctx, job, func(j *domain.Job) { j.State = domain.Finished })
}

// -- FINISHED / RETRYING ------------------------------------------------

func (e *Engine) handleFinished(ctx context.Context, job *domain.Job) (bool, error) {
	if err := e.store.Archive(ctx, job, e.now().UnixMilli()); err != nil {
		return false, err
	}
	return false, nil
}

func (e *Engine) handleRetrying(ctx context.Context, job *domain.Job) (bool, error) {
	if e.now().Before(job.RetryAt) {
		return false, nil
	}
	return true, e.setState(ctx, job, func(j *domain.Job) {
		j.State = j.RetryState
		j.RetryState = ""
		j.RetryAt = time.Time{}
	})
}

// OnBeforeTxReplace is registered with SwapContract by the Supervisor
//: when a broadcast candidate the current job is tracking is
// replaced (e.g. a fee bump), it inserts the replacement into whichever
// candidate map holds the old id and extends the job's cooldown so the next
// confirmation scan considers the new candidate too.
func (e *Engine) OnBeforeTxReplace(oldTxId string, _ ports.RawTx, newTxId string, newTx ports.RawTx) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := context.Background()
	job, err := e.store.Load(ctx)
	if err != nil {
		return
	}

	maps := []domain.TxCandidates{job.ScWithdrawTxs, job.OutTxs, job.ScDepositTxs}
	for _, candidates := range maps {
		if candidates == nil {
			continue
		}
		if _, ok := candidates[oldTxId]; !ok {
			continue
		}
		candidates[newTxId] = newTx
		job.Cooldown = e.now().Add(5 * time.Second)
		if err := e.store.Save(ctx, job); err != nil {
			e.log.WithError(err).Warn("failed to persist tx replacement")
		}
		return
	}
}
