package application

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

var (
	million    = big.NewInt(1_000_000)
	oneE12     = big.NewInt(1_000_000_000_000)
	balanceTok = domain.USDC
)

// BalanceMonitor is the trigger half of the pipeline: on a
// slower cadence than the engine's tick, it compares smart-chain-held USDC
// against on-chain BTC and seeds a fresh job when the split has drifted
// past rebalanceThresholdPPM. It is a no-op whenever a job is already in
// flight.
type BalanceMonitor struct {
	store  ports.JobStore
	swap   ports.SwapContract
	btc    ports.BitcoinBackend
	ln     ports.LightningBackend
	oracle ports.InventoryOracle

	tokenAddresses domain.TokenAddresses
	thresholdPPM   *big.Int
	amountPPM      *big.Int

	log   *logrus.Entry
	clock func() time.Time
}

// NewBalanceMonitor constructs a BalanceMonitor. thresholdPPM and amountPPM
// are the configured parts-per-million constants governing when a rebalance
// triggers and how much of the imbalance it corrects per cycle.
func NewBalanceMonitor(
	store ports.JobStore,
	swap ports.SwapContract,
	btc ports.BitcoinBackend,
	ln ports.LightningBackend,
	oracle ports.InventoryOracle,
	tokenAddresses domain.TokenAddresses,
	thresholdPPM, amountPPM int64,
	log *logrus.Entry,
) *BalanceMonitor {
	return &BalanceMonitor{
		store:          store,
		swap:           swap,
		btc:            btc,
		ln:             ln,
		oracle:         oracle,
		tokenAddresses: tokenAddresses,
		thresholdPPM:   big.NewInt(thresholdPPM),
		amountPPM:      big.NewInt(amountPPM),
		log:            log,
		clock:          time.Now,
	}
}

// Check runs one balance scan. It is a no-op unless the job slot is empty
// or holding an IDLE job.
func (m *BalanceMonitor) Check(ctx context.Context) error {
	job, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNoActiveJob):
		// no job in flight, proceed with the scan
	case err != nil:
		return err
	case job.State != domain.Idle:
		return nil
	}

	usableBalanceSC, err := m.swap.GetBalance(ctx, balanceTok, true)
	if err != nil {
		m.log.WithError(err).Warn("read usable smart-chain balance failed")
		return nil
	}

	// Lightning channel balance is read for observability but deliberately
	// excluded from the comparison sum: it is not
	// smart-chain inventory and including it would double-count against the
	// on-chain BTC side of the same rail.
	if channelBalance, err := m.ln.GetChannelBalance(ctx); err != nil {
		m.log.WithError(err).Warn("read lightning channel balance failed")
	} else {
		m.log.WithField("channelBalance", channelBalance.String()).Debug("lightning balance observed, excluded from comparison")
	}

	locked, err := m.oracle.Locked(ctx, balanceTok)
	if err != nil {
		m.log.WithError(err).Warn("read locked customer-swap balance failed")
		return nil
	}
	returning, err := m.oracle.Returning(ctx, balanceTok)
	if err != nil {
		m.log.WithError(err).Warn("read returning customer-swap balance failed")
		return nil
	}

	balanceSC := new(big.Int).Add(usableBalanceSC, locked)
	balanceSC.Add(balanceSC, returning)

	btcValueOfSC, err := m.oracle.ToBtc(ctx, balanceSC, balanceTok)
	if err != nil {
		m.log.WithError(err).Warn("price smart-chain balance in BTC failed")
		return nil
	}
	balanceBTCOnchain, err := m.btc.GetChainBalance(ctx)
	if err != nil {
		m.log.WithError(err).Warn("read on-chain BTC balance failed")
		return nil
	}

	sum := new(big.Int).Add(btcValueOfSC, balanceBTCOnchain)
	if sum.Sign() == 0 {
		return nil
	}

	ppmSC := new(big.Int).Div(new(big.Int).Mul(btcValueOfSC, million), sum)
	ppmBTC := new(big.Int).Div(new(big.Int).Mul(balanceBTCOnchain, million), sum)
	diff := new(big.Int).Sub(ppmSC, ppmBTC)
	absDiff := new(big.Int).Abs(diff)

	if absDiff.Cmp(m.thresholdPPM) <= 0 {
		return nil
	}

	notional := new(big.Int).Mul(sum, absDiff)
	notional.Mul(notional, m.amountPPM)
	notional.Div(notional, oneE12)

	now := m.clock()
	var fresh *domain.Job
	if diff.Sign() < 0 {
		// BTC-heavy: move BTC into USDC.
		fresh = domain.NewJob(domain.BTC, m.addressFor(domain.BTC), balanceTok, m.addressFor(balanceTok), notional, now)
	} else {
		usdcAmount, err := m.oracle.FromBtc(ctx, notional, balanceTok, ports.RoundDown)
		if err != nil {
			m.log.WithError(err).Warn("convert notional to smart-chain base units failed")
			return nil
		}
		if usdcAmount.Cmp(usableBalanceSC) > 0 {
			m.log.WithFields(logrus.Fields{
				"desired": usdcAmount.String(),
				"usable":  usableBalanceSC.String(),
			}).Info("desired rebalance exceeds usable smart-chain balance, skipping this scan")
			return nil
		}
		fresh = domain.NewJob(balanceTok, m.addressFor(balanceTok), domain.BTC, m.addressFor(domain.BTC), usdcAmount, now)
	}

	m.log.WithFields(logrus.Fields{
		"src":       fresh.SrcToken,
		"dst":       fresh.DstToken,
		"amountOut": fresh.AmountOut.String(),
		"diffPPM":   diff.String(),
	}).Info("seeding rebalance job")
	return m.store.Save(ctx, fresh)
}

// addressFor resolves the audit-trail address recorded on a job for tok: a
// contract address for a smart-chain token, or the rail name itself for a
// BTC-like token, which has no contract address to record.
func (m *BalanceMonitor) addressFor(tok domain.Token) string {
	if tok.IsBTCLike() {
		return string(tok)
	}
	return m.tokenAddresses.Address(tok)
}
