package application_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hedgeflow/rebalancer/internal/core/application"
	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// newTestMonitor wires a BalanceMonitor with a threshold of 50000 ppm (5%)
// and an amountPPM of 1_000_000 (correct the full imbalance in one shot),
// which keeps the arithmetic in each scenario round.
func newTestMonitor(
	t *testing.T, store ports.JobStore, usableBalanceSC, channelBalance, btcValueOfSC, balanceBTCOnchain *big.Int,
	fromBtc func(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error),
) *application.BalanceMonitor {
	t.Helper()
	swap := &fakeSwap{
		getBalanceFn: func(ctx context.Context, token domain.Token, usable bool) (*big.Int, error) {
			return usableBalanceSC, nil
		},
	}
	ln := &fakeLightning{
		getChannelBalanceFn: func(ctx context.Context) (*big.Int, error) {
			return channelBalance, nil
		},
	}
	btc := &fakeBitcoin{
		getChainBalanceFn: func(ctx context.Context) (*big.Int, error) {
			return balanceBTCOnchain, nil
		},
	}
	oracle := &fakeOracle{
		toBtcFn: func(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error) {
			return btcValueOfSC, nil
		},
		fromBtcFn: fromBtc,
		lockedFn: func(ctx context.Context, token domain.Token) (*big.Int, error) {
			return big.NewInt(0), nil
		},
		returningFn: func(ctx context.Context, token domain.Token) (*big.Int, error) {
			return big.NewInt(0), nil
		},
	}
	return application.NewBalanceMonitor(store, swap, btc, ln, oracle, testTokenAddresses, 50000, 1_000_000, testLogger())
}

// testTokenAddresses configures a USDC contract address, since a seeded
// TRIGGERED job must carry an address for each side.
var testTokenAddresses = domain.TokenAddresses{domain.USDC: "0xusdc"}

func TestBalanceMonitorCheckIsNoopWhenJobAlreadyInFlight(t *testing.T) {
	store := newTestStore(t)
	seedTriggered(t, store, domain.BTC, domain.USDC, 1000)

	swap := &fakeSwap{
		getBalanceFn: func(ctx context.Context, token domain.Token, usable bool) (*big.Int, error) {
			t.Fatal("GetBalance should not be called while a job is in flight")
			return nil, nil
		},
	}
	m := application.NewBalanceMonitor(store, swap, &fakeBitcoin{}, &fakeLightning{}, &fakeOracle{}, domain.TokenAddresses{}, 50000, 1_000_000, testLogger())

	require.NoError(t, m.Check(context.Background()))
}

func TestBalanceMonitorCheckSeedsBTCToUSDCWhenBTCHeavy(t *testing.T) {
	store := newTestStore(t)
	// SC holds 100, BTC holds 900: BTC dominates, so the fix moves BTC->USDC.
	m := newTestMonitor(t, store, big.NewInt(100), big.NewInt(0), big.NewInt(100), big.NewInt(900), nil)

	require.NoError(t, m.Check(context.Background()))

	job, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.BTC, job.SrcToken)
	require.Equal(t, domain.USDC, job.DstToken)
	require.Equal(t, big.NewInt(800), job.AmountOut)
}

func TestBalanceMonitorCheckSeedsUSDCToBTCWhenSmartChainHeavy(t *testing.T) {
	store := newTestStore(t)
	// SC holds 900, BTC holds 100: SC dominates, so the fix moves USDC->BTC.
	m := newTestMonitor(t, store, big.NewInt(900), big.NewInt(0), big.NewInt(900), big.NewInt(100),
		func(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error) {
			require.Equal(t, ports.RoundDown, mode)
			return new(big.Int).Set(amountBTC), nil
		})

	require.NoError(t, m.Check(context.Background()))

	job, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.USDC, job.SrcToken)
	require.Equal(t, domain.BTC, job.DstToken)
	require.Equal(t, big.NewInt(800), job.AmountOut)
}

func TestBalanceMonitorCheckAbortsWhenDesiredExceedsUsableBalance(t *testing.T) {
	store := newTestStore(t)
	// Same imbalance as the smart-chain-heavy case, but usable SC balance
	// (500) is less than the 800 the rebalance would need to withdraw.
	m := newTestMonitor(t, store, big.NewInt(500), big.NewInt(0), big.NewInt(900), big.NewInt(100),
		func(ctx context.Context, amountBTC *big.Int, token domain.Token, mode ports.RoundingMode) (*big.Int, error) {
			return new(big.Int).Set(amountBTC), nil
		})

	require.NoError(t, m.Check(context.Background()))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveJob)
}

func TestBalanceMonitorCheckIsNoopWhenWithinThreshold(t *testing.T) {
	store := newTestStore(t)
	m := newTestMonitor(t, store, big.NewInt(500), big.NewInt(0), big.NewInt(500), big.NewInt(500), nil)

	require.NoError(t, m.Check(context.Background()))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveJob)
}

func TestBalanceMonitorCheckExcludesLightningBalanceFromComparison(t *testing.T) {
	// Same SC/BTC split in both runs; only the lightning channel balance
	// differs. If it leaked into the comparison sum, the resulting notional
	// would differ between the two.
	smallStore := newTestStore(t)
	small := newTestMonitor(t, smallStore, big.NewInt(100), big.NewInt(1), big.NewInt(100), big.NewInt(900), nil)
	require.NoError(t, small.Check(context.Background()))
	smallJob, err := smallStore.Load(context.Background())
	require.NoError(t, err)

	largeStore := newTestStore(t)
	large := newTestMonitor(t, largeStore, big.NewInt(100), big.NewInt(1_000_000_000), big.NewInt(100), big.NewInt(900), nil)
	require.NoError(t, large.Check(context.Background()))
	largeJob, err := largeStore.Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, big.NewInt(800), smallJob.AmountOut)
	require.Equal(t, smallJob.AmountOut, largeJob.AmountOut)
}

func TestBalanceMonitorCheckToleratesLightningBalanceError(t *testing.T) {
	store := newTestStore(t)
	// Force GetChannelBalance to fail; Check should still seed the job since
	// the balance is observability-only and excluded from the comparison.
	swap := &fakeSwap{
		getBalanceFn: func(ctx context.Context, token domain.Token, usable bool) (*big.Int, error) {
			return big.NewInt(100), nil
		},
	}
	ln := &fakeLightning{
		getChannelBalanceFn: func(ctx context.Context) (*big.Int, error) {
			return nil, context.DeadlineExceeded
		},
	}
	oracle := &fakeOracle{
		toBtcFn: func(ctx context.Context, amount *big.Int, token domain.Token) (*big.Int, error) {
			return big.NewInt(100), nil
		},
		lockedFn: func(ctx context.Context, token domain.Token) (*big.Int, error) {
			return big.NewInt(0), nil
		},
		returningFn: func(ctx context.Context, token domain.Token) (*big.Int, error) {
			return big.NewInt(0), nil
		},
	}
	btc := &fakeBitcoin{
		getChainBalanceFn: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(900), nil
		},
	}
	m := application.NewBalanceMonitor(store, swap, btc, ln, oracle, testTokenAddresses, 50000, 1_000_000, testLogger())

	require.NoError(t, m.Check(context.Background()))
	job, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(800), job.AmountOut)
}
