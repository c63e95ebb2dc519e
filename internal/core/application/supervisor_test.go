package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hedgeflow/rebalancer/internal/core/application"
	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

func newTestSupervisor(t *testing.T, store ports.JobStore) *application.Supervisor {
	t.Helper()
	engine := newTestEngine(t, store, &fakeSwap{}, &fakeBitcoin{}, &fakeLightning{}, nil)
	monitor := application.NewBalanceMonitor(
		store, &fakeSwap{}, &fakeBitcoin{}, &fakeLightning{}, nil,
		domain.TokenAddresses{}, 20000, 500000, testLogger(),
	)
	return application.NewSupervisor(engine, monitor, &fakeSwap{}, time.Second, time.Minute, testLogger())
}

func TestSupervisorStatusInactiveWithNoJob(t *testing.T) {
	store := newTestStore(t)
	sup := newTestSupervisor(t, store)

	status, err := sup.Status(context.Background())
	require.NoError(t, err)
	require.False(t, status.Active)
}

func TestSupervisorStatusReportsLiveJobState(t *testing.T) {
	store := newTestStore(t)
	seedTriggered(t, store, domain.BTC, domain.USDC, 100_000)

	sup := newTestSupervisor(t, store)

	status, err := sup.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Active)
	require.Equal(t, domain.Triggered, status.State)
	require.GreaterOrEqual(t, status.Age, time.Duration(0))
}
