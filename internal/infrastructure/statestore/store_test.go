package statestore_test

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/statestore"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsNoActiveJob(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.New(filepath.Join(dir, "job.json"))
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveJob)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "job.json")
	store, err := statestore.New(statePath)
	require.NoError(t, err)

	job := domain.NewJob(domain.BTC, "addr-src", domain.USDC, "addr-dst", big.NewInt(123456789), time.Now())
	require.NoError(t, store.Save(context.Background(), job))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.Triggered, loaded.State)
	require.Equal(t, "123456789", loaded.AmountOut.String())
	require.Equal(t, domain.BTC, loaded.SrcToken)
	require.Equal(t, domain.USDC, loaded.DstToken)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "job.json")
	store, err := statestore.New(statePath)
	require.NoError(t, err)

	job := domain.NewJob(domain.BTC, "addr-src", domain.USDC, "addr-dst", big.NewInt(1), time.Now())
	require.NoError(t, store.Save(context.Background(), job))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp", "no temp file should remain after Save")
	}
}

func TestSaveRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.New(filepath.Join(dir, "job.json"))
	require.NoError(t, err)

	job := &domain.Job{State: domain.Triggered} // missing SrcToken/AmountOut/etc.
	require.Panics(t, func() {
		_ = store.Save(context.Background(), job)
	})
}

func TestArchiveClearsLiveSlotAndPreservesBigInts(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "job.json")
	store, err := statestore.New(statePath)
	require.NoError(t, err)

	job := &domain.Job{State: domain.Finished, AmountOut: big.NewInt(123456789012345678)}
	require.NoError(t, store.Save(context.Background(), job))

	require.NoError(t, store.Archive(context.Background(), job, 1700000000000))

	_, err = os.Stat(statePath)
	require.True(t, os.IsNotExist(err))

	archived, err := os.ReadFile(filepath.Join(dir, "archive", "rebalance-1700000000000.json"))
	require.NoError(t, err)
	require.Contains(t, string(archived), `"FINISHED"`)
	require.Contains(t, string(archived), `"123456789012345678"`)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveJob)
}

func TestDecimalEncodingIsAlwaysDecimalNotHex(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "job.json")
	store, err := statestore.New(statePath)
	require.NoError(t, err)

	job := domain.NewJob(domain.BTC, "a", domain.USDC, "b", big.NewInt(255), time.Now())
	require.NoError(t, store.Save(context.Background(), job))

	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"255"`)
	require.NotContains(t, string(raw), "0xff")
}
