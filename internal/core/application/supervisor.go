package application

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// Supervisor owns process lifetime: it takes an already-constructed
// RebalanceEngine and BalanceMonitor and drives both from a single
// *gocron.Scheduler, started once and stopped on shutdown.
type Supervisor struct {
	scheduler *gocron.Scheduler
	engine    *Engine
	monitor   *BalanceMonitor
	swap      ports.SwapContract
	log       *logrus.Entry

	checkInterval   time.Duration
	monitorInterval time.Duration
}

// NewSupervisor wires an Engine and BalanceMonitor together. checkInterval
// is the engine's tick period; monitorInterval is the BalanceMonitor's scan
// period, much coarser since a rebalance, once triggered, drives itself to
// completion via the engine's own tick.
func NewSupervisor(engine *Engine, monitor *BalanceMonitor, swap ports.SwapContract, checkInterval, monitorInterval time.Duration, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		scheduler:       gocron.NewScheduler(time.UTC),
		engine:          engine,
		monitor:         monitor,
		swap:            swap,
		log:             log,
		checkInterval:   checkInterval,
		monitorInterval: monitorInterval,
	}
}

// Start registers the periodic engine tick and balance scan, registers the
// tx-replacement callback, and starts the scheduler. It does not block.
func (s *Supervisor) Start() error {
	s.swap.OnBeforeTxReplace(s.engine.OnBeforeTxReplace)

	if _, err := s.scheduler.Every(s.checkInterval).Do(s.tickEngine); err != nil {
		return fmt.Errorf("application: schedule engine tick: %w", err)
	}
	if _, err := s.scheduler.Every(s.monitorInterval).Do(s.tickMonitor); err != nil {
		return fmt.Errorf("application: schedule balance scan: %w", err)
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop halts the scheduler. It does not wait for an in-flight tick to
// finish; the engine's own mutex ensures a stopped-mid-tick run completes
// its current external tick before any goroutine leak matters.
func (s *Supervisor) Stop() {
	s.scheduler.Stop()
	s.scheduler.Clear()
}

// Status reports the current rebalance job's state, age, and cooldown for
// an operator, or a zero Status with Active false if none is live. This is
// read-only introspection, not an external API surface.
type Status struct {
	Active   bool
	State    domain.State
	Age      time.Duration
	Cooldown time.Duration
}

// Status snapshots the live job through the engine's own lock, so it never
// races a concurrent tick.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	job, err := s.engine.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	if job == nil {
		return Status{}, nil
	}
	now := time.Now()
	cooldown := job.Cooldown.Sub(now)
	if cooldown < 0 {
		cooldown = 0
	}
	return Status{
		Active:   true,
		State:    job.State,
		Age:      now.Sub(job.CreatedAt),
		Cooldown: cooldown,
	}, nil
}

func (s *Supervisor) tickEngine() {
	if err := s.engine.Check(context.Background()); err != nil {
		s.log.WithError(err).Error("engine tick failed")
	}
}

func (s *Supervisor) tickMonitor() {
	if err := s.monitor.Check(context.Background()); err != nil {
		s.log.WithError(err).Error("balance scan failed")
	}
}
