package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"github.com/hedgeflow/rebalancer/internal/config"
	"github.com/hedgeflow/rebalancer/internal/core/application"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/bitcoin"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/cex"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/lightning"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/oracle"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/smartchain"
	"github.com/hedgeflow/rebalancer/internal/infrastructure/statestore"
	"github.com/hedgeflow/rebalancer/pkg/monitor"
)

// monitorHeartbeatInterval is how often the supervised process reports
// itself alive to the goroutine monitor, well under its stall threshold.
const monitorHeartbeatInterval = 30 * time.Second

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if len(os.Args) > 1 && os.Args[1] == "status" {
		runStatus(cfg)
		return
	}

	log.Infof("starting rebalancer %s (%s, %s)", version, commit, date)

	store, err := statestore.New(filepath.Join(cfg.Datadir, "job.json"))
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}

	tokens := cfg.TokenAddresses()

	cexSvc := cex.New(cfg.CexBaseURL, cfg.ApiKey, cfg.ApiSecret, cfg.ApiPassword)
	btcSvc := bitcoin.New(cfg.EsploraURL, cfg.BitcoinRPCURL, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword, cfg.BitcoinWallet)
	oracleSvc := oracle.New(cfg.CexTickerURL, cfg.LedgerBaseURL)

	lnSvc, err := lightning.Dial(context.Background(), cfg.LndHost, cfg.LndTLSCertPath, cfg.LndMacaroonPath)
	if err != nil {
		log.WithError(err).Fatal("failed to dial lnd")
	}
	defer lnSvc.Close()

	ethClient, err := ethclient.Dial(cfg.SmartChainRPCURL)
	if err != nil {
		log.WithError(err).Fatal("failed to dial smart-chain RPC")
	}
	smartChainSvc, err := smartchain.New(ethClient, cfg.SmartChainContract, tokens, cfg.SmartChainId, cfg.SmartChainPrivateKey)
	if err != nil {
		log.WithError(err).Fatal("failed to init smart-chain adapter")
	}

	logger := log.WithField("component", "rebalancer")

	engine := application.NewEngine(
		store, smartChainSvc, btcSvc, lnSvc, cexSvc,
		cfg.OkxSmartChainName, cfg.RetryTime(), cfg.Cooldown(),
		logger,
	)

	balanceMonitor := application.NewBalanceMonitor(
		store, smartChainSvc, btcSvc, lnSvc, oracleSvc,
		tokens, cfg.RebalanceThresholdPPM, cfg.RebalanceAmountPPM,
		logger,
	)

	supervisor := application.NewSupervisor(engine, balanceMonitor, smartChainSvc, cfg.CheckInterval(), cfg.MonitorInterval(), logger)

	mon := monitor.New(monitor.WithLogger(logger))
	task := mon.Go("rebalance-supervisor", func(ctx context.Context, hb monitor.Heartbeat) error {
		if err := supervisor.Start(); err != nil {
			return err
		}
		ticker := time.NewTicker(monitorHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				supervisor.Stop()
				return nil
			case <-ticker.C:
				hb.Tick()
			}
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down supervisor")
	task.Stop()
	<-task.Done()

	if status := task.Status(); status.State == monitor.TaskStateFailed {
		log.WithField("error", status.Error).Error("rebalance-supervisor exited with error")
	}
}

// runStatus prints a one-line operator snapshot of the current job and
// exits, without dialing any of the live adapters: the state document is
// the only thing a status read needs.
func runStatus(cfg *config.Config) {
	store, err := statestore.New(filepath.Join(cfg.Datadir, "job.json"))
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}

	engine := application.NewEngine(store, nil, nil, nil, nil, cfg.OkxSmartChainName, cfg.RetryTime(), cfg.Cooldown(), log.WithField("component", "status"))

	job, err := engine.Status(context.Background())
	if err != nil {
		log.WithError(err).Fatal("failed to read job status")
	}
	if job == nil {
		log.Info("no active rebalance job")
		return
	}
	log.WithFields(log.Fields{
		"state":     job.State,
		"srcToken":  job.SrcToken,
		"dstToken":  job.DstToken,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}).Info("active rebalance job")
}
