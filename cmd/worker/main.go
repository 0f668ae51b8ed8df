// Package main provides the headless worker entry point. It runs the
// payment observation and entitlement engine without the HTTP API, for
// deployments that scale request handling and settlement processing
// separately.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/config"
	"github.com/lyfted-engineering/ZephyrPay/internal/events"
	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/mint"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/orchestrator"
	"github.com/lyfted-engineering/ZephyrPay/internal/rail"
	"github.com/lyfted-engineering/ZephyrPay/internal/storage"
	"github.com/lyfted-engineering/ZephyrPay/internal/subscription"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

func main() {
	log.Println("ZephyrPay worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	invoiceRepo := storage.NewInvoiceRepository(postgres)
	paymentRepo := storage.NewPaymentRepository(postgres)
	subscriptionRepo := storage.NewSubscriptionRepository(postgres)
	membershipRepo := storage.NewMembershipRepository(postgres)
	actionRepo := storage.NewActionRepository(postgres)
	rewardRepo := storage.NewRewardRepository(postgres)
	posRepo := storage.NewPOSRepository(postgres)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(256)
	go events.NewLoyaltyConsumer(rewardRepo).Run(runCtx, bus.Subscribe("loyalty"))
	go events.NewCheckinConsumer(redis, 30*24*time.Hour).Run(runCtx, bus.Subscribe("checkin"))
	go events.NewAnalyticsConsumer(clickhouse).Run(runCtx, bus.Subscribe("analytics"))

	stateMachine := subscription.NewStateMachine(subscriptionRepo)

	mintCoordinator := mint.NewCoordinator(
		membershipRepo,
		mint.NewServiceClient(cfg.Mint.ServiceURL),
		func(ctx context.Context, m *models.NFTMembership, cause error) {
			logger.WithError(cause).WithField("user_id", m.UserID).Error("Mint permanently failed")
		},
		mint.Config{
			ContractAddress: cfg.Mint.ContractAddress,
			MaxAttempts:     cfg.Mint.MaxAttempts,
			InitialBackoff:  cfg.Mint.InitialBackoff,
			QueueSize:       cfg.Mint.QueueSize,
		},
	)
	if err := mintCoordinator.Start(runCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start mint coordinator")
	}
	defer mintCoordinator.Stop()

	engine := orchestrator.NewOrchestrator(
		actionRepo, stateMachine, mintCoordinator, posRepo, rewardRepo, bus,
		orchestrator.Config{},
	)

	// Redelivery source for actions that failed or whose claimer died:
	// the rails emit each confirmation once, so stranded actions are
	// re-driven from the durable payment records.
	reconciler := orchestrator.NewReconciler(engine, actionRepo, invoiceRepo, paymentRepo, orchestrator.ReconcilerConfig{})
	reconciler.Start(runCtx)
	defer reconciler.Stop()

	confirmedSink := func(ctx context.Context, ev types.PaymentConfirmed) {
		if err := engine.HandlePaymentConfirmed(ctx, ev); err != nil {
			logger.WithError(err).WithField("payment_id", ev.PaymentID).
				Error("Entitlement processing failed, awaiting redelivery")
		}
	}

	lightningClient := rail.NewLightningClient(cfg.Lightning.RESTHost, cfg.Lightning.MacaroonHex, cfg.Lightning.RequestsPerSec)
	invoiceLedger := ledger.NewInvoiceLedger(invoiceRepo, lightningClient, redis, confirmedSink, ledger.Config{
		InvoiceTTL:    cfg.Lightning.InvoiceTTL,
		PollInterval:  cfg.Lightning.PollInterval,
		SweepInterval: cfg.Lightning.SweepInterval,
	})
	invoiceLedger.Start(runCtx)
	if err := invoiceLedger.Resume(runCtx); err != nil {
		logger.WithError(err).Error("Failed to resume invoice observation")
	}
	defer invoiceLedger.Stop()

	ethClient, err := ethclient.Dial(cfg.Ethereum.RPCURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Ethereum RPC")
	}
	defer ethClient.Close()

	watcher := chainwatch.NewChainWatcher(ethClient, paymentRepo, confirmedSink, chainwatch.Config{
		ConfirmationDepth: cfg.Ethereum.ConfirmationDepth,
		PollInterval:      cfg.Ethereum.PollInterval,
		MaxAbsentCycles:   cfg.Ethereum.MaxAbsentCycles,
		TrackTimeout:      cfg.Ethereum.TrackTimeout,
	})
	if err := watcher.Resume(runCtx); err != nil {
		logger.WithError(err).Error("Failed to resume payment observation")
	}
	defer watcher.Stop()

	logger.Info("Worker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutdown signal received")
	cancel()
	bus.Close()
	logger.Info("Shutdown complete")
}
