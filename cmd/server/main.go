// Package main provides the API server entry point for the payment
// confirmation and entitlement service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lyfted-engineering/ZephyrPay/internal/api"
	"github.com/lyfted-engineering/ZephyrPay/internal/chainwatch"
	"github.com/lyfted-engineering/ZephyrPay/internal/config"
	"github.com/lyfted-engineering/ZephyrPay/internal/events"
	"github.com/lyfted-engineering/ZephyrPay/internal/ledger"
	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/mint"
	"github.com/lyfted-engineering/ZephyrPay/internal/models"
	"github.com/lyfted-engineering/ZephyrPay/internal/orchestrator"
	"github.com/lyfted-engineering/ZephyrPay/internal/rail"
	"github.com/lyfted-engineering/ZephyrPay/internal/rbac"
	"github.com/lyfted-engineering/ZephyrPay/internal/storage"
	"github.com/lyfted-engineering/ZephyrPay/internal/subscription"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

func main() {
	fmt.Println("ZephyrPay API Server")
	log.Println("Server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Database connections
	logger.Info("Connecting to databases...")

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

	logger.Info("Database connections established")

	// Repositories
	userRepo := storage.NewUserRepository(postgres)
	invoiceRepo := storage.NewInvoiceRepository(postgres)
	paymentRepo := storage.NewPaymentRepository(postgres)
	subscriptionRepo := storage.NewSubscriptionRepository(postgres)
	membershipRepo := storage.NewMembershipRepository(postgres)
	actionRepo := storage.NewActionRepository(postgres)
	rewardRepo := storage.NewRewardRepository(postgres)
	posRepo := storage.NewPOSRepository(postgres)

	// Event bus and consumers
	bus := events.NewBus(256)
	loyaltyCh := bus.Subscribe("loyalty")
	checkinCh := bus.Subscribe("checkin")
	analyticsCh := bus.Subscribe("analytics")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go events.NewLoyaltyConsumer(rewardRepo).Run(runCtx, loyaltyCh)
	go events.NewCheckinConsumer(redis, 30*24*time.Hour).Run(runCtx, checkinCh)
	go events.NewAnalyticsConsumer(clickhouse).Run(runCtx, analyticsCh)

	// Entitlement engine
	stateMachine := subscription.NewStateMachine(subscriptionRepo)
	mintClient := mint.NewServiceClient(cfg.Mint.ServiceURL)
	mintCoordinator := mint.NewCoordinator(membershipRepo, mintClient, mintFailureLogger(logger), mint.Config{
		ContractAddress: cfg.Mint.ContractAddress,
		MaxAttempts:     cfg.Mint.MaxAttempts,
		InitialBackoff:  cfg.Mint.InitialBackoff,
		QueueSize:       cfg.Mint.QueueSize,
	})
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

	// Lightning rail
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

	// Ethereum rail
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

	logger.Info("Entitlement engine initialized")

	// HTTP server
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		WebhookSecret:   cfg.Lightning.WebhookSecret,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}

	server := api.NewServer(
		serverConfig,
		invoiceLedger,
		watcher,
		stateMachine,
		mintCoordinator,
		userRepo,
		posRepo,
		rewardRepo,
		engine,
		rbac.NewGuard(),
	)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	cancel()
	bus.Close()
	logger.Info("Shutdown complete")
}

func mintFailureLogger(logger *logging.Logger) mint.FailureSink {
	return func(ctx context.Context, m *models.NFTMembership, cause error) {
		logger.WithError(cause).WithFields(map[string]interface{}{
			"user_id": m.UserID,
			"tier":    m.Tier,
			"period":  m.BillingPeriod,
		}).Error("Mint permanently failed")
	}
}
