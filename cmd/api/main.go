package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/rates"
	"escrowflow/wallet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	gateway := &gatewayClient{baseURL: cfg.GatewayBaseURL}
	work := &workClient{baseURL: cfg.WorkStatusBaseURL}
	notify := &notifyPublisher{baseURL: cfg.NotifyBaseURL}

	outboxWriter := outbox.NewWriter()
	ledger := wallet.NewLedger(pool)
	rateSource := rates.NewCached(rates.NewSource(pool), cfg.RateCacheTTL)

	paymentRepo := escrow.NewRepository(pool)
	escrowService := escrow.NewService(pool, paymentRepo, ledger, gateway, work, rateSource, outboxWriter, cfg.AutoReleaseDays)
	sweeper := escrow.NewSweeper(paymentRepo, escrowService, cfg.SweepInterval, cfg.SweepBatchSize)

	distributionRepo := distribution.NewRepository(pool)
	distributionService := distribution.NewService(pool, distributionRepo, paymentRepo, ledger, work, rateSource, outboxWriter, cfg.ApprovalSigningSecret)

	payoutService := wallet.NewPayoutService(pool, ledger, outboxWriter)
	payoutWorker := wallet.NewWorker(pool, payoutService, cfg.PayoutPollInterval, cfg.PayoutBatchSize)

	outboxWorker := outbox.NewWorker(pool, notify, cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts)

	log.Printf("escrow engine ready: %+v", distributionService != nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return payoutWorker.Run(ctx) })
	g.Go(func() error { return outboxWorker.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
}
