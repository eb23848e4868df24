package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/example/ec-checkout/internal/app"
	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/logger"
	"github.com/example/ec-checkout/internal/orchestrator"
)

// sweeper runs the expiry loop out of process, for deployments that keep
// the api replicas free of background work. Pass -once to sweep a single
// batch and exit, e.g. from a cron job.
func main() {
	_ = godotenv.Load()
	cfg := config.LoadEnv()

	log, err := logger.New(cfg.Server.AppEnv, cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("sweeper-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := app.Build(ctx, cfg, prometheus.NewRegistry(), log)
	if err != nil {
		_ = stack.Close()
		log.Fatal("Failed to build checkout stack", zap.Error(err))
	}
	defer stack.Close()

	sweeper := orchestrator.NewSweeper(stack.Orchestrator, cfg.Checkout.SweepInterval, cfg.Checkout.SweepBatch, log)

	if len(os.Args) > 1 && os.Args[1] == "-once" {
		sweeper.Once(ctx)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("Sweeper started", zap.Duration("interval", cfg.Checkout.SweepInterval), zap.Int("batch", cfg.Checkout.SweepBatch))
		if err := sweeper.Run(ctx); err != nil {
			log.Error("Sweeper error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()
	<-done
}
