package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/example/ec-checkout/internal/api"
	"github.com/example/ec-checkout/internal/app"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/logger"
	"github.com/example/ec-checkout/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadEnv()

	log, err := logger.New(cfg.Server.AppEnv, cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("api")

	if len(cfg.JWT.SecretKey) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters long")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := app.Build(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		_ = stack.Close()
		log.Fatal("Failed to build checkout stack", zap.Error(err))
	}
	defer stack.Close()

	// Tokens are issued by the storefront; expiry is only used when signing.
	jwtService := auth.NewJWTService(cfg.JWT.SecretKey, 15*time.Minute)
	handlers := api.NewHandlers(stack.Orchestrator, cfg.Checkout.SweepBatch, log)
	router := api.NewRouter(handlers, jwtService, log, stack.Metrics)

	var wg sync.WaitGroup
	sweeper := orchestrator.NewSweeper(stack.Orchestrator, cfg.Checkout.SweepInterval, cfg.Checkout.SweepBatch, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Server started", zap.String("addr", cfg.Server.Addr), zap.String("env", cfg.Server.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	wg.Wait()
}
