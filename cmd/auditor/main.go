package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/infrastructure/kafka"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logger"
)

// auditor consumes checkout audit entries from Kafka and persists them to
// the audit_log table.
func main() {
	_ = godotenv.Load()
	cfg := config.LoadEnv()

	log, err := logger.New(cfg.Server.AppEnv, cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("auditor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Starting auditor",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.AuditTopic),
		zap.String("group", cfg.Kafka.AuditGroup),
	)

	db, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN, store.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to PostgreSQL")

	if cfg.Postgres.RunMigrations {
		if err := store.RunMigrations(db); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	projector := audit.NewProjector(store.NewPostgresAuditStore(db), log)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, cfg.Kafka.AuditGroup, log)
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Consume(ctx, projector.Handle); err != nil && ctx.Err() == nil {
			log.Error("Consumer error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()
	<-done
}
