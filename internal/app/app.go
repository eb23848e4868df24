// Package app wires the checkout stack from configuration. The api and
// sweeper binaries share it so both drive the same orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/cart"
	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/example/ec-checkout/internal/infrastructure/kafka"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/lock"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/example/ec-checkout/internal/orchestrator"
	"github.com/example/ec-checkout/internal/payment"
)

type App struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Server
	DB           *sqlx.DB

	redis   *redis.Client
	closers []func() error
}

// Build connects to Postgres, Redis and Kafka and assembles the
// orchestrator. Call Close when done, also after a failed Build.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	a := &App{}

	db, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN, store.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return a, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	logger.Info("Connected to PostgreSQL")

	if cfg.Postgres.RunMigrations {
		if err := store.RunMigrations(db); err != nil {
			return a, err
		}
		logger.Info("Migrations applied")
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return a, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))

	auditProducer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
	orderProducer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic)
	a.closers = append(a.closers, auditProducer.Close, orderProducer.Close)

	events, err := orderEventStore(ctx, cfg, db, orderProducer)
	if err != nil {
		return a, err
	}
	logger.Info("Order event store ready", zap.String("backend", cfg.OrderStore))

	currencies, err := Currencies(cfg.Checkout.Rounding)
	if err != nil {
		return a, err
	}

	catalog := store.NewPostgresCatalogStore(db)
	m := metrics.NewCheckout(reg)
	a.Metrics = metrics.NewServer(reg)

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Attempts:     store.NewPostgresAttemptStore(db),
		Snapshots:    store.NewPostgresSnapshotStore(db),
		Reservations: reservation.NewManager(store.NewPostgresReservationStore(db), logger),
		Rules:        catalog,
		Discounts:    catalog,
		Carts:        cart.NewRedisReader(a.redis),
		Payments:     paymentGateway(cfg, logger),
		Orders:       order.NewService(events, logger),
		Locker:       lock.NewRedisLocker(a.redis, "lease:"),
		Audit:        audit.NewKafkaRecorder(auditProducer),
		Metrics:      m,
	}, orchestrator.Config{
		AttemptTTL:     cfg.Checkout.AttemptTTL,
		ReservationTTL: cfg.Checkout.ReservationTTL,
		StepLease:      cfg.Checkout.StepLease,
		MaxStepRetries: cfg.Checkout.MaxStepRetries,
		RetryBaseDelay: cfg.Checkout.RetryBaseDelay,
		RetryMaxDelay:  cfg.Checkout.RetryMaxDelay,
		BaseCurrency:   cfg.Checkout.BaseCurrency,
		Currencies:     currencies,
	}, logger)

	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orderEventStore(ctx context.Context, cfg *config.Config, db *sqlx.DB, pub store.Publisher) (store.EventStore, error) {
	switch cfg.OrderStore {
	case "", "postgres":
		return store.NewPostgresEventStore(db, pub), nil
	case "dynamo", "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Dynamo.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Dynamo.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
			}
		})
		return store.NewDynamoEventStore(client, cfg.Dynamo.EventsTable, cfg.Dynamo.SnapshotTable, pub), nil
	default:
		return nil, fmt.Errorf("unknown order store %q", cfg.OrderStore)
	}
}

// paymentGateway falls back to the in-memory gateway when no Stripe key is
// configured, which is only meant for local development.
func paymentGateway(cfg *config.Config, logger *zap.Logger) payment.Gateway {
	if cfg.Stripe.SecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment gateway")
		return payment.NewMemoryGateway()
	}
	return payment.NewBreakerGateway(payment.NewStripeGateway(cfg.Stripe.SecretKey, logger), payment.BreakerConfig{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
	}, logger)
}

// Currencies parses per-currency rounding settings keyed by ISO code.
func Currencies(settings map[string]string) (map[string]money.Currency, error) {
	out := make(map[string]money.Currency, len(settings))
	for code, setting := range settings {
		c, err := money.ParseCurrency(code, setting)
		if err != nil {
			return nil, err
		}
		out[code] = c
	}
	return out, nil
}
