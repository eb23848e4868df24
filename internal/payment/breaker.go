package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// BreakerGateway trips after consecutive transient failures. Declines are
// answers, not failures, so they never open the breaker. While open, calls
// fail fast with a TransientError.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerGateway(next Gateway, cfg BreakerConfig, logger *zap.Logger) *BreakerGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	log := logger.Named("breaker")
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerGateway{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *BreakerGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Authorize(ctx, req)
	})
	if err != nil {
		return nil, breakerErr("authorize", err)
	}
	return res.(*Authorization), nil
}

func (b *BreakerGateway) Capture(ctx context.Context, authorizationID, idempotencyKey string) (*Capture, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Capture(ctx, authorizationID, idempotencyKey)
	})
	if err != nil {
		return nil, breakerErr("capture", err)
	}
	return res.(*Capture), nil
}

func (b *BreakerGateway) Void(ctx context.Context, authorizationID, idempotencyKey string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Void(ctx, authorizationID, idempotencyKey)
	})
	if err != nil {
		return breakerErr("void", err)
	}
	return nil
}

func breakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}
