package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/example/ec-checkout/internal/domain/checkout"
	"go.uber.org/zap"
)

// SweepExpired fails active attempts whose window has closed. Attempts
// whose step lease is held are skipped and picked up on a later pass.
func (o *Orchestrator) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := o.attempts.ListExpired(ctx, o.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, candidate := range expired {
		ok, err := o.expire(ctx, candidate.ID)
		if err != nil {
			o.logger.Warn("failed to expire attempt", zap.String("attempt_id", candidate.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) expire(ctx context.Context, attemptID string) (bool, error) {
	release, err := o.lease(ctx, attemptID)
	if errors.Is(err, ErrStepInProgress) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	// re-read under the lease; the attempt may have finished meanwhile
	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if !a.Expired(o.now().UTC()) {
		return false, nil
	}
	reason := checkout.FailureReason{Code: checkout.FailureExpired, Message: "checkout window elapsed"}
	if err := o.fail(ctx, a, reason); err != nil {
		return false, err
	}
	return true, nil
}

// RetryCompensation reruns the undo of failed attempts whose compensation
// did not finish, clearing the flag once it succeeds.
func (o *Orchestrator) RetryCompensation(ctx context.Context, limit int) (int, error) {
	pending, err := o.attempts.ListPendingCompensation(ctx, limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, candidate := range pending {
		ok, err := o.recompensate(ctx, candidate.ID)
		if err != nil {
			o.logger.Warn("compensation still incomplete", zap.String("attempt_id", candidate.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) recompensate(ctx context.Context, attemptID string) (bool, error) {
	release, err := o.lease(ctx, attemptID)
	if errors.Is(err, ErrStepInProgress) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if a.State != checkout.StateFailed || !a.Metadata.CompensationPending || a.FailureReason == nil {
		return false, nil
	}
	if err := o.compensate(ctx, a, a.FailureReason.State, *a.FailureReason); err != nil {
		return false, err
	}
	if err := o.attempts.ResolveCompensation(ctx, a.ID); err != nil {
		return false, err
	}
	o.logger.Info("checkout compensation completed", zap.String("attempt_id", a.ID))
	return true, nil
}

// Sweeper periodically expires attempts and stock holds.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewSweeper(orch *Orchestrator, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{orch: orch, interval: interval, batch: batch, logger: logger.Named("sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Once(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single pass over attempts, unfinished compensations and then
// stock holds.
func (s *Sweeper) Once(ctx context.Context) {
	attempts, err := s.orch.SweepExpired(ctx, s.batch)
	if err != nil {
		s.logger.Error("attempt sweep failed", zap.Error(err))
	}
	compensated, err := s.orch.RetryCompensation(ctx, s.batch)
	if err != nil {
		s.logger.Error("compensation sweep failed", zap.Error(err))
	}
	holds, err := s.orch.stock.Sweep(ctx, s.batch)
	if err != nil {
		s.logger.Error("reservation sweep failed", zap.Error(err))
	}
	if attempts > 0 || compensated > 0 || holds > 0 {
		s.logger.Info("sweep finished",
			zap.Int("attempts_expired", attempts),
			zap.Int("compensations_completed", compensated),
			zap.Int("holds_expired", holds),
		)
	}
}
