package orchestrator

import (
	"context"

	"github.com/example/ec-checkout/internal/payment"
	"go.uber.org/zap"
)

// retry runs fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. The delay doubles after each try up to the
// configured maximum.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	delay := o.cfg.RetryBaseDelay
	for try := 0; ; try++ {
		err := fn()
		if err == nil || !payment.IsTransient(err) || try >= o.cfg.MaxStepRetries {
			return err
		}

		o.metrics.Retry(op)
		o.logger.Warn("transient payment failure, retrying",
			zap.String("op", op),
			zap.Int("try", try+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > o.cfg.RetryMaxDelay {
			delay = o.cfg.RetryMaxDelay
		}
	}
}
