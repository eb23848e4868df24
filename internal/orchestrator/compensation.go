package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/order"
	"go.uber.org/zap"
)

// orderStates are the states in which an order may already exist.
var orderStates = map[checkout.State]bool{
	checkout.StateCreatingOrder: true,
	checkout.StateCapturing:     true,
	checkout.StateCommitting:    true,
}

// fail undoes whatever the attempt holds and records it as failed. The
// attempt is failed regardless; an incomplete undo is flagged so the
// sweeper can finish it.
func (o *Orchestrator) fail(ctx context.Context, a *checkout.Attempt, reason checkout.FailureReason) error {
	ctx = context.WithoutCancel(ctx)
	from := a.State

	if err := o.compensate(ctx, a, from, reason); err != nil {
		o.logger.Error("checkout compensation incomplete", zap.String("attempt_id", a.ID), zap.Error(err))
		a.Metadata.CompensationPending = true
	}

	if err := a.Fail(reason, o.now().UTC()); err != nil {
		return err
	}
	if err := o.attempts.Update(ctx, a); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}

	o.metrics.Transition(string(from), string(checkout.StateFailed))
	o.metrics.Failure(string(reason.Code))
	o.trail.Write(ctx, audit.EventFailed, attemptSubject(a.ID),
		map[string]string{"state": string(from)},
		a.FailureReason,
		"orchestrator",
	)
	o.logger.Info("checkout failed",
		zap.String("attempt_id", a.ID),
		zap.String("state", string(from)),
		zap.String("code", string(reason.Code)),
	)
	return nil
}

// compensate releases, supersedes, voids and cancels what an attempt that
// failed in state from may hold. Every undo is idempotent, so it can run
// again after a partial pass.
func (o *Orchestrator) compensate(ctx context.Context, a *checkout.Attempt, from checkout.State, reason checkout.FailureReason) error {
	var errs []error
	subject := attemptSubject(a.ID)

	// the token is derived, so holds placed before the token was recorded
	// are released too
	token := ReservationToken(a.ID)
	if err := o.stock.Release(ctx, token); err != nil {
		errs = append(errs, fmt.Errorf("release reservation: %w", err))
	} else {
		o.trail.Write(ctx, audit.EventReleased, subject, nil, map[string]string{"lock_token": token}, "orchestrator")
	}

	if err := o.snapshots.SupersedeAll(ctx, a.ID, o.now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("supersede price snapshots: %w", err))
	} else if a.Metadata.PricingVersion > 0 {
		o.trail.Write(ctx, audit.EventSuperseded, subject, nil, map[string]int{"pricing_version": a.Metadata.PricingVersion}, "orchestrator")
	}

	if id := a.Metadata.AuthorizationID; id != "" {
		err := o.retry(ctx, "void", func() error {
			return o.payments.Void(ctx, id, a.ID+":void")
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("void authorization: %w", err))
		} else {
			o.trail.Write(ctx, audit.EventAuthVoided, subject, nil, map[string]string{"authorization_id": id}, "orchestrator")
		}
	}

	if orderStates[from] {
		orderID := order.IDForAttempt(a.ID)
		err := o.orders.Cancel(ctx, orderID, string(reason.Code))
		switch {
		case err == nil:
			o.trail.Write(ctx, audit.EventOrderVoided, audit.Subject{Type: "order", ID: orderID}, nil, map[string]string{"reason": string(reason.Code)}, "orchestrator")
		case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrOrderCancelled):
		default:
			errs = append(errs, fmt.Errorf("cancel order: %w", err))
		}
	}

	return errors.Join(errs...)
}
