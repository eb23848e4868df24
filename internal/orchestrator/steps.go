package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/cart"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/example/ec-checkout/internal/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// idNamespace scopes the ids derived from an attempt id.
var idNamespace = uuid.MustParse("0b8f6d2c-4a5e-4f17-8c39-7e1d2a6b9f50")

// ReservationToken is the lock token of an attempt's stock holds.
func ReservationToken(attemptID string) string {
	return uuid.NewSHA1(idNamespace, []byte(attemptID+":reservation")).String()
}

func snapshotID(attemptID string, version int, lineID string) string {
	return uuid.NewSHA1(idNamespace, []byte(attemptID+":"+strconv.Itoa(version)+":"+lineID)).String()
}

// stepFailure is a business outcome that fails the attempt with a known code.
type stepFailure struct {
	code    checkout.FailureCode
	message string
	details any
}

func (e *stepFailure) Error() string { return string(e.code) + ": " + e.message }

// persistError means the step's work may have happened but its result was
// not recorded. The attempt stays in its state so the step can be replayed.
type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

func (o *Orchestrator) step(ctx context.Context, a *checkout.Attempt) error {
	state := a.State
	start := o.now()

	var err error
	switch state {
	case checkout.StatePending:
		err = o.advanceTo(ctx, a, checkout.StateValidating)
	case checkout.StateValidating:
		err = o.validate(ctx, a)
	case checkout.StateReserving:
		err = o.reserve(ctx, a)
	case checkout.StateLockingPrices:
		err = o.lockPrices(ctx, a)
	case checkout.StateAuthorizing:
		err = o.authorize(ctx, a)
	case checkout.StateCreatingOrder:
		err = o.createOrder(ctx, a)
	case checkout.StateCapturing:
		err = o.capture(ctx, a)
	case checkout.StateCommitting:
		err = o.commit(ctx, a)
	default:
		err = fmt.Errorf("no step for state %s", state)
	}
	o.metrics.Step(string(state), float64(o.now().Sub(start).Milliseconds()))

	if err == nil {
		return nil
	}
	var pe *persistError
	if errors.As(err, &pe) || ctx.Err() != nil {
		return err
	}

	reason := classify(state, err)
	o.logger.Warn("checkout step failed",
		zap.String("attempt_id", a.ID),
		zap.String("state", string(state)),
		zap.String("code", string(reason.Code)),
		zap.Error(err),
	)
	return o.fail(ctx, a, reason)
}

func (o *Orchestrator) advanceTo(ctx context.Context, a *checkout.Attempt, to checkout.State) error {
	if err := o.moveTo(ctx, a, to); err != nil {
		return &persistError{err: err}
	}
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, a *checkout.Attempt) error {
	lines, err := o.carts.GetCartLines(ctx, a.CartID)
	if errors.Is(err, cart.ErrCartNotFound) {
		return &stepFailure{code: checkout.FailureInvalidCart, message: "cart not found"}
	}
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return &stepFailure{code: checkout.FailureEmptyCart, message: "cart has no lines"}
	}

	frozen := make([]checkout.Line, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		switch {
		case l.ID == "" || seen[l.ID]:
			return &stepFailure{code: checkout.FailureInvalidCart, message: fmt.Sprintf("line id %q is missing or repeated", l.ID)}
		case l.VariantID == "" || l.WarehouseID == "":
			return &stepFailure{code: checkout.FailureInvalidCart, message: fmt.Sprintf("line %s requires variant and warehouse", l.ID)}
		case l.Quantity <= 0:
			return &stepFailure{code: checkout.FailureInvalidCart, message: fmt.Sprintf("line %s has quantity %d", l.ID, l.Quantity)}
		}
		seen[l.ID] = true
		frozen = append(frozen, checkout.Line{
			ID:          l.ID,
			VariantID:   l.VariantID,
			CategoryID:  l.CategoryID,
			WarehouseID: l.WarehouseID,
			Quantity:    l.Quantity,
		})
	}

	a.Metadata.Lines = frozen
	return o.advanceTo(ctx, a, checkout.StateReserving)
}

func (o *Orchestrator) reserve(ctx context.Context, a *checkout.Attempt) error {
	lines := make([]reservation.Line, 0, len(a.Metadata.Lines))
	for _, l := range a.Metadata.Lines {
		lines = append(lines, reservation.Line{VariantID: l.VariantID, WarehouseID: l.WarehouseID, Quantity: l.Quantity})
	}

	// holds never outlive the attempt
	ttl := o.cfg.ReservationTTL
	if remaining := a.ExpiresAt.Sub(o.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return &stepFailure{code: checkout.FailureExpired, message: "attempt window closed before reserving"}
	}

	token := ReservationToken(a.ID)
	set, err := o.stock.ReserveWithToken(ctx, token, lines, reservation.CartRef{ID: a.CartID}, ttl)
	if err != nil {
		var oos *reservation.OutOfStockError
		if errors.As(err, &oos) {
			o.metrics.Reservation("out_of_stock")
		} else {
			o.metrics.Reservation("error")
		}
		return err
	}
	o.metrics.Reservation("reserved")
	o.trail.Write(ctx, audit.EventReserved, attemptSubject(a.ID), nil, set, "orchestrator")

	a.Metadata.LockToken = token
	return o.advanceTo(ctx, a, checkout.StateLockingPrices)
}

func (o *Orchestrator) lockPrices(ctx context.Context, a *checkout.Attempt) error {
	cust := a.Metadata.Customer
	now := o.now().UTC()
	cur := o.cfg.currency(cust.Currency)

	var contracts []pricing.Contract
	if cust.AccountID != "" {
		var err error
		if contracts, err = o.rules.ContractsFor(ctx, cust.AccountID); err != nil {
			return fmt.Errorf("load contracts: %w", err)
		}
	}
	eligible, err := o.discounts.Eligible(ctx, discount.Eligibility{
		UserID:        a.UserID,
		CustomerGroup: cust.CustomerGroup,
		At:            now,
	})
	if err != nil {
		return fmt.Errorf("load discounts: %w", err)
	}
	programs, err := o.discounts.Programs(ctx, programIDs(eligible))
	if err != nil {
		return fmt.Errorf("load discount programs: %w", err)
	}
	caps := discount.ProgramCaps(eligible, programs)

	lines := a.Metadata.Lines
	resolutions := make([]*pricing.Resolution, len(lines))
	subtotals := make([]money.Money, len(lines))
	for i, l := range lines {
		rules, err := o.rules.RulesFor(ctx, l.VariantID, l.CategoryID)
		if err != nil {
			return fmt.Errorf("load rules for %s: %w", l.VariantID, err)
		}
		maps, err := o.rules.MAPRulesFor(ctx, l.VariantID)
		if err != nil {
			return fmt.Errorf("load MAP rules for %s: %w", l.VariantID, err)
		}
		res, err := o.engine.ResolvePrice(pricing.LineContext{
			VariantID:     l.VariantID,
			CategoryID:    l.CategoryID,
			Quantity:      l.Quantity,
			UserID:        a.UserID,
			AccountID:     cust.AccountID,
			CustomerGroup: cust.CustomerGroup,
			Channel:       cust.Channel,
			Contracts:     contracts,
			Currency:      cur,
			BaseCurrency:  o.cfg.BaseCurrency,
			ExchangeRate:  cust.ExchangeRate,
			At:            now,
		}, rules, maps)
		if err != nil {
			return err
		}
		resolutions[i] = res
		subtotals[i] = res.UnitPrice.Times(l.Quantity)
	}

	// cart-level fixed amounts are split across lines by subtotal
	shares := make(map[string][]money.Money)
	for _, d := range eligible {
		if d.Scope == discount.ScopeCart && d.Kind == discount.KindFixedAmount {
			shares[d.ID] = discount.Allocate(d.Amount, subtotals)
		}
	}

	// absolute caps bound the whole cart, so lines draw on one budget
	var budget *money.Money
	if b, ok := caps.Budget(); ok {
		budget = &b
	}

	version := a.Metadata.PricingVersion + 1
	snaps := make([]pricing.PriceSnapshot, 0, len(lines))
	for i, l := range lines {
		res := resolutions[i]
		result := o.resolver.Apply(subtotals[i], lineDiscounts(eligible, l, i, shares), discount.Options{
			Caps:     caps.PerLine(),
			Floor:    res.Floor.Times(l.Quantity),
			Budget:   budget,
			Tax:      func(taxable money.Money) money.Money { return o.tax.Tax(l, taxable) },
			Currency: cur,
		})
		if budget != nil {
			*budget = money.Max(*budget-result.DiscountTotal, 0)
		}

		snap := pricing.PriceSnapshot{
			ID:                snapshotID(a.ID, version, l.ID),
			CheckoutAttemptID: a.ID,
			CartID:            a.CartID,
			CartLineID:        l.ID,
			VariantID:         l.VariantID,
			PricingVersion:    version,
			Quantity:          l.Quantity,
			UnitPrice:         res.UnitPrice,
			Subtotal:          subtotals[i],
			DiscountTotal:     result.DiscountTotal,
			TaxTotal:          result.TaxTotal,
			Total:             result.FinalPrice,
			DiscountBreakdown: breakdown(result.Applications),
			WinningLayer:      res.WinningLayer,
			WinningRuleID:     res.WinningRuleID,
			CurrencyCode:      cur.Code,
			ExchangeRate:      res.ExchangeRate,
			SnapshotAt:        now,
			Applications:      result.Applications,
		}
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("line %s: %w", l.ID, err)
		}
		snaps = append(snaps, snap)
	}

	if err := o.snapshots.Save(ctx, a.ID, version, snaps); err != nil {
		return &persistError{err: fmt.Errorf("save price snapshots: %w", err)}
	}
	current, err := o.snapshots.Current(ctx, a.ID)
	if err != nil {
		return &persistError{err: fmt.Errorf("reload price snapshots: %w", err)}
	}
	_, _, _, total := pricing.Totals(current)

	a.Metadata.PricingVersion = version
	a.Metadata.Amount = total
	o.trail.Write(ctx, audit.EventPriceLocked, attemptSubject(a.ID), nil,
		map[string]any{"pricing_version": version, "total": total, "currency": cur.Code},
		"orchestrator",
	)
	for _, s := range current {
		for _, app := range s.Applications {
			o.trail.Write(ctx, audit.EventDiscount, audit.Subject{Type: "price_snapshot", ID: s.ID}, nil, app, "orchestrator")
		}
	}
	return o.advanceTo(ctx, a, checkout.StateAuthorizing)
}

// lineDiscounts narrows the eligible discounts to the ones priced on line i.
// Shipping and payment discounts are recorded once, on the first line.
func lineDiscounts(eligible []discount.Discount, l checkout.Line, i int, shares map[string][]money.Money) []discount.Discount {
	out := make([]discount.Discount, 0, len(eligible))
	for _, d := range eligible {
		switch d.Scope {
		case discount.ScopeItem:
			if !d.AppliesTo(l.VariantID, l.CategoryID) {
				continue
			}
		case discount.ScopeCart:
			if s, ok := shares[d.ID]; ok {
				if s[i] == 0 {
					continue
				}
				d.Amount = s[i]
			}
		case discount.ScopeShipping, discount.ScopePayment:
			if i != 0 {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func breakdown(apps []discount.Application) []pricing.BreakdownEntry {
	out := make([]pricing.BreakdownEntry, 0, len(apps))
	for _, app := range apps {
		if app.Amount == 0 {
			continue
		}
		layer := string(app.StackingMode)
		if app.Status == discount.StatusCapped {
			layer = "capped"
		}
		out = append(out, pricing.BreakdownEntry{DiscountID: app.DiscountID, Amount: app.Amount, Layer: layer})
	}
	return out
}

func programIDs(ds []discount.Discount) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, d := range ds {
		if d.ProgramID != "" && !seen[d.ProgramID] {
			seen[d.ProgramID] = true
			ids = append(ids, d.ProgramID)
		}
	}
	return ids
}

func (o *Orchestrator) authorize(ctx context.Context, a *checkout.Attempt) error {
	if a.Metadata.Amount <= 0 {
		o.logger.Info("nothing to authorize", zap.String("attempt_id", a.ID))
		return o.advanceTo(ctx, a, checkout.StateCreatingOrder)
	}

	cust := a.Metadata.Customer
	var auth *payment.Authorization
	err := o.retry(ctx, "authorize", func() error {
		var err error
		auth, err = o.payments.Authorize(ctx, payment.AuthorizeRequest{
			Amount:          a.Metadata.Amount,
			Currency:        cust.Currency,
			IdempotencyKey:  a.ID,
			PaymentMethodID: cust.PaymentMethodID,
			CustomerRef:     a.UserID,
			Metadata: map[string]string{
				"checkout_attempt_id": a.ID,
				"cart_id":             a.CartID,
				"pricing_version":     strconv.Itoa(a.Metadata.PricingVersion),
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	a.Metadata.AuthorizationID = auth.ID
	return o.advanceTo(ctx, a, checkout.StateCreatingOrder)
}

func (o *Orchestrator) createOrder(ctx context.Context, a *checkout.Attempt) error {
	snaps, err := o.snapshots.Current(ctx, a.ID)
	if err != nil {
		return &persistError{err: fmt.Errorf("load price snapshots: %w", err)}
	}
	ord, err := o.orders.Create(ctx, order.CreateRequest{
		CheckoutAttemptID: a.ID,
		CartID:            a.CartID,
		UserID:            a.UserID,
		Currency:          a.Metadata.Customer.Currency,
		PricingVersion:    a.Metadata.PricingVersion,
		AuthorizationID:   a.Metadata.AuthorizationID,
		Snapshots:         snaps,
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	a.Metadata.OrderID = ord.ID

	if err := o.stock.Confirm(ctx, a.Metadata.LockToken); err != nil {
		return err
	}
	if err := o.stock.Attach(ctx, a.Metadata.LockToken, reservation.OrderRef{ID: ord.ID}); err != nil {
		return fmt.Errorf("attach reservation: %w", err)
	}
	o.trail.Write(ctx, audit.EventOrderCreated, audit.Subject{Type: "order", ID: ord.ID}, nil, ord, "orchestrator")
	return o.advanceTo(ctx, a, checkout.StateCapturing)
}

func (o *Orchestrator) capture(ctx context.Context, a *checkout.Attempt) error {
	if a.Metadata.AuthorizationID == "" {
		return o.advanceTo(ctx, a, checkout.StateCommitting)
	}

	var c *payment.Capture
	err := o.retry(ctx, "capture", func() error {
		var err error
		c, err = o.payments.Capture(ctx, a.Metadata.AuthorizationID, a.ID+":capture")
		return err
	})
	if err != nil {
		return err
	}

	a.Metadata.CaptureID = c.ID
	return o.advanceTo(ctx, a, checkout.StateCommitting)
}

func (o *Orchestrator) commit(ctx context.Context, a *checkout.Attempt) error {
	err := o.orders.Pay(ctx, a.Metadata.OrderID, a.Metadata.CaptureID)
	if err != nil && !errors.Is(err, order.ErrOrderAlreadyPaid) {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if err := o.advanceTo(ctx, a, checkout.StateCompleted); err != nil {
		return err
	}
	o.logger.Info("checkout completed",
		zap.String("attempt_id", a.ID),
		zap.String("order_id", a.Metadata.OrderID),
		zap.Int64("amount", int64(a.Metadata.Amount)),
	)
	return nil
}

// classify maps a step error to the failure reason recorded on the attempt.
func classify(state checkout.State, err error) checkout.FailureReason {
	reason := checkout.FailureReason{Code: checkout.FailureInternal, Message: err.Error(), State: state}

	var (
		sf         *stepFailure
		oos        *reservation.OutOfStockError
		unresolved *pricing.UnresolvedError
		stale      *reservation.StaleTokenError
	)
	switch {
	case errors.As(err, &sf):
		reason.Code = sf.code
		reason.Message = sf.message
		reason.Details = details(sf.details)
	case errors.As(err, &oos):
		reason.Code = checkout.FailureOutOfStock
		reason.Details = details(map[string]any{"shortages": oos.Shortages})
	case errors.As(err, &unresolved):
		reason.Code = checkout.FailurePricingUnresolved
		reason.Details = details(map[string]string{"variant_id": unresolved.VariantID})
	case payment.IsDeclined(err):
		reason.Code = checkout.FailurePaymentDeclined
	case payment.IsTransient(err):
		reason.Code = checkout.FailureGatewayUnavailable
	case errors.As(err, &stale):
		reason.Code = checkout.FailureStaleReservation
	case errors.Is(err, reservation.ErrInvalidLine), errors.Is(err, reservation.ErrInvalidQuantity), errors.Is(err, reservation.ErrNoLines):
		reason.Code = checkout.FailureInvalidCart
	}
	return reason
}

func details(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
