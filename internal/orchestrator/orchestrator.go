// Package orchestrator drives checkout attempts through their state
// machine: validate, reserve, price, authorize, create the order, capture,
// commit. Every step is safe to replay with the same attempt id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/cart"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/example/ec-checkout/internal/lock"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/example/ec-checkout/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrStepInProgress = errors.New("checkout step already in progress")
	ErrAttemptExpired = errors.New("checkout attempt expired")
	ErrInvalidRequest = errors.New("invalid checkout request")
)

// OrderService is the order capability the orchestrator depends on.
type OrderService interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Pay(ctx context.Context, orderID, captureID string) error
	Cancel(ctx context.Context, orderID, reason string) error
}

// TaxCalculator is the external tax collaborator.
type TaxCalculator interface {
	Tax(line checkout.Line, taxable money.Money) money.Money
}

// NoTax is the default TaxCalculator.
type NoTax struct{}

func (NoTax) Tax(checkout.Line, money.Money) money.Money { return 0 }

type Config struct {
	AttemptTTL     time.Duration
	ReservationTTL time.Duration
	StepLease      time.Duration
	MaxStepRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	BaseCurrency   string
	Currencies     map[string]money.Currency
}

func (c Config) withDefaults() Config {
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = 10 * time.Minute
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.StepLease <= 0 {
		c.StepLease = 30 * time.Second
	}
	if c.MaxStepRetries < 0 {
		c.MaxStepRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.BaseCurrency == "" {
		c.BaseCurrency = "USD"
	}
	return c
}

func (c Config) currency(code string) money.Currency {
	if cur, ok := c.Currencies[code]; ok {
		return cur
	}
	return money.DefaultCurrency(code)
}

// Deps are the collaborators of an Orchestrator. Audit, Tax and Metrics
// are optional.
type Deps struct {
	Attempts     checkout.Store
	Snapshots    pricing.SnapshotStore
	Reservations *reservation.Manager
	Rules        pricing.RuleSource
	Discounts    discount.Source
	Carts        cart.Reader
	Payments     payment.Gateway
	Orders       OrderService
	Locker       lock.Locker
	Audit        audit.Recorder
	Tax          TaxCalculator
	Metrics      *metrics.Checkout
}

type Orchestrator struct {
	attempts  checkout.Store
	snapshots pricing.SnapshotStore
	stock     *reservation.Manager
	rules     pricing.RuleSource
	discounts discount.Source
	carts     cart.Reader
	payments  payment.Gateway
	orders    OrderService
	locker    lock.Locker
	trail     *audit.Trail
	tax       TaxCalculator
	metrics   *metrics.Checkout
	engine    *pricing.Engine
	resolver  *discount.Resolver
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.NewMemoryRecorder()
	}
	tax := deps.Tax
	if tax == nil {
		tax = NoTax{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Orchestrator{
		attempts:  deps.Attempts,
		snapshots: deps.Snapshots,
		stock:     deps.Reservations,
		rules:     deps.Rules,
		discounts: deps.Discounts,
		carts:     deps.Carts,
		payments:  deps.Payments,
		orders:    deps.Orders,
		locker:    locker,
		trail:     audit.NewTrail(rec, logger),
		tax:       tax,
		metrics:   deps.Metrics,
		engine:    pricing.NewEngine(),
		resolver:  discount.NewResolver(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger.Named("checkout"),
	}
}

// WithClock replaces the time source, mainly for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// StartRequest initiates a checkout for one cart and session.
type StartRequest struct {
	CartID    string
	SessionID string
	Customer  checkout.CustomerContext
}

// Start creates a pending attempt. A second active attempt for the same
// cart and session fails with *checkout.ConflictError and creates nothing.
// Start itself does no step work; the attempt stays pending until the first
// Advance moves it to validating, so a caller can record the id before any
// stock or payment is touched.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*checkout.Attempt, error) {
	if req.CartID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: cart_id and session_id are required", ErrInvalidRequest)
	}
	if req.Customer.Currency == "" {
		req.Customer.Currency = o.cfg.BaseCurrency
	}
	if req.Customer.ExchangeRate.IsZero() {
		req.Customer.ExchangeRate = decimal.NewFromInt(1)
	}

	now := o.now().UTC()
	a := &checkout.Attempt{
		ID:        uuid.NewString(),
		CartID:    req.CartID,
		SessionID: req.SessionID,
		UserID:    req.Customer.UserID,
		State:     checkout.StatePending,
		Phase:     checkout.StatePending.Phase(),
		LockedAt:  now,
		ExpiresAt: now.Add(o.cfg.AttemptTTL),
		Metadata:  checkout.Metadata{Customer: req.Customer},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.attempts.Create(ctx, a); err != nil {
		var conflict *checkout.ConflictError
		if errors.As(err, &conflict) {
			o.logger.Info("checkout conflict",
				zap.String("cart_id", req.CartID),
				zap.String("existing_attempt_id", conflict.ExistingID),
			)
			return nil, err
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	o.logger.Info("checkout started", zap.String("attempt_id", a.ID), zap.String("cart_id", a.CartID))
	return a, nil
}

// Advance runs the step for the attempt's current state once. Advancing a
// terminal attempt returns it unchanged.
func (o *Orchestrator) Advance(ctx context.Context, attemptID string) (*checkout.Attempt, error) {
	release, err := o.lease(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.State.IsTerminal() {
		return a, nil
	}
	if a.Expired(o.now().UTC()) {
		// only the sweeper fails attempts on time
		return a, ErrAttemptExpired
	}

	if err := o.step(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// Run advances the attempt until it is terminal.
func (o *Orchestrator) Run(ctx context.Context, attemptID string) (*checkout.Attempt, error) {
	for {
		a, err := o.Advance(ctx, attemptID)
		if err != nil {
			return a, err
		}
		if a.State.IsTerminal() {
			return a, nil
		}
		if err := ctx.Err(); err != nil {
			return a, err
		}
	}
}

// Cancel fails a non-terminal attempt with reason cancelled and releases
// what it holds.
func (o *Orchestrator) Cancel(ctx context.Context, attemptID string) (*checkout.Attempt, error) {
	release, err := o.lease(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.State.IsTerminal() {
		return a, fmt.Errorf("%w: %s", checkout.ErrTerminal, a.State)
	}
	reason := checkout.FailureReason{Code: checkout.FailureCancelled, Message: "cancelled by caller"}
	if err := o.fail(ctx, a, reason); err != nil {
		return a, err
	}
	return a, nil
}

// View is an attempt with its current price snapshots.
type View struct {
	Attempt   *checkout.Attempt       `json:"attempt"`
	Snapshots []pricing.PriceSnapshot `json:"price_snapshots"`
}

func (o *Orchestrator) Get(ctx context.Context, attemptID string) (*View, error) {
	a, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	snaps, err := o.snapshots.Current(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []pricing.PriceSnapshot{}
	}
	return &View{Attempt: a, Snapshots: snaps}, nil
}

func (o *Orchestrator) lease(ctx context.Context, attemptID string) (func(), error) {
	release, err := o.locker.Acquire(ctx, "checkout:"+attemptID, o.cfg.StepLease)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrStepInProgress
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// a detached context so a cancelled request still frees the lease
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("failed to release step lease", zap.String("attempt_id", attemptID), zap.Error(err))
		}
	}, nil
}

// moveTo persists the transition to the next state before that state's
// work begins, so a crash resumes by replaying the persisted state.
func (o *Orchestrator) moveTo(ctx context.Context, a *checkout.Attempt, to checkout.State) error {
	from := a.State
	if err := a.Transition(to, o.now().UTC()); err != nil {
		return err
	}
	if err := o.attempts.Update(ctx, a); err != nil {
		return fmt.Errorf("persist %s: %w", to, err)
	}
	o.metrics.Transition(string(from), string(to))
	o.trail.Write(ctx, audit.EventTransition, attemptSubject(a.ID),
		map[string]string{"state": string(from)},
		map[string]string{"state": string(to), "phase": a.Phase},
		"orchestrator",
	)
	o.logger.Info("checkout transitioned",
		zap.String("attempt_id", a.ID),
		zap.String("from", string(from)),
		zap.String("state", string(to)),
	)
	return nil
}

func attemptSubject(id string) audit.Subject {
	return audit.Subject{Type: "checkout_attempt", ID: id}
}
