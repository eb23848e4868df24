package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/aggregate"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const AggregateType = "Order"

// idNamespace scopes order ids derived from checkout attempt ids.
var idNamespace = uuid.MustParse("6f1c2a4e-8d1b-4c53-9f0e-3b7a5d2e9c41")

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must have at least one item")
	ErrInvalidStatus    = errors.New("invalid order status transition")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrOrderCancelled   = errors.New("order is already cancelled")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusCancelled},
	StatusCancelled: {}, // terminal state
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// transitionError returns an appropriate error for an invalid transition
func (o *Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return ErrOrderCancelled
	case o.Status == StatusPaid && target == StatusPaid:
		return ErrOrderAlreadyPaid
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

type Order struct {
	ID                string      `json:"id"`
	CheckoutAttemptID string      `json:"checkout_attempt_id"`
	CartID            string      `json:"cart_id"`
	UserID            string      `json:"user_id"`
	Items             []Item      `json:"items"`
	Total             money.Money `json:"total"`
	Currency          string      `json:"currency"`
	PricingVersion    int         `json:"pricing_version"`
	AuthorizationID   string      `json:"authorization_id"`
	CaptureID         string      `json:"capture_id,omitempty"`
	Status            Status      `json:"status"`
	CancelReason      string      `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	Version           int         `json:"version"` // Current event version
}

// Aggregate interface implementation
func (o *Order) GetID() string    { return o.ID }
func (o *Order) GetVersion() int  { return o.Version }
func (o *Order) SetVersion(v int) { o.Version = v }

// ApplyEvent applies a single event to the order state (implements aggregate.Aggregate)
func (o *Order) ApplyEvent(event store.Event) error {
	switch event.EventType {
	case EventOrderCreated:
		var data OrderCreated
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.ID = data.OrderID
		o.CheckoutAttemptID = data.CheckoutAttemptID
		o.CartID = data.CartID
		o.UserID = data.UserID
		o.Items = data.Items
		o.Total = data.Total
		o.Currency = data.Currency
		o.PricingVersion = data.PricingVersion
		o.AuthorizationID = data.AuthorizationID
		o.Status = StatusPending
		o.CreatedAt = data.CreatedAt
		o.UpdatedAt = data.CreatedAt
	case EventOrderPaid:
		var data OrderPaid
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.Status = StatusPaid
		o.CaptureID = data.CaptureID
		o.UpdatedAt = data.PaidAt
	case EventOrderCancelled:
		var data OrderCancelled
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.Status = StatusCancelled
		o.CancelReason = data.Reason
		o.UpdatedAt = data.CancelledAt
	}
	o.Version = event.Version
	return nil
}

// IDForAttempt derives the order id of a checkout attempt, so creating the
// order twice for the same attempt addresses the same aggregate.
func IDForAttempt(attemptID string) string {
	return uuid.NewSHA1(idNamespace, []byte(attemptID+":order")).String()
}

// CreateRequest is the order service's createOrder input.
type CreateRequest struct {
	CheckoutAttemptID string
	CartID            string
	UserID            string
	Currency          string
	PricingVersion    int
	AuthorizationID   string
	Snapshots         []pricing.PriceSnapshot
}

type Service struct {
	eventStore store.EventStore
	logger     *zap.Logger
}

func NewService(es store.EventStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{eventStore: es, logger: logger.Named("order")}
}

// loadOrder loads an order by replaying events, using snapshot if available
func (s *Service) loadOrder(ctx context.Context, orderID string) (*Order, error) {
	order, found, err := aggregate.LoadAggregate(ctx, s.eventStore, orderID, func() *Order {
		return &Order{}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.loadOrder(ctx, orderID)
}

// Create records the order for a checkout attempt. Repeating the call for
// the same attempt returns the order created the first time.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if len(req.Snapshots) == 0 {
		return nil, ErrEmptyOrder
	}

	orderID := IDForAttempt(req.CheckoutAttemptID)
	now := time.Now().UTC()

	items := make([]Item, 0, len(req.Snapshots))
	for _, snap := range req.Snapshots {
		items = append(items, Item{
			CartLineID:    snap.CartLineID,
			VariantID:     snap.VariantID,
			Quantity:      snap.Quantity,
			UnitPrice:     snap.UnitPrice,
			Subtotal:      snap.Subtotal,
			DiscountTotal: snap.DiscountTotal,
			TaxTotal:      snap.TaxTotal,
			Total:         snap.Total,
		})
	}

	total := sumTotals(items)
	event := OrderCreated{
		OrderID:           orderID,
		CheckoutAttemptID: req.CheckoutAttemptID,
		CartID:            req.CartID,
		UserID:            req.UserID,
		Items:             items,
		Currency:          req.Currency,
		PricingVersion:    req.PricingVersion,
		Total:             total,
		AuthorizationID:   req.AuthorizationID,
		CreatedAt:         now,
	}

	storedEvent, err := s.eventStore.Append(ctx, orderID, AggregateType, EventOrderCreated, 0, event)
	if errors.Is(err, store.ErrConcurrentAppend) {
		s.logger.Debug("order already created", zap.String("order_id", orderID))
		return s.loadOrder(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:                orderID,
		CheckoutAttemptID: req.CheckoutAttemptID,
		CartID:            req.CartID,
		UserID:            req.UserID,
		Items:             items,
		Total:             total,
		Currency:          req.Currency,
		PricingVersion:    req.PricingVersion,
		AuthorizationID:   req.AuthorizationID,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           storedEvent.Version,
	}
	s.logger.Info("order created", zap.String("order_id", orderID), zap.String("attempt_id", req.CheckoutAttemptID), zap.Int64("total", int64(total)))
	return order, nil
}

// Pay marks the order paid once funds are captured.
func (s *Service) Pay(ctx context.Context, orderID, captureID string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if !order.CanTransitionTo(StatusPaid) {
		return order.transitionError(StatusPaid)
	}

	event := OrderPaid{
		OrderID:   orderID,
		CaptureID: captureID,
		PaidAt:    time.Now().UTC(),
	}

	storedEvent, err := s.eventStore.Append(ctx, orderID, AggregateType, EventOrderPaid, order.Version, event)
	if err != nil {
		return err
	}

	order.Status = StatusPaid
	order.CaptureID = captureID
	order.Version = storedEvent.Version
	s.snapshot(ctx, order)
	return nil
}

// Cancel cancels a pending or paid order. Cancelling twice returns
// ErrOrderCancelled.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if !order.CanTransitionTo(StatusCancelled) {
		return order.transitionError(StatusCancelled)
	}

	event := OrderCancelled{
		OrderID:     orderID,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	}

	storedEvent, err := s.eventStore.Append(ctx, orderID, AggregateType, EventOrderCancelled, order.Version, event)
	if err != nil {
		return err
	}

	order.Status = StatusCancelled
	order.CancelReason = reason
	order.Version = storedEvent.Version
	s.snapshot(ctx, order)
	return nil
}

func (s *Service) snapshot(ctx context.Context, order *Order) {
	if err := aggregate.MaybeCreateSnapshot(ctx, s.eventStore, order, AggregateType); err != nil {
		s.logger.Warn("failed to create snapshot", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func sumTotals(items []Item) (total money.Money) {
	for _, it := range items {
		total += it.Total
	}
	return total
}
