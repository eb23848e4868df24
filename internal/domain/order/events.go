package order

import (
	"time"

	"github.com/example/ec-checkout/internal/domain/money"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderCancelled = "OrderCancelled"
)

// Item carries the frozen snapshot price of one cart line.
type Item struct {
	CartLineID    string      `json:"cart_line_id"`
	VariantID     string      `json:"variant_id"`
	Quantity      int         `json:"quantity"`
	UnitPrice     money.Money `json:"unit_price"`
	Subtotal      money.Money `json:"subtotal"`
	DiscountTotal money.Money `json:"discount_total"`
	TaxTotal      money.Money `json:"tax_total"`
	Total         money.Money `json:"total"`
}

type OrderCreated struct {
	OrderID           string      `json:"order_id"`
	CheckoutAttemptID string      `json:"checkout_attempt_id"`
	CartID            string      `json:"cart_id"`
	UserID            string      `json:"user_id"`
	Items             []Item      `json:"items"`
	Total             money.Money `json:"total"`
	Currency          string      `json:"currency"`
	PricingVersion    int         `json:"pricing_version"`
	AuthorizationID   string      `json:"authorization_id"`
	CreatedAt         time.Time   `json:"created_at"`
}

type OrderPaid struct {
	OrderID   string    `json:"order_id"`
	CaptureID string    `json:"capture_id"`
	PaidAt    time.Time `json:"paid_at"`
}

type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}
