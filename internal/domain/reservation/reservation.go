package reservation

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusCart           Status = "cart"
	StatusOrderConfirmed Status = "order_confirmed"
	StatusManual         Status = "manual"
	StatusExpired        Status = "expired"
	StatusReleased       Status = "released"
)

// validTransitions defines allowed status transitions
var validTransitions = map[Status][]Status{
	StatusCart:           {StatusOrderConfirmed, StatusReleased, StatusExpired},
	StatusOrderConfirmed: {StatusReleased},
	StatusManual:         {StatusReleased},
	StatusExpired:        {}, // terminal
	StatusReleased:       {}, // terminal
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown reservation status %q", s)
	}
	return st, nil
}

// IsActive reports whether a hold in this status still claims stock.
func (s Status) IsActive() bool {
	return s == StatusCart || s == StatusOrderConfirmed || s == StatusManual
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

type RefKind string

const (
	RefCart   RefKind = "cart"
	RefOrder  RefKind = "order"
	RefManual RefKind = "manual"
)

// Reference identifies what a reservation is held for.
type Reference interface {
	Resolve() (RefKind, string)
}

type CartRef struct{ ID string }

func (r CartRef) Resolve() (RefKind, string) { return RefCart, r.ID }

type OrderRef struct{ ID string }

func (r OrderRef) Resolve() (RefKind, string) { return RefOrder, r.ID }

type ManualRef struct{ Note string }

func (r ManualRef) Resolve() (RefKind, string) { return RefManual, r.Note }

func ParseReference(kind, id string) (Reference, error) {
	switch RefKind(kind) {
	case RefCart:
		return CartRef{ID: id}, nil
	case RefOrder:
		return OrderRef{ID: id}, nil
	case RefManual:
		return ManualRef{Note: id}, nil
	default:
		return nil, fmt.Errorf("unknown reservation reference kind %q", kind)
	}
}

// StockReservation is a time-bounded claim against one inventory level.
// All reservations created by one Reserve call share a lock token.
type StockReservation struct {
	ID               string     `json:"id"`
	ProductVariantID string     `json:"product_variant_id"`
	WarehouseID      string     `json:"warehouse_id"`
	InventoryLevelID string     `json:"inventory_level_id"`
	Quantity         int        `json:"quantity"`
	ReservedQuantity int        `json:"reserved_quantity"`
	Status           Status     `json:"status"`
	LockToken        string     `json:"lock_token"`
	LockedAt         time.Time  `json:"locked_at"`
	LockExpiresAt    time.Time  `json:"lock_expires_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsReleased       bool       `json:"is_released"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	Reference        Reference  `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Line is one (variant, warehouse, quantity) request.
type Line struct {
	VariantID   string `json:"variant_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

func (l Line) key() string { return l.VariantID + "/" + l.WarehouseID }

// Set is the result of a successful reserve.
type Set struct {
	LockToken     string             `json:"lock_token"`
	LockExpiresAt time.Time          `json:"lock_expires_at"`
	Reservations  []StockReservation `json:"reservations"`
}

// Level is the authoritative counter for one (variant, warehouse).
type Level struct {
	ID                  string `json:"id" db:"id"`
	VariantID           string `json:"variant_id" db:"variant_id"`
	WarehouseID         string `json:"warehouse_id" db:"warehouse_id"`
	OnHand              int    `json:"on_hand" db:"on_hand"`
	Reserved            int    `json:"reserved" db:"reserved"`
	IncomingAdjustments int    `json:"incoming_adjustments" db:"incoming_adjustments"`
}

func (l *Level) Available() int {
	return l.OnHand - l.Reserved - l.IncomingAdjustments
}
