package reservation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoLines         = errors.New("reservation requires at least one line")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidLine     = errors.New("line requires variant and warehouse")
	ErrTokenExists     = errors.New("lock token already has reservations")
	ErrLevelNotFound   = errors.New("inventory level not found")
)

type Shortage struct {
	VariantID   string `json:"variant_id"`
	WarehouseID string `json:"warehouse_id"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}

// OutOfStockError lists every line that could not be satisfied. Nothing is
// reserved when it is returned.
type OutOfStockError struct {
	Shortages []Shortage
}

func (e *OutOfStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s@%s requested=%d available=%d", s.VariantID, s.WarehouseID, s.Requested, s.Available))
	}
	return "out of stock: " + strings.Join(parts, ", ")
}

// StaleTokenError is returned when confirming a token whose hold expired or
// was released.
type StaleTokenError struct {
	Token  string
	Reason string
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("stale lock token %s: %s", e.Token, e.Reason)
}
