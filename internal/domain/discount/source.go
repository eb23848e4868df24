package discount

import (
	"context"
	"time"
)

// Eligibility narrows the discounts offered to one customer.
type Eligibility struct {
	UserID        string
	CustomerGroup string
	At            time.Time
}

// Source supplies eligible discounts and the programs that cap them.
type Source interface {
	Eligible(ctx context.Context, q Eligibility) ([]Discount, error)
	Programs(ctx context.Context, ids []string) ([]Program, error)
}

// ProgramCaps merges the caps of every program referenced by ds.
func ProgramCaps(ds []Discount, programs []Program) Caps {
	byID := make(map[string]Program, len(programs))
	for _, p := range programs {
		byID[p.ID] = p
	}
	var caps Caps
	seen := make(map[string]bool)
	for _, d := range ds {
		if d.ProgramID == "" || seen[d.ProgramID] {
			continue
		}
		seen[d.ProgramID] = true
		if p, ok := byID[d.ProgramID]; ok {
			caps = caps.Merge(p.Caps)
		}
	}
	return caps
}
