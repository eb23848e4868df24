package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/google/uuid"
)

// MockReservationStore is an in-memory reservation.Store with the same
// all-or-nothing semantics as the postgres implementation.
type MockReservationStore struct {
	mu     sync.Mutex
	levels map[string]*reservation.Level
	byTok  map[string][]*reservation.StockReservation

	ReserveCalls int
	ReserveErr   error
	ConfirmErr   error
	ReleaseErr   error
}

func NewMockReservationStore() *MockReservationStore {
	return &MockReservationStore{
		levels: make(map[string]*reservation.Level),
		byTok:  make(map[string][]*reservation.StockReservation),
	}
}

func levelKey(variantID, warehouseID string) string { return variantID + "/" + warehouseID }

// SetStock seeds or replaces the on-hand quantity of a level.
func (m *MockReservationStore) SetStock(variantID, warehouseID string, onHand int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := levelKey(variantID, warehouseID)
	if lvl, ok := m.levels[k]; ok {
		lvl.OnHand = onHand
		return
	}
	m.levels[k] = &reservation.Level{
		ID:          uuid.NewString(),
		VariantID:   variantID,
		WarehouseID: warehouseID,
		OnHand:      onHand,
	}
}

func (m *MockReservationStore) Reserve(ctx context.Context, rows []reservation.StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReserveCalls++
	if m.ReserveErr != nil {
		return m.ReserveErr
	}
	if len(rows) == 0 {
		return reservation.ErrNoLines
	}
	token := rows[0].LockToken
	if _, ok := m.byTok[token]; ok {
		return reservation.ErrTokenExists
	}

	var shortages []reservation.Shortage
	for _, r := range rows {
		lvl, ok := m.levels[levelKey(r.ProductVariantID, r.WarehouseID)]
		avail := 0
		if ok {
			avail = lvl.Available()
		}
		if !ok || avail < r.Quantity {
			shortages = append(shortages, reservation.Shortage{
				VariantID:   r.ProductVariantID,
				WarehouseID: r.WarehouseID,
				Requested:   r.Quantity,
				Available:   max(avail, 0),
			})
		}
	}
	if len(shortages) > 0 {
		return &reservation.OutOfStockError{Shortages: shortages}
	}

	stored := make([]*reservation.StockReservation, 0, len(rows))
	for _, r := range rows {
		lvl := m.levels[levelKey(r.ProductVariantID, r.WarehouseID)]
		lvl.Reserved += r.Quantity
		r.InventoryLevelID = lvl.ID
		row := r
		stored = append(stored, &row)
	}
	m.byTok[token] = stored
	return nil
}

func (m *MockReservationStore) ListByToken(ctx context.Context, token string) ([]reservation.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reservation.StockReservation, 0, len(m.byTok[token]))
	for _, r := range m.byTok[token] {
		out = append(out, *r)
	}
	return out, nil
}

func (m *MockReservationStore) Confirm(ctx context.Context, token string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfirmErr != nil {
		return 0, m.ConfirmErr
	}
	rows := m.byTok[token]
	for _, r := range rows {
		if r.Status != reservation.StatusCart || now.After(r.LockExpiresAt) {
			return 0, nil
		}
	}
	for _, r := range rows {
		r.Status = reservation.StatusOrderConfirmed
	}
	return len(rows), nil
}

func (m *MockReservationStore) Release(ctx context.Context, token string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReleaseErr != nil {
		return 0, m.ReleaseErr
	}
	n := 0
	for _, r := range m.byTok[token] {
		if !r.Status.IsActive() {
			continue
		}
		m.free(r, reservation.StatusReleased, now)
		n++
	}
	return n, nil
}

func (m *MockReservationStore) Attach(ctx context.Context, token string, ref reservation.Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byTok[token] {
		r.Reference = ref
	}
	return nil
}

func (m *MockReservationStore) Expire(ctx context.Context, now time.Time, limit int) ([]reservation.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]string, 0, len(m.byTok))
	for t := range m.byTok {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)

	var out []reservation.StockReservation
	for _, t := range tokens {
		for _, r := range m.byTok[t] {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			if r.Status == reservation.StatusCart && now.After(r.LockExpiresAt) {
				m.free(r, reservation.StatusExpired, now)
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func (m *MockReservationStore) Level(ctx context.Context, variantID, warehouseID string) (*reservation.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl, ok := m.levels[levelKey(variantID, warehouseID)]
	if !ok {
		return nil, reservation.ErrLevelNotFound
	}
	cp := *lvl
	return &cp, nil
}

// Holds returns the active reservations for a level, for invariant checks.
func (m *MockReservationStore) Holds(variantID, warehouseID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, rows := range m.byTok {
		for _, r := range rows {
			if r.ProductVariantID == variantID && r.WarehouseID == warehouseID && r.Status.IsActive() {
				total += r.ReservedQuantity
			}
		}
	}
	return total
}

func (m *MockReservationStore) free(r *reservation.StockReservation, st reservation.Status, now time.Time) {
	if lvl, ok := m.levels[levelKey(r.ProductVariantID, r.WarehouseID)]; ok {
		lvl.Reserved -= r.ReservedQuantity
	}
	r.Status = st
	r.IsReleased = true
	t := now
	r.ReleasedAt = &t
}
