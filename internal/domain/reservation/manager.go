package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists reservations and the inventory counters they claim.
// Implementations must make Reserve, Confirm, Release and Expire atomic with
// respect to the counters they touch.
type Store interface {
	// Reserve checks availability for every row and inserts them all, or
	// inserts none and returns *OutOfStockError. It returns ErrTokenExists
	// when rows with the same lock token are already stored.
	Reserve(ctx context.Context, rows []StockReservation) error
	ListByToken(ctx context.Context, token string) ([]StockReservation, error)
	// Confirm moves every cart hold under token to order_confirmed provided
	// none of them has expired at now. It reports how many rows moved.
	Confirm(ctx context.Context, token string, now time.Time) (int, error)
	// Release moves every active hold under token to released and returns
	// its quantity to the pool.
	Release(ctx context.Context, token string, now time.Time) (int, error)
	Attach(ctx context.Context, token string, ref Reference) error
	// Expire moves cart holds whose lock expired before now to expired.
	Expire(ctx context.Context, now time.Time, limit int) ([]StockReservation, error)
	Level(ctx context.Context, variantID, warehouseID string) (*Level, error)
}

// Manager is the only writer of reserved quantities.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		now:    time.Now,
		logger: logger.Named("reservation"),
	}
}

// WithClock replaces the time source, mainly for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Reserve claims stock for all lines under a fresh lock token.
func (m *Manager) Reserve(ctx context.Context, lines []Line, ref Reference, ttl time.Duration) (*Set, error) {
	return m.ReserveWithToken(ctx, uuid.NewString(), lines, ref, ttl)
}

// ReserveWithToken is Reserve with a caller-chosen token. Repeating a call
// with a token that already holds stock returns the existing set unchanged.
func (m *Manager) ReserveWithToken(ctx context.Context, token string, lines []Line, ref Reference, ttl time.Duration) (*Set, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("reservation reference is required")
	}

	now := m.now().UTC()
	expiresAt := now.Add(ttl)
	status := StatusCart
	if kind, _ := ref.Resolve(); kind == RefManual {
		status = StatusManual
	}

	rows := make([]StockReservation, 0, len(merged))
	for _, l := range merged {
		rows = append(rows, StockReservation{
			ID:               uuid.NewString(),
			ProductVariantID: l.VariantID,
			WarehouseID:      l.WarehouseID,
			Quantity:         l.Quantity,
			ReservedQuantity: l.Quantity,
			Status:           status,
			LockToken:        token,
			LockedAt:         now,
			LockExpiresAt:    expiresAt,
			ExpiresAt:        expiresAt,
			Reference:        ref,
			CreatedAt:        now,
		})
	}

	err = m.store.Reserve(ctx, rows)
	if errors.Is(err, ErrTokenExists) {
		existing, lerr := m.store.ListByToken(ctx, token)
		if lerr != nil {
			return nil, lerr
		}
		m.logger.Debug("reserve replayed", zap.String("lock_token", token))
		return newSet(token, existing), nil
	}
	if err != nil {
		var oos *OutOfStockError
		if errors.As(err, &oos) {
			m.logger.Info("reserve rejected", zap.String("lock_token", token), zap.Int("shortages", len(oos.Shortages)))
		}
		return nil, err
	}

	m.logger.Info("stock reserved",
		zap.String("lock_token", token),
		zap.Int("lines", len(rows)),
		zap.Time("lock_expires_at", expiresAt),
	)
	return newSet(token, rows), nil
}

// Confirm converts cart holds to order_confirmed. Confirming an already
// confirmed token is a no-op.
func (m *Manager) Confirm(ctx context.Context, token string) error {
	rows, err := m.store.ListByToken(ctx, token)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return &StaleTokenError{Token: token, Reason: "unknown token"}
	}
	if allInStatus(rows, StatusOrderConfirmed) {
		return nil
	}

	now := m.now().UTC()
	for _, r := range rows {
		switch {
		case r.Status == StatusExpired:
			return &StaleTokenError{Token: token, Reason: "reservation expired"}
		case r.Status == StatusReleased:
			return &StaleTokenError{Token: token, Reason: "reservation released"}
		case r.Status == StatusCart && now.After(r.LockExpiresAt):
			return &StaleTokenError{Token: token, Reason: "lock expired"}
		}
	}

	n, err := m.store.Confirm(ctx, token, now)
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race with the sweeper or a release.
		return &StaleTokenError{Token: token, Reason: "reservation no longer held"}
	}
	m.logger.Info("reservation confirmed", zap.String("lock_token", token), zap.Int("rows", n))
	return nil
}

// Release returns held stock to the pool. Releasing twice is a no-op.
func (m *Manager) Release(ctx context.Context, token string) error {
	n, err := m.store.Release(ctx, token, m.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("reservation released", zap.String("lock_token", token), zap.Int("rows", n))
	}
	return nil
}

// Attach re-points the reservations under token at a new reference,
// typically the order created from the cart.
func (m *Manager) Attach(ctx context.Context, token string, ref Reference) error {
	return m.store.Attach(ctx, token, ref)
}

// Sweep expires cart holds past their lock and returns how many rows moved.
func (m *Manager) Sweep(ctx context.Context, limit int) (int, error) {
	expired, err := m.store.Expire(ctx, m.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		m.logger.Info("reservations expired", zap.Int("rows", len(expired)))
	}
	return len(expired), nil
}

func (m *Manager) Get(ctx context.Context, token string) (*Set, error) {
	rows, err := m.store.ListByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return newSet(token, rows), nil
}

func (m *Manager) Available(ctx context.Context, variantID, warehouseID string) (int, error) {
	lvl, err := m.store.Level(ctx, variantID, warehouseID)
	if err != nil {
		return 0, err
	}
	return lvl.Available(), nil
}

// mergeLines validates lines and sums duplicates of the same
// (variant, warehouse) so each level is checked once.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.VariantID == "" || l.WarehouseID == "" {
			return nil, ErrInvalidLine
		}
		if l.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if i, ok := idx[l.key()]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.key()] = len(out)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, nil
}

func newSet(token string, rows []StockReservation) *Set {
	s := &Set{LockToken: token, Reservations: rows}
	for _, r := range rows {
		if r.LockExpiresAt.After(s.LockExpiresAt) {
			s.LockExpiresAt = r.LockExpiresAt
		}
	}
	return s
}

func allInStatus(rows []StockReservation, st Status) bool {
	for _, r := range rows {
		if r.Status != st {
			return false
		}
	}
	return true
}
