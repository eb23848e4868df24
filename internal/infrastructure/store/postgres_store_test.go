package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/example/ec-checkout/internal/audit"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func newTestAttempt() *checkout.Attempt {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &checkout.Attempt{
		ID:        "11111111-1111-1111-1111-111111111111",
		CartID:    "cart-1",
		SessionID: "sess-1",
		State:     checkout.StateValidating,
		Phase:     checkout.StateValidating.Phase(),
		LockedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ============================================
// Attempt Store Tests
// ============================================

func TestPostgresAttemptStore_CreateConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)

	mock.ExpectExec(q(`INSERT INTO checkout_attempts`)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(q(`SELECT id FROM checkout_attempts`)).
		WithArgs("cart-1", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-attempt"))

	err := s.Create(context.Background(), newTestAttempt())

	var conflict *checkout.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "existing-attempt", conflict.ExistingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttemptStore_CreateConflictLookupFails(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)

	mock.ExpectExec(q(`INSERT INTO checkout_attempts`)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(q(`SELECT id FROM checkout_attempts`)).
		WithArgs("cart-1", "sess-1").
		WillReturnError(errors.New("connection reset"))

	err := s.Create(context.Background(), newTestAttempt())

	var conflict *checkout.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.ExistingID)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttemptStore_CreateConflictAlreadyFinished(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)

	mock.ExpectExec(q(`INSERT INTO checkout_attempts`)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(q(`SELECT id FROM checkout_attempts`)).
		WithArgs("cart-1", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := s.Create(context.Background(), newTestAttempt())

	var conflict *checkout.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, conflict, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttemptStore_UpdateIsCompareAndSwap(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)
	a := newTestAttempt()

	mock.ExpectExec(q(`UPDATE checkout_attempts SET`)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Update(context.Background(), a))
	assert.Equal(t, 1, a.Version)

	mock.ExpectExec(q(`UPDATE checkout_attempts SET`)).WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Update(context.Background(), a)
	assert.ErrorIs(t, err, checkout.ErrVersionConflict)
	assert.Equal(t, 1, a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttemptStore_Get(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "cart_id", "session_id", "user_id", "state", "phase", "failure_reason", "locked_at",
		"expires_at", "completed_at", "failed_at", "metadata", "version", "created_at", "updated_at"}
	mock.ExpectQuery(q(`SELECT id, cart_id, session_id`)).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "cart-1", "sess-1", nil, "failed", "failed",
			[]byte(`{"code":"out_of_stock","message":"short","state":"reserving"}`),
			now, now.Add(time.Minute), nil, now,
			[]byte(`{"customer":{"currency":"USD","exchange_rate":"1"},"lock_token":"tok"}`),
			4, now, now,
		))

	a, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, checkout.StateFailed, a.State)
	require.NotNil(t, a.FailureReason)
	assert.Equal(t, checkout.FailureOutOfStock, a.FailureReason.Code)
	assert.Equal(t, "tok", a.Metadata.LockToken)
	assert.NotNil(t, a.FailedAt)
	assert.Nil(t, a.CompletedAt)
	assert.Equal(t, 4, a.Version)

	mock.ExpectQuery(q(`SELECT id, cart_id, session_id`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, checkout.ErrAttemptNotFound)
}

func TestPostgresAttemptStore_ListPendingCompensation(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "cart_id", "session_id", "user_id", "state", "phase", "failure_reason", "locked_at",
		"expires_at", "completed_at", "failed_at", "metadata", "version", "created_at", "updated_at"}
	mock.ExpectQuery(q(`SELECT id, cart_id, session_id`)).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "cart-1", "sess-1", nil, "failed", "failed",
			[]byte(`{"code":"payment_declined","message":"declined","state":"capturing"}`),
			now, now.Add(time.Minute), nil, now,
			[]byte(`{"customer":{"currency":"USD","exchange_rate":"1"},"compensation_pending":true}`),
			7, now, now,
		))

	pending, err := s.ListPendingCompensation(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Metadata.CompensationPending)
	assert.Equal(t, checkout.StateCapturing, pending[0].FailureReason.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttemptStore_ResolveCompensation(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAttemptStore(db)

	mock.ExpectExec(q(`UPDATE checkout_attempts SET`)).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ResolveCompensation(context.Background(), "a1"))

	mock.ExpectExec(q(`UPDATE checkout_attempts SET`)).
		WithArgs("a2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.ResolveCompensation(context.Background(), "a2")
	assert.ErrorIs(t, err, checkout.ErrAttemptNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Reservation Store Tests
// ============================================

func newTestRows() []reservation.StockReservation {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mk := func(variant string, qty int) reservation.StockReservation {
		return reservation.StockReservation{
			ID: "r-" + variant, ProductVariantID: variant, WarehouseID: "w1",
			Quantity: qty, ReservedQuantity: qty, Status: reservation.StatusCart,
			LockToken: "tok", LockedAt: now, LockExpiresAt: now.Add(5 * time.Minute),
			ExpiresAt: now.Add(5 * time.Minute), Reference: reservation.CartRef{ID: "cart-1"}, CreatedAt: now,
		}
	}
	return []reservation.StockReservation{mk("v1", 2), mk("v2", 3)}
}

func TestPostgresReservationStore_ReserveAll(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresReservationStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM stock_reservations`)).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(q(`UPDATE inventory_levels SET reserved = reserved + $3`)).
		WithArgs("v1", "w1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lvl-1"))
	mock.ExpectQuery(q(`UPDATE inventory_levels SET reserved = reserved + $3`)).
		WithArgs("v2", "w1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lvl-2"))
	mock.ExpectExec(q(`INSERT INTO stock_reservations`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO stock_reservations`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Reserve(context.Background(), newTestRows()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReservationStore_ReserveShortRollsBack(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresReservationStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM stock_reservations`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(q(`UPDATE inventory_levels SET reserved = reserved + $3`)).
		WithArgs("v1", "w1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lvl-1"))
	mock.ExpectQuery(q(`UPDATE inventory_levels SET reserved = reserved + $3`)).
		WithArgs("v2", "w1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q(`SELECT COALESCE(MAX(on_hand - reserved - incoming_adjustments), 0)`)).
		WithArgs("v2", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(1))
	mock.ExpectRollback()

	err := s.Reserve(context.Background(), newTestRows())

	var oos *reservation.OutOfStockError
	require.ErrorAs(t, err, &oos)
	require.Len(t, oos.Shortages, 1)
	assert.Equal(t, "v2", oos.Shortages[0].VariantID)
	assert.Equal(t, 3, oos.Shortages[0].Requested)
	assert.Equal(t, 1, oos.Shortages[0].Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReservationStore_ReserveExistingToken(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresReservationStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM stock_reservations`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.Reserve(context.Background(), newTestRows())
	assert.ErrorIs(t, err, reservation.ErrTokenExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReservationStore_ConfirmBlockedByExpiredHold(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresReservationStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT COUNT(*) FILTER`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	n, err := s.Confirm(context.Background(), "tok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReservationStore_ReleaseReturnsStock(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresReservationStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "product_variant_id", "warehouse_id", "inventory_level_id", "quantity", "reserved_quantity",
		"status", "lock_token", "locked_at", "lock_expires_at", "expires_at", "is_released", "released_at",
		"reference_type", "reference_id", "created_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(q(`UPDATE stock_reservations`)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r1", "v1", "w1", "lvl-1", 2, 2, "released", "tok", now, now, now, true, now, "cart", "cart-1", now))
	mock.ExpectExec(q(`UPDATE inventory_levels SET reserved = reserved - $2`)).
		WithArgs("lvl-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.Release(context.Background(), "tok", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Snapshot Store Tests
// ============================================

func TestPostgresSnapshotStore_SaveExistingVersionIsNoop(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresSnapshotStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM price_snapshots`)).
		WithArgs("a1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), "a1", 1, []pricing.PriceSnapshot{{ID: "s1"}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSnapshotStore_SaveSupersedesOlderVersions(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresSnapshotStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := pricing.PriceSnapshot{
		ID: "s2", CheckoutAttemptID: "a1", CartLineID: "l1", PricingVersion: 2,
		Quantity: 1, UnitPrice: 1000, Subtotal: 1000, DiscountTotal: 100, Total: 900,
		DiscountBreakdown: []pricing.BreakdownEntry{{DiscountID: "d1", Amount: 100, Layer: "stackable"}},
		Applications:      []discount.Application{{DiscountID: "d1", Status: discount.StatusApplied, Amount: 100}},
		SnapshotAt:        now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM price_snapshots`)).
		WithArgs("a1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(q(`UPDATE price_snapshots SET superseded = true`)).
		WithArgs("a1", 2, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO price_snapshots`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO discount_applications`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), "a1", 2, []pricing.PriceSnapshot{snap}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Audit Store Tests
// ============================================

func TestPostgresAuditStore_InsertIgnoresDuplicates(t *testing.T) {
	db, mock := setupMockDB(t)
	s := NewPostgresAuditStore(db)
	e := audit.Entry{ID: "e1", EventType: audit.EventTransition, Subject: audit.Subject{Type: "checkout_attempt", ID: "a1"}, Actor: "system", RecordedAt: time.Now()}

	mock.ExpectExec(q(`INSERT INTO audit_records`)).WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := s.Insert(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec(q(`INSERT INTO audit_records`)).WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = s.Insert(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, inserted)

	mock.ExpectExec(q(`INSERT INTO audit_records`)).WillReturnError(errors.New("connection reset"))
	_, err = s.Insert(context.Background(), e)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
