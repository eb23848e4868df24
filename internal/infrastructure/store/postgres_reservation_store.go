package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/jmoiron/sqlx"
)

type reservationRow struct {
	ID               string       `db:"id"`
	ProductVariantID string       `db:"product_variant_id"`
	WarehouseID      string       `db:"warehouse_id"`
	InventoryLevelID string       `db:"inventory_level_id"`
	Quantity         int          `db:"quantity"`
	ReservedQuantity int          `db:"reserved_quantity"`
	Status           string       `db:"status"`
	LockToken        string       `db:"lock_token"`
	LockedAt         time.Time    `db:"locked_at"`
	LockExpiresAt    time.Time    `db:"lock_expires_at"`
	ExpiresAt        time.Time    `db:"expires_at"`
	IsReleased       bool         `db:"is_released"`
	ReleasedAt       sql.NullTime `db:"released_at"`
	ReferenceType    string       `db:"reference_type"`
	ReferenceID      string       `db:"reference_id"`
	CreatedAt        time.Time    `db:"created_at"`
}

const reservationColumns = `id, product_variant_id, warehouse_id, inventory_level_id, quantity, reserved_quantity,
	status, lock_token, locked_at, lock_expires_at, expires_at, is_released, released_at,
	reference_type, reference_id, created_at`

func (r *reservationRow) toReservation() (reservation.StockReservation, error) {
	status, err := reservation.ParseStatus(r.Status)
	if err != nil {
		return reservation.StockReservation{}, err
	}
	ref, err := reservation.ParseReference(r.ReferenceType, r.ReferenceID)
	if err != nil {
		return reservation.StockReservation{}, err
	}
	out := reservation.StockReservation{
		ID:               r.ID,
		ProductVariantID: r.ProductVariantID,
		WarehouseID:      r.WarehouseID,
		InventoryLevelID: r.InventoryLevelID,
		Quantity:         r.Quantity,
		ReservedQuantity: r.ReservedQuantity,
		Status:           status,
		LockToken:        r.LockToken,
		LockedAt:         r.LockedAt,
		LockExpiresAt:    r.LockExpiresAt,
		ExpiresAt:        r.ExpiresAt,
		IsReleased:       r.IsReleased,
		Reference:        ref,
		CreatedAt:        r.CreatedAt,
	}
	if r.ReleasedAt.Valid {
		t := r.ReleasedAt.Time
		out.ReleasedAt = &t
	}
	return out, nil
}

// PostgresReservationStore is the only writer of inventory_levels.reserved.
// Every claim is a conditional UPDATE, so two transactions can never both
// take the last unit.
type PostgresReservationStore struct {
	db *sqlx.DB
}

func NewPostgresReservationStore(db *sqlx.DB) *PostgresReservationStore {
	return &PostgresReservationStore{db: db}
}

func (s *PostgresReservationStore) Reserve(ctx context.Context, rows []reservation.StockReservation) error {
	if len(rows) == 0 {
		return reservation.ErrNoLines
	}
	token := rows[0].LockToken

	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM stock_reservations WHERE lock_token = $1)`, token,
		); err != nil {
			return fmt.Errorf("check token: %w", err)
		}
		if exists {
			return reservation.ErrTokenExists
		}

		var shortages []reservation.Shortage
		levelIDs := make([]string, len(rows))
		for i, r := range rows {
			var levelID string
			err := tx.GetContext(ctx, &levelID,
				`UPDATE inventory_levels SET reserved = reserved + $3
				 WHERE variant_id = $1 AND warehouse_id = $2
				   AND on_hand - reserved - incoming_adjustments >= $3
				 RETURNING id`,
				r.ProductVariantID, r.WarehouseID, r.Quantity,
			)
			if errors.Is(err, sql.ErrNoRows) {
				var avail int
				if err := tx.GetContext(ctx, &avail,
					`SELECT COALESCE(MAX(on_hand - reserved - incoming_adjustments), 0)
					 FROM inventory_levels WHERE variant_id = $1 AND warehouse_id = $2`,
					r.ProductVariantID, r.WarehouseID,
				); err != nil {
					return fmt.Errorf("read availability: %w", err)
				}
				shortages = append(shortages, reservation.Shortage{
					VariantID:   r.ProductVariantID,
					WarehouseID: r.WarehouseID,
					Requested:   r.Quantity,
					Available:   max(avail, 0),
				})
				continue
			}
			if err != nil {
				return fmt.Errorf("claim stock: %w", err)
			}
			levelIDs[i] = levelID
		}
		if len(shortages) > 0 {
			return &reservation.OutOfStockError{Shortages: shortages}
		}

		for i, r := range rows {
			kind, refID := r.Reference.Resolve()
			row := reservationRow{
				ID:               r.ID,
				ProductVariantID: r.ProductVariantID,
				WarehouseID:      r.WarehouseID,
				InventoryLevelID: levelIDs[i],
				Quantity:         r.Quantity,
				ReservedQuantity: r.ReservedQuantity,
				Status:           string(r.Status),
				LockToken:        r.LockToken,
				LockedAt:         r.LockedAt,
				LockExpiresAt:    r.LockExpiresAt,
				ExpiresAt:        r.ExpiresAt,
				ReferenceType:    string(kind),
				ReferenceID:      refID,
				CreatedAt:        r.CreatedAt,
			}
			if _, err := tx.NamedExecContext(ctx,
				`INSERT INTO stock_reservations (`+reservationColumns+`)
				 VALUES (:id, :product_variant_id, :warehouse_id, :inventory_level_id, :quantity, :reserved_quantity,
				 :status, :lock_token, :locked_at, :lock_expires_at, :expires_at, :is_released, :released_at,
				 :reference_type, :reference_id, :created_at)`,
				row,
			); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return reservation.ErrTokenExists
	}
	return err
}

func (s *PostgresReservationStore) ListByToken(ctx context.Context, token string) ([]reservation.StockReservation, error) {
	var rows []reservationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+reservationColumns+` FROM stock_reservations
		 WHERE lock_token = $1 ORDER BY product_variant_id, warehouse_id`,
		token,
	); err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	return toReservations(rows)
}

// Confirm is all-or-nothing: if any hold under token is not a live cart
// hold, nothing moves.
func (s *PostgresReservationStore) Confirm(ctx context.Context, token string, now time.Time) (int, error) {
	var n int
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var blocked int
		if err := tx.GetContext(ctx, &blocked,
			`SELECT COUNT(*) FILTER (WHERE status <> 'cart' OR lock_expires_at < $2) FROM (
				SELECT status, lock_expires_at FROM stock_reservations
				WHERE lock_token = $1
				FOR UPDATE
			) held`,
			token, now,
		); err != nil {
			return fmt.Errorf("check holds: %w", err)
		}
		if blocked > 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE stock_reservations SET status = 'order_confirmed'
			 WHERE lock_token = $1 AND status = 'cart'`,
			token,
		)
		if err != nil {
			return fmt.Errorf("confirm holds: %w", err)
		}
		affected, err := res.RowsAffected()
		n = int(affected)
		return err
	})
	return n, err
}

func (s *PostgresReservationStore) Release(ctx context.Context, token string, now time.Time) (int, error) {
	var n int
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var freed []reservationRow
		if err := tx.SelectContext(ctx, &freed,
			`UPDATE stock_reservations
			 SET status = 'released', is_released = true, released_at = $2
			 WHERE lock_token = $1 AND status IN ('cart', 'order_confirmed', 'manual')
			 RETURNING `+reservationColumns,
			token, now,
		); err != nil {
			return fmt.Errorf("release holds: %w", err)
		}
		n = len(freed)
		return returnStock(ctx, tx, freed)
	})
	return n, err
}

func (s *PostgresReservationStore) Attach(ctx context.Context, token string, ref reservation.Reference) error {
	kind, id := ref.Resolve()
	_, err := s.db.ExecContext(ctx,
		`UPDATE stock_reservations SET reference_type = $2, reference_id = $3 WHERE lock_token = $1`,
		token, string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("attach reservation: %w", err)
	}
	return nil
}

// Expire skips rows locked by a concurrent confirm or release so the sweep
// never waits on a checkout in flight.
func (s *PostgresReservationStore) Expire(ctx context.Context, now time.Time, limit int) ([]reservation.StockReservation, error) {
	var expired []reservationRow
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &expired,
			`UPDATE stock_reservations
			 SET status = 'expired', is_released = true, released_at = $1
			 WHERE id IN (
				SELECT id FROM stock_reservations
				WHERE status = 'cart' AND lock_expires_at < $1
				ORDER BY lock_expires_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+reservationColumns,
			now, limit,
		); err != nil {
			return fmt.Errorf("expire holds: %w", err)
		}
		return returnStock(ctx, tx, expired)
	})
	if err != nil {
		return nil, err
	}
	return toReservations(expired)
}

func (s *PostgresReservationStore) Level(ctx context.Context, variantID, warehouseID string) (*reservation.Level, error) {
	var lvl reservation.Level
	err := s.db.GetContext(ctx, &lvl,
		`SELECT id, variant_id, warehouse_id, on_hand, reserved, incoming_adjustments
		 FROM inventory_levels WHERE variant_id = $1 AND warehouse_id = $2`,
		variantID, warehouseID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reservation.ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select level: %w", err)
	}
	return &lvl, nil
}

func returnStock(ctx context.Context, tx *sqlx.Tx, freed []reservationRow) error {
	for _, r := range freed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE inventory_levels SET reserved = reserved - $2 WHERE id = $1`,
			r.InventoryLevelID, r.ReservedQuantity,
		); err != nil {
			return fmt.Errorf("return stock: %w", err)
		}
	}
	return nil
}

func toReservations(rows []reservationRow) ([]reservation.StockReservation, error) {
	out := make([]reservation.StockReservation, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toReservation()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
