package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type snapshotRow struct {
	pricing.PriceSnapshot
	Breakdown []byte `db:"discount_breakdown"`
}

type applicationRow struct {
	SnapshotID         string      `db:"price_snapshot_id"`
	Position           int         `db:"position"`
	DiscountID         string      `db:"discount_id"`
	Status             string      `db:"status"`
	StackingMode       string      `db:"stacking_mode"`
	StackingStrategy   string      `db:"stacking_strategy"`
	Priority           int         `db:"priority"`
	Scope              string      `db:"scope"`
	PriceBefore        money.Money `db:"price_before"`
	Amount             money.Money `db:"amount"`
	PriceAfter         money.Money `db:"price_after"`
	ConflictResolution string      `db:"conflict_resolution"`
	AppliedWithJSON    []byte      `db:"applied_with"`
}

const snapshotColumns = `id, checkout_attempt_id, cart_id, cart_line_id, variant_id, pricing_version,
	quantity, unit_price, subtotal, discount_total, tax_total, total, discount_breakdown,
	winning_layer, winning_rule_id, currency_code, exchange_rate, snapshot_at, superseded, superseded_at`

const applicationColumns = `price_snapshot_id, position, discount_id, status, stacking_mode, stacking_strategy,
	priority, scope, price_before, amount, price_after, conflict_resolution, applied_with`

// PostgresSnapshotStore keeps price snapshots write-once: a re-price adds a
// pricing version and flags older versions superseded.
type PostgresSnapshotStore struct {
	db *sqlx.DB
}

func NewPostgresSnapshotStore(db *sqlx.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, attemptID string, version int, snaps []pricing.PriceSnapshot) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM price_snapshots WHERE checkout_attempt_id = $1 AND pricing_version = $2)`,
			attemptID, version,
		); err != nil {
			return fmt.Errorf("check version: %w", err)
		}
		if exists {
			return nil
		}

		now := time.Now().UTC()
		if len(snaps) > 0 {
			now = snaps[0].SnapshotAt
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE price_snapshots SET superseded = true, superseded_at = $3
			 WHERE checkout_attempt_id = $1 AND pricing_version < $2 AND NOT superseded`,
			attemptID, version, now,
		); err != nil {
			return fmt.Errorf("supersede older versions: %w", err)
		}

		for i := range snaps {
			if err := insertSnapshot(ctx, tx, &snaps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		// a concurrent writer saved the same version first
		return nil
	}
	return err
}

func insertSnapshot(ctx context.Context, tx *sqlx.Tx, snap *pricing.PriceSnapshot) error {
	breakdown, err := json.Marshal(snap.DiscountBreakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	if snap.DiscountBreakdown == nil {
		breakdown = []byte("[]")
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO price_snapshots (`+snapshotColumns+`)
		 VALUES (:id, :checkout_attempt_id, :cart_id, :cart_line_id, :variant_id, :pricing_version,
		 :quantity, :unit_price, :subtotal, :discount_total, :tax_total, :total, :discount_breakdown,
		 :winning_layer, :winning_rule_id, :currency_code, :exchange_rate, :snapshot_at, :superseded, :superseded_at)`,
		snapshotRow{PriceSnapshot: *snap, Breakdown: breakdown},
	); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.CartLineID, err)
	}

	for pos, app := range snap.Applications {
		with, err := json.Marshal(app.AppliedWith)
		if err != nil {
			return fmt.Errorf("marshal applied_with: %w", err)
		}
		if app.AppliedWith == nil {
			with = []byte("[]")
		}
		row := applicationRow{
			SnapshotID:         snap.ID,
			Position:           pos,
			DiscountID:         app.DiscountID,
			Status:             string(app.Status),
			StackingMode:       string(app.StackingMode),
			StackingStrategy:   string(app.StackingStrategy),
			Priority:           app.Priority,
			Scope:              string(app.Scope),
			PriceBefore:        app.PriceBefore,
			Amount:             app.Amount,
			PriceAfter:         app.PriceAfter,
			ConflictResolution: app.ConflictResolution,
			AppliedWithJSON:    with,
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO discount_applications (`+applicationColumns+`)
			 VALUES (:price_snapshot_id, :position, :discount_id, :status, :stacking_mode, :stacking_strategy,
			 :priority, :scope, :price_before, :amount, :price_after, :conflict_resolution, :applied_with)`,
			row,
		); err != nil {
			return fmt.Errorf("insert discount application: %w", err)
		}
	}
	return nil
}

func (s *PostgresSnapshotStore) Current(ctx context.Context, attemptID string) ([]pricing.PriceSnapshot, error) {
	return s.load(ctx,
		`SELECT `+snapshotColumns+` FROM price_snapshots
		 WHERE checkout_attempt_id = $1 AND NOT superseded
		 ORDER BY cart_line_id ASC`,
		attemptID,
	)
}

func (s *PostgresSnapshotStore) History(ctx context.Context, attemptID string) ([]pricing.PriceSnapshot, error) {
	return s.load(ctx,
		`SELECT `+snapshotColumns+` FROM price_snapshots
		 WHERE checkout_attempt_id = $1
		 ORDER BY pricing_version ASC, cart_line_id ASC`,
		attemptID,
	)
}

func (s *PostgresSnapshotStore) SupersedeAll(ctx context.Context, attemptID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE price_snapshots SET superseded = true, superseded_at = $2
		 WHERE checkout_attempt_id = $1 AND NOT superseded`,
		attemptID, at,
	)
	if err != nil {
		return fmt.Errorf("supersede snapshots: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) load(ctx context.Context, query string, attemptID string) ([]pricing.PriceSnapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, attemptID); err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var apps []applicationRow
	if err := s.db.SelectContext(ctx, &apps,
		`SELECT `+applicationColumns+` FROM discount_applications
		 WHERE price_snapshot_id = ANY($1)
		 ORDER BY price_snapshot_id, position`,
		pq.Array(ids),
	); err != nil {
		return nil, fmt.Errorf("select discount applications: %w", err)
	}
	bySnap := make(map[string][]discount.Application, len(rows))
	for _, a := range apps {
		var with []string
		if len(a.AppliedWithJSON) > 0 {
			if err := json.Unmarshal(a.AppliedWithJSON, &with); err != nil {
				return nil, fmt.Errorf("unmarshal applied_with: %w", err)
			}
		}
		bySnap[a.SnapshotID] = append(bySnap[a.SnapshotID], discount.Application{
			DiscountID:         a.DiscountID,
			Status:             discount.Status(a.Status),
			StackingMode:       discount.Mode(a.StackingMode),
			StackingStrategy:   discount.Strategy(a.StackingStrategy),
			Priority:           a.Priority,
			Scope:              discount.Scope(a.Scope),
			PriceBefore:        a.PriceBefore,
			Amount:             a.Amount,
			PriceAfter:         a.PriceAfter,
			ConflictResolution: a.ConflictResolution,
			AppliedWith:        with,
		})
	}

	out := make([]pricing.PriceSnapshot, 0, len(rows))
	for _, r := range rows {
		snap := r.PriceSnapshot
		if len(r.Breakdown) > 0 {
			if err := json.Unmarshal(r.Breakdown, &snap.DiscountBreakdown); err != nil {
				return nil, fmt.Errorf("unmarshal breakdown: %w", err)
			}
		}
		snap.Applications = bySnap[snap.ID]
		out = append(out, snap)
	}
	return out, nil
}
