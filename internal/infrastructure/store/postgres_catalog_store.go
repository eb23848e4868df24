package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type ruleRow struct {
	ID         string    `db:"id"`
	Layer      string    `db:"layer"`
	ScopeKind  string    `db:"scope_kind"`
	ScopeID    string    `db:"scope_id"`
	Conditions []byte    `db:"conditions"`
	Value      []byte    `db:"value"`
	Priority   int       `db:"priority"`
	Currency   string    `db:"currency"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *ruleRow) toRule() (pricing.Rule, error) {
	layer, err := pricing.ParseLayer(r.Layer)
	if err != nil {
		return pricing.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	var conds pricing.Conditions
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &conds); err != nil {
			return pricing.Rule{}, fmt.Errorf("rule %s conditions: %w", r.ID, err)
		}
	}
	value, err := pricing.UnmarshalValue(r.Value)
	if err != nil {
		return pricing.Rule{}, fmt.Errorf("rule %s value: %w", r.ID, err)
	}
	return pricing.Rule{
		ID:         r.ID,
		Layer:      layer,
		Scope:      pricing.Scope{Kind: pricing.ScopeKind(r.ScopeKind), ID: r.ScopeID},
		Conditions: conds,
		Value:      value,
		Priority:   r.Priority,
		Currency:   r.Currency,
		CreatedAt:  r.CreatedAt,
	}, nil
}

type contractRow struct {
	ID          string     `db:"id"`
	AccountID   string     `db:"account_id"`
	Active      bool       `db:"active"`
	Approved    bool       `db:"approved"`
	VariantIDs  []byte     `db:"variant_ids"`
	CategoryIDs []byte     `db:"category_ids"`
	StartsAt    *time.Time `db:"starts_at"`
	EndsAt      *time.Time `db:"ends_at"`
}

// PostgresCatalogStore reads pricing rules, MAP floors, contracts and
// discounts. It serves both pricing.RuleSource and discount.Source.
type PostgresCatalogStore struct {
	db *sqlx.DB
}

func NewPostgresCatalogStore(db *sqlx.DB) *PostgresCatalogStore {
	return &PostgresCatalogStore{db: db}
}

// RulesFor returns every rule that could apply to the line. Customer and
// channel scopes are narrowed by the engine, which knows the line context.
func (s *PostgresCatalogStore) RulesFor(ctx context.Context, variantID, categoryID string) ([]pricing.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, layer, scope_kind, scope_id, conditions, value, priority, currency, created_at
		 FROM pricing_rules
		 WHERE (scope_kind = 'variant' AND scope_id = $1)
		    OR (scope_kind = 'category' AND scope_id = $2 AND $2 <> '')
		    OR scope_kind IN ('customer', 'channel', 'global')
		 ORDER BY id`,
		variantID, categoryID,
	); err != nil {
		return nil, fmt.Errorf("select pricing rules: %w", err)
	}
	rules := make([]pricing.Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s *PostgresCatalogStore) MAPRulesFor(ctx context.Context, variantID string) ([]pricing.MAPRule, error) {
	var maps []pricing.MAPRule
	if err := s.db.SelectContext(ctx, &maps,
		`SELECT id, variant_id, floor, currency, enforcement_level, valid_from, valid_until
		 FROM map_rules WHERE variant_id = $1 ORDER BY id`,
		variantID,
	); err != nil {
		return nil, fmt.Errorf("select map rules: %w", err)
	}
	return maps, nil
}

func (s *PostgresCatalogStore) ContractsFor(ctx context.Context, accountID string) ([]pricing.Contract, error) {
	if accountID == "" {
		return nil, nil
	}
	var rows []contractRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, account_id, active, approved, variant_ids, category_ids, starts_at, ends_at
		 FROM b2b_contracts WHERE account_id = $1 ORDER BY id`,
		accountID,
	); err != nil {
		return nil, fmt.Errorf("select contracts: %w", err)
	}
	out := make([]pricing.Contract, 0, len(rows))
	for _, r := range rows {
		c := pricing.Contract{
			ID:        r.ID,
			AccountID: r.AccountID,
			Active:    r.Active,
			Approved:  r.Approved,
			StartsAt:  r.StartsAt,
			EndsAt:    r.EndsAt,
		}
		if err := unmarshalList(r.VariantIDs, &c.VariantIDs); err != nil {
			return nil, fmt.Errorf("contract %s variants: %w", r.ID, err)
		}
		if err := unmarshalList(r.CategoryIDs, &c.CategoryIDs); err != nil {
			return nil, fmt.Errorf("contract %s categories: %w", r.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *PostgresCatalogStore) Eligible(ctx context.Context, q discount.Eligibility) ([]discount.Discount, error) {
	var ds []discount.Discount
	if err := s.db.SelectContext(ctx, &ds,
		`SELECT id, COALESCE(program_id, '') AS program_id, source, kind, percent, amount,
		        stacking_mode, stacking_strategy, priority, scope, apply_before_tax, variant_id, category_id
		 FROM discounts
		 WHERE active
		   AND (user_id = '' OR user_id = $1)
		   AND (customer_group = '' OR customer_group = $2)
		   AND (starts_at IS NULL OR starts_at <= $3)
		   AND (ends_at IS NULL OR ends_at > $3)
		 ORDER BY priority, id`,
		q.UserID, q.CustomerGroup, q.At,
	); err != nil {
		return nil, fmt.Errorf("select discounts: %w", err)
	}
	for i := range ds {
		mode, err := discount.ParseMode(string(ds[i].Mode))
		if err != nil {
			return nil, fmt.Errorf("discount %s: %w", ds[i].ID, err)
		}
		ds[i].Mode = mode
	}
	return ds, nil
}

func (s *PostgresCatalogStore) Programs(ctx context.Context, ids []string) ([]discount.Program, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var ps []discount.Program
	if err := s.db.SelectContext(ctx, &ps,
		`SELECT id, name, max_discount_cap, max_total_discount_percent, max_total_discount_amount
		 FROM discount_programs WHERE id = ANY($1)`,
		pq.Array(ids),
	); err != nil {
		return nil, fmt.Errorf("select programs: %w", err)
	}
	return ps, nil
}
