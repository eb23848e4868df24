package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/jmoiron/sqlx"
)

type attemptRow struct {
	ID            string         `db:"id"`
	CartID        string         `db:"cart_id"`
	SessionID     string         `db:"session_id"`
	UserID        sql.NullString `db:"user_id"`
	State         string         `db:"state"`
	Phase         string         `db:"phase"`
	FailureReason []byte         `db:"failure_reason"`
	LockedAt      time.Time      `db:"locked_at"`
	ExpiresAt     time.Time      `db:"expires_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	FailedAt      sql.NullTime   `db:"failed_at"`
	Metadata      []byte         `db:"metadata"`
	Version       int            `db:"version"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const attemptColumns = `id, cart_id, session_id, user_id, state, phase, failure_reason, locked_at,
	expires_at, completed_at, failed_at, metadata, version, created_at, updated_at`

func toAttemptRow(a *checkout.Attempt) (*attemptRow, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := &attemptRow{
		ID:        a.ID,
		CartID:    a.CartID,
		SessionID: a.SessionID,
		UserID:    sql.NullString{String: a.UserID, Valid: a.UserID != ""},
		State:     string(a.State),
		Phase:     a.Phase,
		LockedAt:  a.LockedAt,
		ExpiresAt: a.ExpiresAt,
		Metadata:  meta,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.FailureReason != nil {
		if row.FailureReason, err = json.Marshal(a.FailureReason); err != nil {
			return nil, fmt.Errorf("marshal failure reason: %w", err)
		}
	}
	if a.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *a.CompletedAt, Valid: true}
	}
	if a.FailedAt != nil {
		row.FailedAt = sql.NullTime{Time: *a.FailedAt, Valid: true}
	}
	return row, nil
}

func (r *attemptRow) toAttempt() (*checkout.Attempt, error) {
	state, err := checkout.ParseState(r.State)
	if err != nil {
		return nil, err
	}
	a := &checkout.Attempt{
		ID:        r.ID,
		CartID:    r.CartID,
		SessionID: r.SessionID,
		UserID:    r.UserID.String,
		State:     state,
		Phase:     r.Phase,
		LockedAt:  r.LockedAt,
		ExpiresAt: r.ExpiresAt,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(r.FailureReason) > 0 {
		var fr checkout.FailureReason
		if err := json.Unmarshal(r.FailureReason, &fr); err != nil {
			return nil, fmt.Errorf("unmarshal failure reason: %w", err)
		}
		a.FailureReason = &fr
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	if r.FailedAt.Valid {
		t := r.FailedAt.Time
		a.FailedAt = &t
	}
	return a, nil
}

// PostgresAttemptStore persists checkout attempts. The partial unique index
// checkout_attempts_active_uniq enforces one active attempt per cart and
// session.
type PostgresAttemptStore struct {
	db *sqlx.DB
}

func NewPostgresAttemptStore(db *sqlx.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

func (s *PostgresAttemptStore) Create(ctx context.Context, a *checkout.Attempt) error {
	row, err := toAttemptRow(a)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO checkout_attempts (`+attemptColumns+`)
		 VALUES (:id, :cart_id, :session_id, :user_id, :state, :phase, :failure_reason, :locked_at,
		 :expires_at, :completed_at, :failed_at, :metadata, :version, :created_at, :updated_at)`,
		row,
	)
	if isUniqueViolation(err) {
		conflict := &checkout.ConflictError{CartID: a.CartID, SessionID: a.SessionID}
		err := s.db.GetContext(ctx, &conflict.ExistingID,
			`SELECT id FROM checkout_attempts
			 WHERE cart_id = $1 AND session_id = $2 AND state NOT IN ('completed', 'failed')`,
			a.CartID, a.SessionID,
		)
		// the active row may have finished between the insert and the lookup
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup active attempt: %w", errors.Join(conflict, err))
		}
		return conflict
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresAttemptStore) Get(ctx context.Context, id string) (*checkout.Attempt, error) {
	var row attemptRow
	err := s.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkout.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select attempt: %w", err)
	}
	return row.toAttempt()
}

// Update is a compare-and-swap on version. Terminal rows never match, so a
// finished attempt cannot be rewritten.
func (s *PostgresAttemptStore) Update(ctx context.Context, a *checkout.Attempt) error {
	row, err := toAttemptRow(a)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE checkout_attempts SET
			state = :state, phase = :phase, failure_reason = :failure_reason,
			completed_at = :completed_at, failed_at = :failed_at, metadata = :metadata,
			version = version + 1, updated_at = :updated_at
		 WHERE id = :id AND version = :version AND state NOT IN ('completed', 'failed')`,
		row,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n == 0 {
		return checkout.ErrVersionConflict
	}
	a.Version++
	return nil
}

func (s *PostgresAttemptStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*checkout.Attempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+attemptColumns+` FROM checkout_attempts
		 WHERE state NOT IN ('completed', 'failed') AND expires_at < $1
		 ORDER BY expires_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired attempts: %w", err)
	}
	out := make([]*checkout.Attempt, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAttempt()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresAttemptStore) ListPendingCompensation(ctx context.Context, limit int) ([]*checkout.Attempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+attemptColumns+` FROM checkout_attempts
		 WHERE state = 'failed' AND metadata @> '{"compensation_pending": true}'
		 ORDER BY failed_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending compensation: %w", err)
	}
	out := make([]*checkout.Attempt, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAttempt()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresAttemptStore) ResolveCompensation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkout_attempts SET
			metadata = metadata - 'compensation_pending',
			version = version + 1, updated_at = now()
		 WHERE id = $1 AND state = 'failed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("resolve compensation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve compensation: %w", err)
	}
	if n == 0 {
		return checkout.ErrAttemptNotFound
	}
	return nil
}
