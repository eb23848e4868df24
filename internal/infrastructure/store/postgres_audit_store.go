package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/audit"
	"github.com/jmoiron/sqlx"
)

type auditRow struct {
	ID          string    `db:"id"`
	EventType   string    `db:"event_type"`
	SubjectType string    `db:"subject_type"`
	SubjectID   string    `db:"subject_id"`
	Before      []byte    `db:"before"`
	After       []byte    `db:"after"`
	Actor       string    `db:"actor"`
	RecordedAt  time.Time `db:"recorded_at"`
}

// PostgresAuditStore is the durable sink behind the audit topic.
type PostgresAuditStore struct {
	db *sqlx.DB
}

func NewPostgresAuditStore(db *sqlx.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Insert(ctx context.Context, e audit.Entry) (bool, error) {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit_records (id, event_type, subject_type, subject_id, before, after, actor, recorded_at)
		 VALUES (:id, :event_type, :subject_type, :subject_id, :before, :after, :actor, :recorded_at)
		 ON CONFLICT (id) DO NOTHING`,
		auditRow{
			ID:          e.ID,
			EventType:   e.EventType,
			SubjectType: e.Subject.Type,
			SubjectID:   e.Subject.ID,
			Before:      nullJSON(e.Before),
			After:       nullJSON(e.After),
			Actor:       e.Actor,
			RecordedAt:  e.RecordedAt,
		},
	)
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", err)
	}
	return n == 1, nil
}

// Trail returns a subject's records, oldest first.
func (s *PostgresAuditStore) Trail(ctx context.Context, subjectType, subjectID string) ([]audit.Entry, error) {
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_type, subject_type, subject_id, before, after, actor, recorded_at
		 FROM audit_records WHERE subject_type = $1 AND subject_id = $2
		 ORDER BY recorded_at ASC`,
		subjectType, subjectID,
	); err != nil {
		return nil, fmt.Errorf("select audit records: %w", err)
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, audit.Entry{
			ID:         r.ID,
			EventType:  r.EventType,
			Subject:    audit.Subject{Type: r.SubjectType, ID: r.SubjectID},
			Before:     r.Before,
			After:      r.After,
			Actor:      r.Actor,
			RecordedAt: r.RecordedAt,
		})
	}
	return out, nil
}

func nullJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
