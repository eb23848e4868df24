package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresEventStore stores order events in PostgreSQL
type PostgresEventStore struct {
	db        *sqlx.DB
	publisher Publisher
}

func NewPostgresEventStore(db *sqlx.DB, publisher Publisher) *PostgresEventStore {
	return &PostgresEventStore{
		db:        db,
		publisher: publisher,
	}
}

// Append stores an event in PostgreSQL and publishes it once committed.
// The unique (aggregate_id, version) index turns a lost race into
// ErrConcurrentAppend.
func (es *PostgresEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, expectedVersion int, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var currentVersion int
	err = es.db.QueryRowxContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM order_events WHERE aggregate_id = $1",
		aggregateID,
	).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if expectedVersion != AnyVersion && expectedVersion != currentVersion {
		return nil, ErrConcurrentAppend
	}

	event := Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       currentVersion + 1,
	}

	_, err = es.db.NamedExecContext(ctx,
		`INSERT INTO order_events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES (:id, :aggregate_id, :aggregate_type, :event_type, :data, :version, :created_at)`,
		event,
	)
	if isUniqueViolation(err) {
		return nil, ErrConcurrentAppend
	}
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if es.publisher != nil {
		if err := es.publisher.Publish(ctx, aggregateID, event); err != nil {
			return nil, fmt.Errorf("publish event: %w", err)
		}
	}

	return &event, nil
}

func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.GetEventsFromVersion(ctx, aggregateID, 0)
}

func (es *PostgresEventStore) GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	var events []Event
	err := es.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
		 FROM order_events
		 WHERE aggregate_id = $1 AND version > $2
		 ORDER BY version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	return events, nil
}

func (es *PostgresEventStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var s Snapshot
	err := es.db.GetContext(ctx, &s,
		`SELECT aggregate_id, aggregate_type, version, state, created_at
		 FROM order_snapshots WHERE aggregate_id = $1`,
		aggregateID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return &s, nil
}

func (es *PostgresEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	_, err := es.db.NamedExecContext(ctx,
		`INSERT INTO order_snapshots (aggregate_id, aggregate_type, version, state, created_at)
		 VALUES (:aggregate_id, :aggregate_type, :version, :state, :created_at)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		 WHERE order_snapshots.version < EXCLUDED.version`,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}
