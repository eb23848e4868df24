package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Store is the durable sink for audit entries.
type Store interface {
	// Insert stores e and reports false when an entry with the same id
	// already exists.
	Insert(ctx context.Context, e Entry) (bool, error)
}

// Projector turns consumed audit messages into stored rows.
type Projector struct {
	store  Store
	logger *zap.Logger
}

func NewProjector(store Store, logger *zap.Logger) *Projector {
	return &Projector{store: store, logger: logger.Named("audit-projector")}
}

// Handle matches kafka.MessageHandler. Redelivered entries are skipped.
func (p *Projector) Handle(ctx context.Context, key, value []byte) error {
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		// a poison message would otherwise block the partition
		p.logger.Error("Dropping undecodable audit message", zap.String("key", string(key)), zap.Error(err))
		return nil
	}
	if e.ID == "" {
		p.logger.Error("Dropping audit message without id", zap.String("key", string(key)))
		return nil
	}

	inserted, err := p.store.Insert(ctx, e)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	if !inserted {
		p.logger.Debug("Duplicate audit entry ignored", zap.String("entry_id", e.ID))
	}
	return nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	rec  *MemoryRecorder
	seen map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rec: NewMemoryRecorder(), seen: make(map[string]bool)}
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) (bool, error) {
	s.rec.mu.Lock()
	if s.seen[e.ID] {
		s.rec.mu.Unlock()
		return false, nil
	}
	s.seen[e.ID] = true
	s.rec.mu.Unlock()
	return true, s.rec.Record(ctx, e)
}

func (s *MemoryStore) Entries() []Entry { return s.rec.Entries() }
