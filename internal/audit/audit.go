// Package audit records immutable entries for every price decision and
// checkout state change.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventTransition   = "checkout.transition"
	EventFailed       = "checkout.failed"
	EventPriceLocked  = "pricing.snapshot_written"
	EventDiscount     = "pricing.discount_applied"
	EventSuperseded   = "pricing.snapshot_superseded"
	EventReserved     = "reservation.created"
	EventReleased     = "reservation.released"
	EventAuthVoided   = "payment.voided"
	EventOrderCreated = "order.created"
	EventOrderVoided  = "order.cancelled"
)

type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entry is one audit record.
type Entry struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Subject    Subject         `json:"subject"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Actor      string          `json:"actor"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// NewEntry builds an entry, encoding before and after as JSON. Nil values
// are left empty.
func NewEntry(eventType string, subject Subject, before, after any, actor string, at time.Time) (Entry, error) {
	e := Entry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Subject:    subject,
		Actor:      actor,
		RecordedAt: at,
	}
	var err error
	if e.Before, err = encode(before); err != nil {
		return Entry{}, fmt.Errorf("encode before: %w", err)
	}
	if e.After, err = encode(after); err != nil {
		return Entry{}, fmt.Errorf("encode after: %w", err)
	}
	return e, nil
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// KafkaRecorder publishes entries keyed by subject id so one subject's
// history stays ordered on its partition.
type KafkaRecorder struct {
	pub publisher
}

func NewKafkaRecorder(pub publisher) *KafkaRecorder {
	return &KafkaRecorder{pub: pub}
}

func (r *KafkaRecorder) Record(ctx context.Context, e Entry) error {
	if err := r.pub.Publish(ctx, e.Subject.ID, e); err != nil {
		return fmt.Errorf("publish audit entry %s: %w", e.ID, err)
	}
	return nil
}

// MemoryRecorder keeps entries in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
	Err     error
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Record(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// OfType returns the recorded entries with the given event type.
func (r *MemoryRecorder) OfType(eventType string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Trail is the fire-and-forget front of a Recorder: failures to build or
// record an entry are logged, never returned.
type Trail struct {
	rec    Recorder
	logger *zap.Logger
	now    func() time.Time
}

func NewTrail(rec Recorder, logger *zap.Logger) *Trail {
	return &Trail{rec: rec, logger: logger.Named("audit"), now: time.Now}
}

func (t *Trail) Write(ctx context.Context, eventType string, subject Subject, before, after any, actor string) {
	e, err := NewEntry(eventType, subject, before, after, actor, t.now().UTC())
	if err == nil {
		err = t.rec.Record(ctx, e)
	}
	if err != nil {
		t.logger.Warn("Failed to record audit entry",
			zap.String("event_type", eventType),
			zap.String("subject_type", subject.Type),
			zap.String("subject_id", subject.ID),
			zap.Error(err),
		)
	}
}
