package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/pricing"
)

// MemoryAttemptStore is an in-memory checkout.Store with the same
// uniqueness and versioning rules as the postgres store.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*checkout.Attempt
	// UpdateErr, when set, is returned by the next Update calls.
	UpdateErr error
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*checkout.Attempt)}
}

func cloneAttempt(a *checkout.Attempt) *checkout.Attempt {
	cp := *a
	cp.Metadata.Lines = append([]checkout.Line(nil), a.Metadata.Lines...)
	if a.FailureReason != nil {
		fr := *a.FailureReason
		cp.FailureReason = &fr
	}
	return &cp
}

func (s *MemoryAttemptStore) Create(ctx context.Context, a *checkout.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.IsActive() && existing.CartID == a.CartID && existing.SessionID == a.SessionID {
			return &checkout.ConflictError{CartID: a.CartID, SessionID: a.SessionID, ExistingID: existing.ID}
		}
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (s *MemoryAttemptStore) Get(ctx context.Context, id string) (*checkout.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, checkout.ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

func (s *MemoryAttemptStore) Update(ctx context.Context, a *checkout.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	cur, ok := s.attempts[a.ID]
	if !ok || cur.Version != a.Version || cur.State.IsTerminal() {
		return checkout.ErrVersionConflict
	}
	a.Version++
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (s *MemoryAttemptStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*checkout.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*checkout.Attempt
	for _, a := range s.attempts {
		if a.Expired(now) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAttemptStore) ListPendingCompensation(ctx context.Context, limit int) ([]*checkout.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*checkout.Attempt
	for _, a := range s.attempts {
		if a.State == checkout.StateFailed && a.Metadata.CompensationPending {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(*out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAttemptStore) ResolveCompensation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.State != checkout.StateFailed {
		return checkout.ErrAttemptNotFound
	}
	a.Metadata.CompensationPending = false
	a.Version++
	return nil
}

// MemorySnapshotStore is an in-memory pricing.SnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]pricing.PriceSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]pricing.PriceSnapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, attemptID string, version int, snaps []pricing.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.snaps[attemptID]
	for _, e := range existing {
		if e.PricingVersion == version {
			return nil
		}
	}
	at := time.Now().UTC()
	if len(snaps) > 0 {
		at = snaps[0].SnapshotAt
	}
	for i := range existing {
		if existing[i].PricingVersion < version && !existing[i].Superseded {
			existing[i].Superseded = true
			t := at
			existing[i].SupersededAt = &t
		}
	}
	s.snaps[attemptID] = append(existing, snaps...)
	return nil
}

func (s *MemorySnapshotStore) Current(ctx context.Context, attemptID string) ([]pricing.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pricing.PriceSnapshot
	for _, snap := range s.snaps[attemptID] {
		if !snap.Superseded {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CartLineID < out[j].CartLineID })
	return out, nil
}

func (s *MemorySnapshotStore) History(ctx context.Context, attemptID string) ([]pricing.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]pricing.PriceSnapshot(nil), s.snaps[attemptID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PricingVersion != out[j].PricingVersion {
			return out[i].PricingVersion < out[j].PricingVersion
		}
		return out[i].CartLineID < out[j].CartLineID
	})
	return out, nil
}

func (s *MemorySnapshotStore) SupersedeAll(ctx context.Context, attemptID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snaps[attemptID] {
		snap := &s.snaps[attemptID][i]
		if !snap.Superseded {
			snap.Superseded = true
			t := at
			snap.SupersededAt = &t
		}
	}
	return nil
}

// MemoryCatalog is an in-memory pricing.RuleSource and discount.Source.
type MemoryCatalog struct {
	mu        sync.RWMutex
	rules     []pricing.Rule
	maps      []pricing.MAPRule
	contracts []pricing.Contract
	discounts []discount.Discount
	programs  []discount.Program
}

func NewMemoryCatalog() *MemoryCatalog { return &MemoryCatalog{} }

func (c *MemoryCatalog) AddRule(r pricing.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, r)
}

func (c *MemoryCatalog) AddMAP(m pricing.MAPRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps = append(c.maps, m)
}

func (c *MemoryCatalog) AddContract(ct pricing.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts = append(c.contracts, ct)
}

func (c *MemoryCatalog) AddDiscount(d discount.Discount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discounts = append(c.discounts, d)
}

func (c *MemoryCatalog) AddProgram(p discount.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs = append(c.programs, p)
}

func (c *MemoryCatalog) RulesFor(ctx context.Context, variantID, categoryID string) ([]pricing.Rule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []pricing.Rule
	for _, r := range c.rules {
		switch r.Scope.Kind {
		case pricing.ScopeVariant:
			if r.Scope.ID != variantID {
				continue
			}
		case pricing.ScopeCategory:
			if categoryID == "" || r.Scope.ID != categoryID {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *MemoryCatalog) MAPRulesFor(ctx context.Context, variantID string) ([]pricing.MAPRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []pricing.MAPRule
	for _, m := range c.maps {
		if m.VariantID == variantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *MemoryCatalog) ContractsFor(ctx context.Context, accountID string) ([]pricing.Contract, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []pricing.Contract
	for _, ct := range c.contracts {
		if accountID != "" && ct.AccountID == accountID {
			out = append(out, ct)
		}
	}
	return out, nil
}

// Eligible returns every discount; the memory catalog does not model
// customer targeting.
func (c *MemoryCatalog) Eligible(ctx context.Context, q discount.Eligibility) ([]discount.Discount, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]discount.Discount(nil), c.discounts...), nil
}

func (c *MemoryCatalog) Programs(ctx context.Context, ids []string) ([]discount.Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []discount.Program
	for _, p := range c.programs {
		for _, id := range ids {
			if p.ID == id {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
