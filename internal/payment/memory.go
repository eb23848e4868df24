package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process Gateway that honors idempotency keys. It
// backs local development and tests; hooks inject failures.
type MemoryGateway struct {
	mu       sync.Mutex
	byKey    map[string]*Authorization
	auths    map[string]*memoryAuth
	calls    map[string]int
	captures map[string]*Capture

	AuthorizeHook func(req AuthorizeRequest) error
	CaptureHook   func(authorizationID string) error
	VoidHook      func(authorizationID string) error
}

type memoryAuth struct {
	auth     *Authorization
	captured bool
	voided   bool
	refunded bool
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		byKey:    make(map[string]*Authorization),
		auths:    make(map[string]*memoryAuth),
		calls:    make(map[string]int),
		captures: make(map[string]*Capture),
	}
}

func (g *MemoryGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["authorize"]++

	if a, ok := g.byKey[req.IdempotencyKey]; ok {
		return a, nil
	}
	if g.AuthorizeHook != nil {
		if err := g.AuthorizeHook(req); err != nil {
			return nil, err
		}
	}
	a := &Authorization{ID: "auth_" + uuid.NewString(), Status: "requires_capture", Amount: req.Amount}
	g.byKey[req.IdempotencyKey] = a
	g.auths[a.ID] = &memoryAuth{auth: a}
	return a, nil
}

func (g *MemoryGateway) Capture(ctx context.Context, authorizationID, idempotencyKey string) (*Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["capture"]++

	if c, ok := g.captures[idempotencyKey]; ok {
		return c, nil
	}
	ma, ok := g.auths[authorizationID]
	if !ok {
		return nil, fmt.Errorf("unknown authorization %s", authorizationID)
	}
	if ma.voided {
		return nil, &DeclinedError{Code: "canceled", Message: "authorization was voided"}
	}
	if g.CaptureHook != nil {
		if err := g.CaptureHook(authorizationID); err != nil {
			return nil, err
		}
	}
	ma.captured = true
	c := &Capture{ID: "ch_" + uuid.NewString(), Amount: ma.auth.Amount}
	g.captures[idempotencyKey] = c
	return c, nil
}

func (g *MemoryGateway) Void(ctx context.Context, authorizationID, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["void"]++

	if g.VoidHook != nil {
		if err := g.VoidHook(authorizationID); err != nil {
			return err
		}
	}
	ma, ok := g.auths[authorizationID]
	if !ok {
		return fmt.Errorf("unknown authorization %s", authorizationID)
	}
	if ma.captured {
		ma.refunded = true
	}
	ma.voided = true
	return nil
}

// Calls reports how many times op was invoked, including replays.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Authorizations is the number of distinct holds placed.
func (g *MemoryGateway) Authorizations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.auths)
}

// Voided reports whether an authorization was voided or refunded.
func (g *MemoryGateway) Voided(authorizationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ma, ok := g.auths[authorizationID]
	return ok && ma.voided
}

func (g *MemoryGateway) Captured(authorizationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ma, ok := g.auths[authorizationID]
	return ok && ma.captured
}
