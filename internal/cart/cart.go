package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrCartNotFound = errors.New("cart not found")

// Line is one cart line as the catalog service exposes it.
type Line struct {
	ID            string `json:"id"`
	VariantID     string `json:"variant_id"`
	CategoryID    string `json:"category_id,omitempty"`
	WarehouseID   string `json:"warehouse_id"`
	Quantity      int    `json:"quantity"`
	CustomerGroup string `json:"customer_group,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

// Reader is the read-only cart capability checkout depends on.
type Reader interface {
	GetCartLines(ctx context.Context, cartID string) ([]Line, error)
}

type storedCart struct {
	ID    string `json:"id"`
	Lines []Line `json:"lines"`
}

// RedisReader reads carts the storefront keeps as JSON under cart:{id}.
type RedisReader struct {
	client *redis.Client
	prefix string
}

func NewRedisReader(client *redis.Client) *RedisReader {
	return &RedisReader{client: client, prefix: "cart:"}
}

func (r *RedisReader) key(cartID string) string {
	return r.prefix + cartID
}

func (r *RedisReader) GetCartLines(ctx context.Context, cartID string) ([]Line, error) {
	data, err := r.client.Get(ctx, r.key(cartID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var c storedCart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return c.Lines, nil
}

// MemoryReader serves carts from memory.
type MemoryReader struct {
	mu    sync.RWMutex
	carts map[string][]Line
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{carts: make(map[string][]Line)}
}

func (m *MemoryReader) Put(cartID string, lines []Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[cartID] = append([]Line(nil), lines...)
}

func (m *MemoryReader) GetCartLines(ctx context.Context, cartID string) ([]Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines, ok := m.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return append([]Line(nil), lines...), nil
}
