// Package memo caches successful envelopes keyed by everything that
// determines a processor's output.
package memo

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// Key identifies one deterministic execution.
type Key struct {
	Digest    string               `json:"digest"`
	Processor string               `json:"processor"`
	Mode      contracts.Mode       `json:"mode"`
	Inputs    map[string]any       `json:"inputs"`
	Writes    []worldpath.Selector `json:"writes"`
}

// Hash is the hex SHA-256 of the canonical JSON of k.
func (k Key) Hash() (string, error) {
	return canonicalize.CanonicalHash(k)
}

// Entry is a cached result.
type Entry struct {
	Envelope  *contracts.Envelope `json:"envelope"`
	CostMicro int64               `json:"cost_micro"`
	CreatedAt time.Time           `json:"created_at"`
}

type Cache interface {
	Get(ctx context.Context, hash string) (*Entry, bool, error)
	Put(ctx context.Context, hash string, e Entry) error
}

// MemoryCache is a bounded LRU.
type MemoryCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type memItem struct {
	hash  string
	entry Entry
}

func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 1024
	}
	return &MemoryCache{max: max, order: list.New(), items: make(map[string]*list.Element)}
}

func (m *MemoryCache) Get(_ context.Context, hash string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[hash]
	if !ok {
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	e := el.Value.(*memItem).entry
	e.Envelope = e.Envelope.Clone()
	return &e, true, nil
}

func (m *MemoryCache) Put(_ context.Context, hash string, e Entry) error {
	e.Envelope = e.Envelope.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[hash]; ok {
		el.Value.(*memItem).entry = e
		m.order.MoveToFront(el)
		return nil
	}
	m.items[hash] = m.order.PushFront(&memItem{hash: hash, entry: e})
	for m.order.Len() > m.max {
		last := m.order.Back()
		m.order.Remove(last)
		delete(m.items, last.Value.(*memItem).hash)
	}
	return nil
}

func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// RedisCache stores entries as JSON under prefix+hash.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "substrate:memo:", ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, hash string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+hash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis memo error: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("corrupt memo entry %s: %w", hash, err)
	}
	return &e, true, nil
}

func (r *RedisCache) Put(ctx context.Context, hash string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+hash, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis memo error: %w", err)
	}
	return nil
}
