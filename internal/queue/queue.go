// Package queue holds writes that failed to reach the remote API until they
// can be replayed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
)

// Item is a pending remote write.
type Item struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// NewItem encodes data into a fresh item.
func NewItem(action string, data any) (Item, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Item{}, fmt.Errorf("encode %s: %w", action, err)
	}
	return Item{
		ID:        uuid.NewString(),
		Action:    action,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Queue is the abstraction over different backends. Ordering is FIFO for
// Push/Drain; items re-pushed after a failed replay go to the back.
type Queue interface {
	Push(ctx context.Context, item Item) error
	// Drain removes and returns every queued item.
	Drain(ctx context.Context) ([]Item, error)
	// Items returns the queued items without removing them.
	Items(ctx context.Context) ([]Item, error)
	Len(ctx context.Context) (int, error)
}

// InMemory is a minimal slice-backed queue for dev/testing. Nothing
// survives a restart.
type InMemory struct {
	mu    sync.Mutex
	items []Item
}

// NewInMemory creates an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (q *InMemory) Push(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *InMemory) Drain(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

func (q *InMemory) Items(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...), nil
}

func (q *InMemory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// StoreKey is where StoreQueue keeps its items.
const StoreKey = "sync_queue"

// StoreQueue persists the queue as one JSON array inside a local Store, the
// same way the cached records are kept.
type StoreQueue struct {
	mu    sync.Mutex
	store store.Store
	key   string
}

// NewStoreQueue builds a queue kept under StoreKey in s.
func NewStoreQueue(s store.Store) *StoreQueue {
	return &StoreQueue{store: s, key: StoreKey}
}

func (q *StoreQueue) load(ctx context.Context) ([]Item, error) {
	var items []Item
	if _, err := store.GetJSON(ctx, q.store, q.key, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *StoreQueue) Push(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	return store.SetJSON(ctx, q.store, q.key, append(items, item))
}

func (q *StoreQueue) Drain(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := store.SetJSON(ctx, q.store, q.key, []Item{}); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *StoreQueue) Items(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *StoreQueue) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	return len(items), err
}

// RedisQueue implements a Redis list-backed queue. Entries that cannot be
// decoded are moved to a dead-letter list on Drain.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using RPUSH and an atomic LRANGE+DEL drain.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendsync:queue"
	}
	return &RedisQueue{client: client, key: key}
}

// DeadKey is the list holding undecodable entries.
func (q *RedisQueue) DeadKey() string { return q.key + ":dead" }

func (q *RedisQueue) Push(ctx context.Context, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, raw).Err()
}

// Drain returns every decodable entry. When the dead-letter push fails the
// decoded items are still returned, along with the error.
func (q *RedisQueue) Drain(ctx context.Context) ([]Item, error) {
	var lrange *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, q.key, 0, -1)
		pipe.Del(ctx, q.key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	items, bad := decodeAll(lrange.Val())
	if len(bad) > 0 {
		if err := q.client.RPush(ctx, q.DeadKey(), bad...).Err(); err != nil {
			return items, fmt.Errorf("dead-letter %d queue entries: %w", len(bad), err)
		}
	}
	return items, nil
}

// Items returns the decodable entries.
func (q *RedisQueue) Items(ctx context.Context) ([]Item, error) {
	vals, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	items, _ := decodeAll(vals)
	return items, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

// DeadLetters returns the raw entries moved aside by Drain.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.DeadKey(), 0, -1).Result()
}

func decodeAll(vals []string) (items []Item, bad []any) {
	items = make([]Item, 0, len(vals))
	for _, v := range vals {
		var it Item
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			bad = append(bad, v)
			continue
		}
		items = append(items, it)
	}
	return items, bad
}
