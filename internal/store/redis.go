package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
)

// Redis wraps a redis client and exposes it as a namespaced Store.
type Redis struct {
	Client    *redis.Client
	namespace string
}

// NewRedis connects to redis with short timeouts. Keys are stored as
// "<namespace>:<key>".
func NewRedis(addr, namespace string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return NewRedisFromClient(client, namespace)
}

// NewRedisFromClient builds a store over an existing client.
func NewRedisFromClient(client *redis.Client, namespace string) *Redis {
	return &Redis{Client: client, namespace: namespace}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) full(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.Client.Get(ctx, r.full(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound(key)
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.Client.Set(ctx, r.full(key), value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, r.full(key)).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.full(globEscape(prefix)) + "*"
	strip := r.full("")
	var keys []string
	iter := r.Client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), strip))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
