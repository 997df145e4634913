package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrEntryNotFound is returned when a backend has no entry with the given id.
var ErrEntryNotFound = errors.New("memory entry not found")

const defaultRedisPrefix = "nuka:memory:"

// RedisBackend keeps each entry in a hash and orders ids in a sorted set by
// creation time. Searches scan the newest entries and score them locally.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(redisURL, prefix string, logger *zap.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (b *RedisBackend) entryKey(id string) string { return b.prefix + "entry:" + id }
func (b *RedisBackend) indexKey() string         { return b.prefix + "index" }

// Add writes the entry hash and indexes it.
func (b *RedisBackend) Add(ctx context.Context, e *Entry) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.entryKey(e.ID), toArgs(entryFields(e)))
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(e.Timestamp.UnixNano()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add %s: %w", e.ID, err)
	}
	return nil
}

// Search scores the newest entries against the query.
func (b *RedisBackend) Search(ctx context.Context, q SearchQuery) ([]QueryResult, error) {
	ids, err := b.rdb.ZRevRange(ctx, b.indexKey(), 0, scanBackendCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load entries: %w", err)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		entries = append(entries, entryFromFields(fields))
	}
	return rankScanned(entries, q), nil
}

// Update overwrites the patched fields of an existing entry.
func (b *RedisBackend) Update(ctx context.Context, id string, p Patch) error {
	n, err := b.rdb.Exists(ctx, b.entryKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("redis update %s: %w", id, ErrEntryNotFound)
	}
	fields := patchFields(p)
	if len(fields) == 0 {
		return nil
	}
	return b.rdb.HSet(ctx, b.entryKey(id), toArgs(fields)).Err()
}

// Delete removes an entry and its index member.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.entryKey(id))
	pipe.ZRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// Clear removes every entry under the prefix.
func (b *RedisBackend) Clear(ctx context.Context) error {
	ids, err := b.rdb.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis index: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, b.entryKey(id))
	}
	keys = append(keys, b.indexKey())
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	b.logger.Info("redis memory cleared", zap.Int("entries", len(ids)))
	return nil
}

// Close shuts down the Redis connection.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func toArgs(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
