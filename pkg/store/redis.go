package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexchat/cortex/pkg/config"
)

const cacheKeyPrefix = "cortex"

// RegistryCache is a read-through Redis cache over the MySQL registry
// tables (operator, model, user, tools). Cache trouble is never fatal:
// misses and Redis errors fall back to MySQL, hits are refilled
// best-effort.
type RegistryCache struct {
	rdb   *redis.Client
	store *MySQLStore
	ttl   time.Duration
}

func NewRegistryCache(cfg config.RedisConfig, store *MySQLStore) *RegistryCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RegistryCache{
		rdb:   rdb,
		store: store,
		ttl:   time.Hour,
	}
}

// NewRegistryCacheWithClient wires an existing client, used by tests.
func NewRegistryCacheWithClient(rdb *redis.Client, store *MySQLStore) *RegistryCache {
	return &RegistryCache{rdb: rdb, store: store, ttl: time.Hour}
}

func (c *RegistryCache) Close() error {
	return c.rdb.Close()
}

// Refresh reloads all registry tables into the cache. Called at startup;
// failures are logged and the cache stays cold.
func (c *RegistryCache) Refresh(ctx context.Context) {
	operators, err := c.store.Operators(ctx)
	if err == nil {
		for _, rec := range operators {
			c.fill(ctx, recordKey("operator", rec.Operator), rec)
		}
	} else {
		slog.Warn("failed to refresh operator cache", "error", err)
	}

	models, err := c.store.Models(ctx)
	if err == nil {
		for _, rec := range models {
			c.fill(ctx, recordKey("model", rec.ModelName), rec)
		}
	} else {
		slog.Warn("failed to refresh model cache", "error", err)
	}

	users, err := c.store.Users(ctx)
	if err == nil {
		for _, rec := range users {
			c.fill(ctx, recordKey("user", rec.UserName), rec)
		}
	} else {
		slog.Warn("failed to refresh user cache", "error", err)
	}

	tools, err := c.store.Tools(ctx)
	if err == nil {
		for _, rec := range tools {
			c.fill(ctx, recordKey("tools", rec.Name), rec)
		}
	} else {
		slog.Warn("failed to refresh tools cache", "error", err)
	}
}

func (c *RegistryCache) Operator(ctx context.Context, name string) (OperatorRecord, error) {
	key := recordKey("operator", name)
	var rec OperatorRecord
	if c.lookup(ctx, key, &rec) {
		return rec, nil
	}
	rec, err := c.store.Operator(ctx, name)
	if err != nil {
		return OperatorRecord{}, fmt.Errorf("operator '%s' not found: %w", name, err)
	}
	c.fill(ctx, key, rec)
	return rec, nil
}

func (c *RegistryCache) Model(ctx context.Context, name string) (ModelRecord, error) {
	key := recordKey("model", name)
	var rec ModelRecord
	if c.lookup(ctx, key, &rec) {
		return rec, nil
	}
	rec, err := c.store.Model(ctx, name)
	if err != nil {
		return ModelRecord{}, fmt.Errorf("model '%s' not found: %w", name, err)
	}
	c.fill(ctx, key, rec)
	return rec, nil
}

func (c *RegistryCache) User(ctx context.Context, name string) (UserRecord, error) {
	key := recordKey("user", name)
	var rec UserRecord
	if c.lookup(ctx, key, &rec) {
		return rec, nil
	}
	rec, err := c.store.User(ctx, name)
	if err != nil {
		return UserRecord{}, fmt.Errorf("user '%s' not found: %w", name, err)
	}
	c.fill(ctx, key, rec)
	return rec, nil
}

func (c *RegistryCache) Tool(ctx context.Context, name string) (ToolRecord, error) {
	key := recordKey("tools", name)
	var rec ToolRecord
	if c.lookup(ctx, key, &rec) {
		return rec, nil
	}
	rec, err := c.store.Tool(ctx, name)
	if err != nil {
		return ToolRecord{}, fmt.Errorf("tool '%s' not found: %w", name, err)
	}
	c.fill(ctx, key, rec)
	return rec, nil
}

// lookup reports whether the key was present and decoded. Redis errors
// count as misses.
func (c *RegistryCache) lookup(ctx context.Context, key string, out any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis lookup failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("corrupt cache entry", "key", key, "error", err)
		return false
	}
	return true
}

func (c *RegistryCache) fill(ctx context.Context, key string, rec any) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Warn("redis fill failed", "key", key, "error", err)
	}
}

func recordKey(table, id string) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, table, id)
}
