package bom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "bom:snapshot:version"

// ErrCacheUnavailable wraps Redis failures so callers can fall back to a direct read.
var ErrCacheUnavailable = errors.New("bom: snapshot cache unavailable")

// Cache stores resolved snapshots in Redis under a global version that every
// graph mutation bumps. A nil Cache or a zero TTL disables caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether lookups go through Redis.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return c.Version(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return ver, nil
}

// SnapshotKey composes the versioned key for a BOM snapshot.
func (c *Cache) SnapshotKey(ctx context.Context, bomID int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return "bom:snapshot:" + strconv.FormatInt(bomID, 10) + ":" + strconv.FormatInt(ver, 10), nil
}

// FetchSnapshot returns the cached snapshot for bomID or stores the one produced by load.
// The boolean reports a cache hit. Errors from load are returned unchanged.
func (c *Cache) FetchSnapshot(ctx context.Context, bomID int64, load func(context.Context) (Snapshot, error)) (Snapshot, bool, error) {
	if load == nil {
		return Snapshot{}, false, errors.New("bom: snapshot loader required")
	}
	if !c.Enabled() {
		snap, err := load(ctx)
		return snap, false, err
	}
	key, err := c.SnapshotKey(ctx, bomID)
	if err != nil {
		return Snapshot{}, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err == nil {
			return snap, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Snapshot{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	snap, err := load(ctx)
	if err != nil {
		return Snapshot{}, false, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return snap, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return snap, false, nil
}

// Bump invalidates every cached snapshot by moving to a new version.
func (c *Cache) Bump(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
