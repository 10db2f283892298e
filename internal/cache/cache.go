// Package cache wraps the persistent store's cache partition with TTL
// semantics: writes carry an expiry, expired reads behave as misses and are
// purged lazily. A bounded in-memory hot map sits in front of the store so
// repeated reads of live entries skip SQLite entirely.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/driftsync/driftsync/internal/store"
)

// EventType identifies a cache change notification.
type EventType string

const (
	// EventWrite indicates a key was written or overwritten.
	EventWrite EventType = "cache_write"
	// EventInvalidate indicates a key was removed.
	EventInvalidate EventType = "cache_invalidate"
)

// Event is published after a successful write or invalidation so the
// cross-tab coordinator can keep other processes' hot maps consistent.
type Event struct {
	Type EventType
	Key  string
}

// Entry is the persisted envelope for a cached value. ExpiresAt nil means
// the entry never expires.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// expired reports whether the entry is past its expiry at the given time.
func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Config holds cache configuration.
type Config struct {
	// HotSize bounds the in-memory hot map (default: 1024 entries).
	HotSize int

	// OnEvent receives change notifications. May be nil.
	OnEvent func(Event)

	// Logger for sweep activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Cache is the TTL layer over the store's cache partition.
type Cache struct {
	store   store.Store
	hot     *expirable.LRU[string, Entry]
	onEvent func(Event)
	logger  *log.Logger
	now     func() time.Time
}

// New creates a Cache over the given store.
func New(st store.Store, config Config) *Cache {
	if config.HotSize <= 0 {
		config.HotSize = 1024
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		store: st,
		// Expiry is enforced against each entry's own deadline; the LRU
		// only bounds memory, so its shared TTL stays disabled.
		hot:     expirable.NewLRU[string, Entry](config.HotSize, nil, 0),
		onEvent: config.OnEvent,
		logger:  config.Logger,
		now:     time.Now,
	}
}

// Read returns the cached value for key, or a miss. A hit whose expiry has
// passed is deleted and reported as a miss.
func (c *Cache) Read(ctx context.Context, key string) ([]byte, bool, error) {
	now := c.now()

	if entry, ok := c.hot.Get(key); ok {
		if !entry.expired(now) {
			return entry.Value, true, nil
		}
		if err := c.purge(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	raw, ok, err := c.store.Get(ctx, store.PartitionCache, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Unreadable entry: drop it and report a miss.
		c.logger.Printf("Dropping corrupt cache entry %s: %v", key, err)
		if err := c.purge(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if entry.expired(now) {
		if err := c.purge(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	c.hot.Add(key, entry)
	return entry.Value, true, nil
}

// Write stores value under key with the given ttl (0 = never expires).
// The hot map and the persistent store are updated write-through, so a
// crash immediately after Write returns never loses the value.
func (c *Cache) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.now()
	entry := Entry{
		Key:      key,
		Value:    append(json.RawMessage(nil), value...),
		StoredAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}
	if err := c.store.Set(ctx, store.PartitionCache, key, raw); err != nil {
		return fmt.Errorf("failed to persist cache entry %s: %w", key, err)
	}
	c.hot.Add(key, entry)

	c.publish(Event{Type: EventWrite, Key: key})
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.purge(ctx, key); err != nil {
		return err
	}
	c.publish(Event{Type: EventInvalidate, Key: key})
	return nil
}

// InvalidatePrefix removes every key with the given prefix, e.g. "pet:".
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	keys, err := c.store.ListKeys(ctx, store.PartitionCache)
	if err != nil {
		return fmt.Errorf("failed to list cache keys: %w", err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := c.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	// Hot entries may exist for keys already gone from the store.
	for _, key := range c.hot.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.hot.Remove(key)
		}
	}
	return nil
}

// Drop removes key from the hot map only. Used when another process
// reports an invalidation it has already persisted.
func (c *Cache) Drop(key string) {
	c.hot.Remove(key)
}

// SweepExpired deletes expired entries from the store. Advisory cleanup:
// expired reads already self-correct, the sweep just reclaims space.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	keys, err := c.store.ListKeys(ctx, store.PartitionCache)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	now := c.now()
	swept := 0
	for _, key := range keys {
		raw, ok, err := c.store.Get(ctx, store.PartitionCache, key)
		if err != nil {
			return swept, err
		}
		if !ok {
			continue
		}
		var entry Entry
		// Corrupt entries count as expired.
		stale := json.Unmarshal(raw, &entry) != nil || entry.expired(now)
		if !stale {
			continue
		}
		if err := c.purge(ctx, key); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		c.logger.Printf("Swept %d expired cache entries", swept)
	}
	return swept, nil
}

// RunSweeper sweeps at startup and then on every interval tick until ctx is
// cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if _, err := c.SweepExpired(ctx); err != nil {
		c.logger.Printf("Startup sweep failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				c.logger.Printf("Sweep failed: %v", err)
			}
		}
	}
}

func (c *Cache) purge(ctx context.Context, key string) error {
	c.hot.Remove(key)
	if err := c.store.Delete(ctx, store.PartitionCache, key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

func (c *Cache) publish(event Event) {
	if c.onEvent != nil {
		c.onEvent(event)
	}
}
