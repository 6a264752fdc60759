package rbac

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheKey addresses one resolution. An empty OrganizationID is the global
// resolution of the principal.
type CacheKey struct {
	PrincipalID    string
	OrganizationID string
}

// String is unique per key. Both parts are escaped so that ids containing
// separators cannot collide.
func (k CacheKey) String() string {
	if k.OrganizationID == "" {
		return "global/" + url.QueryEscape(k.PrincipalID)
	}
	return fmt.Sprintf("org/%s/%s", url.QueryEscape(k.PrincipalID), url.QueryEscape(k.OrganizationID))
}

// CacheEntry is a resolved permission map plus the roles it was built from
type CacheEntry struct {
	Permissions map[string]DataScope `json:"permissions"`
	RoleIDs     []int64              `json:"role_ids"`
	Generation  uint64               `json:"generation"`
}

// Cache stores resolutions. Implementations must drop a Set whose entry
// Generation is older than the current generation, and every invalidation
// must advance the generation.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error)
	Set(ctx context.Context, key CacheKey, entry *CacheEntry) error
	InvalidatePrincipal(ctx context.Context, principalID string) error
	InvalidateRole(ctx context.Context, roleID int64) error
	Flush(ctx context.Context) error
	Generation(ctx context.Context) (uint64, error)
}

// NopCache caches nothing
type NopCache struct{}

func (NopCache) Get(context.Context, CacheKey) (*CacheEntry, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, CacheKey, *CacheEntry) error         { return nil }
func (NopCache) InvalidatePrincipal(context.Context, string) error        { return nil }
func (NopCache) InvalidateRole(context.Context, int64) error              { return nil }
func (NopCache) Flush(context.Context) error                              { return nil }
func (NopCache) Generation(context.Context) (uint64, error)               { return 0, nil }

// MemoryCache is an in-process, size and TTL bounded Cache
type MemoryCache struct {
	lru *expirable.LRU[CacheKey, *CacheEntry]

	mu          sync.Mutex
	generation  uint64
	byPrincipal map[string]map[CacheKey]struct{}
	byRole      map[int64]map[CacheKey]struct{}
	roles       map[CacheKey][]int64

	// evicted collects keys dropped by the LRU. The eviction callback runs
	// under the LRU lock and may only touch evMu.
	evMu    sync.Mutex
	evicted []CacheKey
}

// NewMemoryCache creates a cache holding at most size entries for ttl each
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	c := &MemoryCache{
		byPrincipal: make(map[string]map[CacheKey]struct{}),
		byRole:      make(map[int64]map[CacheKey]struct{}),
		roles:       make(map[CacheKey][]int64),
	}
	c.lru = expirable.NewLRU[CacheKey, *CacheEntry](size, c.onEvict, ttl)
	return c
}

func (c *MemoryCache) onEvict(key CacheKey, _ *CacheEntry) {
	c.evMu.Lock()
	c.evicted = append(c.evicted, key)
	c.evMu.Unlock()
}

// drainEvicted unindexes evicted keys that have not been set again.
// Caller holds c.mu.
func (c *MemoryCache) drainEvicted() {
	c.evMu.Lock()
	keys := c.evicted
	c.evicted = nil
	c.evMu.Unlock()

	for _, key := range keys {
		if c.lru.Contains(key) {
			continue
		}
		c.unindex(key)
	}
}

// Caller holds c.mu.
func (c *MemoryCache) index(key CacheKey, roleIDs []int64) {
	c.unindex(key)

	keys, ok := c.byPrincipal[key.PrincipalID]
	if !ok {
		keys = make(map[CacheKey]struct{})
		c.byPrincipal[key.PrincipalID] = keys
	}
	keys[key] = struct{}{}

	for _, id := range roleIDs {
		keys, ok := c.byRole[id]
		if !ok {
			keys = make(map[CacheKey]struct{})
			c.byRole[id] = keys
		}
		keys[key] = struct{}{}
	}
	c.roles[key] = append([]int64(nil), roleIDs...)
}

// Caller holds c.mu.
func (c *MemoryCache) unindex(key CacheKey) {
	if keys, ok := c.byPrincipal[key.PrincipalID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byPrincipal, key.PrincipalID)
		}
	}
	for _, id := range c.roles[key] {
		if keys, ok := c.byRole[id]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byRole, id)
			}
		}
	}
	delete(c.roles, key)
}

// Get returns a cached entry
func (c *MemoryCache) Get(_ context.Context, key CacheKey) (*CacheEntry, bool, error) {
	entry, ok := c.lru.Get(key)
	return entry, ok, nil
}

// Set stores entry unless an invalidation happened since it was loaded
func (c *MemoryCache) Set(_ context.Context, key CacheKey, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainEvicted()
	if entry.Generation != c.generation {
		return nil
	}
	c.index(key, entry.RoleIDs)
	c.lru.Add(key, entry)
	return nil
}

// InvalidatePrincipal drops every entry of a principal
func (c *MemoryCache) InvalidatePrincipal(_ context.Context, principalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.drainEvicted()
	for key := range c.byPrincipal[principalID] {
		c.lru.Remove(key)
		c.unindex(key)
	}
	return nil
}

// InvalidateRole drops every entry built from a role
func (c *MemoryCache) InvalidateRole(_ context.Context, roleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.drainEvicted()
	for key := range c.byRole[roleID] {
		c.lru.Remove(key)
		c.unindex(key)
	}
	return nil
}

// Flush drops everything
func (c *MemoryCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.lru.Purge()
	c.byPrincipal = make(map[string]map[CacheKey]struct{})
	c.byRole = make(map[int64]map[CacheKey]struct{})
	c.roles = make(map[CacheKey][]int64)

	c.evMu.Lock()
	c.evicted = nil
	c.evMu.Unlock()
	return nil
}

// Generation returns the invalidation counter
func (c *MemoryCache) Generation(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

// Len returns the number of live entries
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
