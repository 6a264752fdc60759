package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/gatehouse/pkg/config"
)

// NewRedisClient creates a redis client from cache settings and checks the
// connection
func NewRedisClient(cfg config.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisCache is a Cache shared by every gatehouse replica
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps client. Keys are namespaced by prefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// ids are escaped so that a ':' inside one cannot shift the boundary
func (c *RedisCache) entryKey(key CacheKey) string {
	return fmt.Sprintf("%sperm:%s:%s", c.prefix, url.QueryEscape(key.PrincipalID), url.QueryEscape(key.OrganizationID))
}

func (c *RedisCache) principalKey(principalID string) string {
	return c.prefix + "principal:" + url.QueryEscape(principalID)
}

func (c *RedisCache) roleKey(roleID int64) string {
	return c.prefix + "role:" + strconv.FormatInt(roleID, 10)
}

func (c *RedisCache) generationKey() string {
	return c.prefix + "generation"
}

// Get returns a cached entry. A corrupt entry is deleted and reported.
func (c *RedisCache) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error) {
	k := c.entryKey(key)
	data, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.client.Del(ctx, k)
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, true, nil
}

// Set stores entry in a transaction watching the generation counter, so a
// concurrent invalidation makes the write a no-op.
func (c *RedisCache) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	k := c.entryKey(key)
	genKey := c.generationKey()
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if current != entry.Generation {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, c.ttl)

			pk := c.principalKey(key.PrincipalID)
			pipe.SAdd(ctx, pk, k)
			pipe.Expire(ctx, pk, c.ttl)

			for _, id := range entry.RoleIDs {
				rk := c.roleKey(id)
				pipe.SAdd(ctx, rk, k)
				pipe.Expire(ctx, rk, c.ttl)
			}
			return nil
		})
		return err
	}, genKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// InvalidatePrincipal drops every entry of a principal
func (c *RedisCache) InvalidatePrincipal(ctx context.Context, principalID string) error {
	return c.invalidateIndex(ctx, c.principalKey(principalID))
}

// InvalidateRole drops every entry built from a role
func (c *RedisCache) InvalidateRole(ctx context.Context, roleID int64) error {
	return c.invalidateIndex(ctx, c.roleKey(roleID))
}

func (c *RedisCache) invalidateIndex(ctx context.Context, indexKey string) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump generation: %w", err)
	}

	members, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}

	keys := append(members, indexKey)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

// Flush deletes every key under the prefix except the generation counter,
// then bumps the counter
func (c *RedisCache) Flush(ctx context.Context) error {
	genKey := c.generationKey()
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if iter.Val() == genKey {
			continue
		}
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if err := c.client.Incr(ctx, genKey).Err(); err != nil {
		return fmt.Errorf("failed to bump generation: %w", err)
	}
	return nil
}

// Generation returns the shared invalidation counter
func (c *RedisCache) Generation(ctx context.Context) (uint64, error) {
	return readGeneration(ctx, c.client, c.generationKey())
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd getter, key string) (uint64, error) {
	gen, err := cmd.Get(ctx, key).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return gen, nil
}
