package permission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const (
	// CacheTTL is the default time-to-live for cached permission values.
	CacheTTL = 300 * time.Second

	// CachePrefix is the key prefix for cached permissions in Valkey.
	CachePrefix = "perms"

	// InvalidateChannel is the pub/sub channel for cache invalidation.
	InvalidateChannel = "harbor.cache.invalidate"

	// scanBatchSize is the number of keys to retrieve per SCAN iteration.
	scanBatchSize = 100
)

func cacheKey(guildID, userID snowflake.ID) string {
	return CachePrefix + ":" + guildID.String() + ":" + userID.String()
}

// Cache provides get/set/delete operations for computed permission values.
type Cache interface {
	Get(ctx context.Context, guildID, userID snowflake.ID) (permissions.Permission, bool, error)
	Set(ctx context.Context, guildID, userID snowflake.ID, perm permissions.Permission) error
	DeleteByUser(ctx context.Context, userID snowflake.ID) error
	DeleteByGuild(ctx context.Context, guildID snowflake.ID) error
	DeleteExact(ctx context.Context, guildID, userID snowflake.ID) error
}

// ValkeyCache implements Cache using Valkey/Redis.
type ValkeyCache struct {
	Client *redis.Client
}

// NewValkeyCache creates a new Valkey-backed permission cache.
func NewValkeyCache(client *redis.Client) *ValkeyCache {
	return &ValkeyCache{Client: client}
}

func (c *ValkeyCache) Get(ctx context.Context, guildID, userID snowflake.ID) (permissions.Permission, bool, error) {
	val, err := c.Client.Get(ctx, cacheKey(guildID, userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache get: %w", err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached permission: %w", err)
	}

	return permissions.Permission(n), true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, guildID, userID snowflake.ID, perm permissions.Permission) error {
	err := c.Client.Set(ctx, cacheKey(guildID, userID), perm.String(), CacheTTL).Err()
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) DeleteByUser(ctx context.Context, userID snowflake.ID) error {
	return c.scanAndDelete(ctx, CachePrefix+":*:"+userID.String())
}

func (c *ValkeyCache) DeleteByGuild(ctx context.Context, guildID snowflake.ID) error {
	return c.scanAndDelete(ctx, CachePrefix+":"+guildID.String()+":*")
}

func (c *ValkeyCache) DeleteExact(ctx context.Context, guildID, userID snowflake.ID) error {
	return c.Client.Del(ctx, cacheKey(guildID, userID)).Err()
}

func (c *ValkeyCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.Client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
