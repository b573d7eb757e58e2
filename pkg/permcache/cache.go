package permcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
)

const (
	rolePrefix     = "perm:role:"
	userPrefix     = "perm:user:"
	resourcePrefix = "perm:resource:"
	tagPrefix      = "perm:tag:"

	// RoleTTL is long because role definitions change rarely
	RoleTTL = 24 * time.Hour

	// UserTTL is short because user role membership changes
	UserTTL = time.Hour
)

// Cache stores computed permission sets in the key-value store. On
// store failure reads degrade to a miss and the caller recomputes;
// writes fail silently.
type Cache struct {
	kv     kv.Store
	logger zerolog.Logger
}

// New creates a permission cache
func New(store kv.Store) *Cache {
	return &Cache{
		kv:     store,
		logger: log.WithComponent("permcache"),
	}
}

// setWithTags stores the entry and registers it under each tag in one
// atomic step
var setWithTags = kv.NewScript("permcache_set", func(tx kv.Tx, keys []string, args []string) (any, error) {
	entryKey := keys[0]
	ttl, err := time.ParseDuration(args[0])
	if err != nil {
		return nil, err
	}
	tx.SetEx(entryKey, ttl, args[1])
	for _, tagKey := range keys[1:] {
		if _, err := tx.SAdd(tagKey, entryKey); err != nil {
			return nil, err
		}
	}
	return nil, nil
})

// invalidateTag deletes every key registered under the tag, then the
// tag set itself, atomically
var invalidateTag = kv.NewScript("permcache_invalidate_tag", func(tx kv.Tx, keys []string, args []string) (any, error) {
	tagKey := keys[0]
	members, err := tx.SMembers(tagKey)
	if err != nil {
		return nil, err
	}
	removed := tx.Delete(members...)
	tx.Delete(tagKey)
	return removed, nil
})

func (c *Cache) get(ctx context.Context, key string) ([]string, bool) {
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var permissions []string
	if err := json.Unmarshal([]byte(raw), &permissions); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return nil, false
	}
	return permissions, true
}

func (c *Cache) set(ctx context.Context, key string, permissions []string, ttl time.Duration, tags []string) {
	payload, err := json.Marshal(permissions)
	if err != nil {
		return
	}
	keys := append([]string{key}, tagKeys(tags)...)
	if _, err := c.kv.Eval(ctx, setWithTags, keys, []string{ttl.String(), string(payload)}); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func tagKeys(tags []string) []string {
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = tagPrefix + tag
	}
	return keys
}

// GetRolePermissions returns the cached permission set for a role
func (c *Cache) GetRolePermissions(ctx context.Context, role string) ([]string, bool) {
	return c.get(ctx, rolePrefix+role)
}

// SetRolePermissions caches a role's permission set for RoleTTL
func (c *Cache) SetRolePermissions(ctx context.Context, role string, permissions []string, tags ...string) {
	c.set(ctx, rolePrefix+role, permissions, RoleTTL, tags)
}

// GetUserPermissions returns the cached permission set for a user
func (c *Cache) GetUserPermissions(ctx context.Context, userID string) ([]string, bool) {
	return c.get(ctx, userPrefix+userID)
}

// SetUserPermissions caches a user's permission set for UserTTL
func (c *Cache) SetUserPermissions(ctx context.Context, userID string, permissions []string, tags ...string) {
	c.set(ctx, userPrefix+userID, permissions, UserTTL, tags)
}

// GetResourcePermissions returns cached per-resource permissions
func (c *Cache) GetResourcePermissions(ctx context.Context, resourceType, resourceID string) ([]string, bool) {
	return c.get(ctx, resourcePrefix+resourceType+":"+resourceID)
}

// SetResourcePermissions caches per-resource permissions for UserTTL
func (c *Cache) SetResourcePermissions(ctx context.Context, resourceType, resourceID string, permissions []string, tags ...string) {
	c.set(ctx, resourcePrefix+resourceType+":"+resourceID, permissions, UserTTL, tags)
}

// InvalidateRole drops a role's cached entry
func (c *Cache) InvalidateRole(ctx context.Context, role string) {
	if _, err := c.kv.Delete(ctx, rolePrefix+role); err != nil {
		c.logger.Debug().Err(err).Msg("Cache invalidation failed")
	}
}

// InvalidateUser drops a user's cached entry
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if _, err := c.kv.Delete(ctx, userPrefix+userID); err != nil {
		c.logger.Debug().Err(err).Msg("Cache invalidation failed")
	}
}

// InvalidateTag removes every entry bearing the tag and the tag set
// itself in one atomic operation. Returns the number of entries removed.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) int {
	result, err := c.kv.Eval(ctx, invalidateTag, []string{tagPrefix + tag}, nil)
	if err != nil {
		c.logger.Debug().Err(err).Str("tag", tag).Msg("Tag invalidation failed")
		return 0
	}
	removed, _ := result.(int)
	return removed
}
