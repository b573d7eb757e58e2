package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func TestRoleRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := New(kv.NewMemory())

	_, ok := cache.GetRolePermissions(ctx, "faculty")
	assert.False(t, ok)

	cache.SetRolePermissions(ctx, "faculty", []string{"schedule:read", "schedule:write"})

	permissions, ok := cache.GetRolePermissions(ctx, "faculty")
	require.True(t, ok)
	assert.Equal(t, []string{"schedule:read", "schedule:write"}, permissions)

	cache.InvalidateRole(ctx, "faculty")
	_, ok = cache.GetRolePermissions(ctx, "faculty")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })

	cache := New(mem)
	cache.SetUserPermissions(ctx, "u1", []string{"schedule:read"})
	cache.SetRolePermissions(ctx, "admin", []string{"admin:all"})

	// User entries expire after an hour; role entries last a day
	now = now.Add(UserTTL + time.Minute)
	_, ok := cache.GetUserPermissions(ctx, "u1")
	assert.False(t, ok)
	_, ok = cache.GetRolePermissions(ctx, "admin")
	assert.True(t, ok)

	now = now.Add(RoleTTL)
	_, ok = cache.GetRolePermissions(ctx, "admin")
	assert.False(t, ok)
}

func TestTagInvalidationRemovesAllTaggedEntries(t *testing.T) {
	ctx := context.Background()
	cache := New(kv.NewMemory())

	cache.SetUserPermissions(ctx, "123", []string{"a"}, "user:123")
	cache.SetResourcePermissions(ctx, "schedule", "s1", []string{"b"}, "user:123")
	cache.SetUserPermissions(ctx, "456", []string{"c"}, "user:456")

	removed := cache.InvalidateTag(ctx, "user:123")
	assert.Equal(t, 2, removed)

	_, ok := cache.GetUserPermissions(ctx, "123")
	assert.False(t, ok)
	_, ok = cache.GetResourcePermissions(ctx, "schedule", "s1")
	assert.False(t, ok)

	// Untagged entries survive
	_, ok = cache.GetUserPermissions(ctx, "456")
	assert.True(t, ok)

	// Invalidating an unknown tag is a no-op
	assert.Zero(t, cache.InvalidateTag(ctx, "user:999"))
}

// downStore simulates an unavailable backing store
type downStore struct {
	kv.Store
}

func (downStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, kv.ErrUnavailable
}

func (downStore) Eval(ctx context.Context, script *kv.Script, keys []string, args []string) (any, error) {
	return nil, kv.ErrUnavailable
}

func TestStoreUnavailable_ReadsMissWritesSilent(t *testing.T) {
	ctx := context.Background()
	cache := New(downStore{kv.NewMemory()})

	// Writes fail silently
	cache.SetRolePermissions(ctx, "faculty", []string{"x"})

	// Reads degrade to a miss
	_, ok := cache.GetRolePermissions(ctx, "faculty")
	assert.False(t, ok)

	assert.Zero(t, cache.InvalidateTag(ctx, "user:1"))
}
