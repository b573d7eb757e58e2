package ratelimit

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

// clockedLimiter returns a limiter whose time is driven by the test
func clockedLimiter() (*Limiter, *time.Time) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewLimiter(kv.NewMemory())
	limiter.SetClock(func() time.Time { return now })
	return limiter, &now
}

func TestTierForRole(t *testing.T) {
	assert.Equal(t, TierAdmin, TierForRole("admin"))
	assert.Equal(t, TierPremium, TierForRole("Faculty"))
	assert.Equal(t, TierStandard, TierForRole("resident"))
	assert.Equal(t, TierStandard, TierForRole("rn"))
	assert.Equal(t, TierFree, TierForRole(""))
	assert.Equal(t, TierFree, TierForRole("visitor"))
}

func TestEndpointLimitFor(t *testing.T) {
	limit, ok := EndpointLimitFor("/api/schedule/generate")
	require.True(t, ok)
	assert.Equal(t, 2, limit.PerMinute)
	assert.Equal(t, 20, limit.PerHour)
	assert.Equal(t, 1, limit.BurstSize)

	_, ok = EndpointLimitFor("/api/people")
	assert.False(t, ok)
}

func TestBurstThenSustainedRate(t *testing.T) {
	ctx := context.Background()
	limiter, now := clockedLimiter()
	start := *now

	// Burst of 20 in 50ms: the whole bucket drains, all allowed
	for i := 0; i < 20; i++ {
		*now = start.Add(time.Duration(i) * 2 * time.Millisecond)
		result, err := limiter.Check(ctx, "user:1", "/api/people", "resident")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "burst request %d should pass", i+1)
		assert.Equal(t, TierStandard, result.Tier)
	}

	// 21st within the same second: bucket empty, refill not yet enough
	*now = start.Add(500 * time.Millisecond)
	result, err := limiter.Check(ctx, "user:1", "/api/people", "resident")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "bucket", result.Gate)

	// After a second of refill, one request passes
	*now = start.Add(1500 * time.Millisecond)
	result, err = limiter.Check(ctx, "user:1", "/api/people", "resident")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// Sustained 1/s: 39 more pass, then the per-minute window closes
	allowed := 0
	for i := 0; i < 40; i++ {
		*now = start.Add(2500*time.Millisecond + time.Duration(i)*time.Second)
		result, err = limiter.Check(ctx, "user:1", "/api/people", "resident")
		require.NoError(t, err)
		if result.Allowed {
			allowed++
		} else {
			assert.Equal(t, "minute", result.Gate)
		}
	}
	assert.Equal(t, 39, allowed, "sustained phase should admit up to the 60/min cap")
}

func TestWindowSlidesOpenAgain(t *testing.T) {
	ctx := context.Background()
	limiter, now := clockedLimiter()
	start := *now

	// Push at twice the refill rate until a gate closes
	denied := false
	for i := 0; i < 120; i++ {
		*now = start.Add(time.Duration(i) * 500 * time.Millisecond)
		result, err := limiter.Check(ctx, "user:2", "/api/people", "resident")
		require.NoError(t, err)
		if !result.Allowed {
			denied = true
			break
		}
	}
	require.True(t, denied, "sustained over-rate traffic must be denied")

	// Old entries age out of the window
	*now = now.Add(61 * time.Second)
	result, err := limiter.Check(ctx, "user:2", "/api/people", "resident")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestInternalTierAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(kv.NewMemory())

	for i := 0; i < 500; i++ {
		result, err := limiter.Check(ctx, "svc:internal", "/api/schedule/generate", "internal")
		require.NoError(t, err)
		require.True(t, result.Allowed)
		assert.Equal(t, TierInternal, result.Tier)
	}
}

func TestEndpointOverrideTightensCaps(t *testing.T) {
	ctx := context.Background()
	limiter, now := clockedLimiter()
	start := *now

	// Schedule generation: burst 1, 2/min even for premium users
	result, err := limiter.Check(ctx, "user:3", "/api/schedule/generate", "faculty")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	assert.Equal(t, 2, result.LimitMinute)

	*now = start.Add(100 * time.Millisecond)
	result, err = limiter.Check(ctx, "user:3", "/api/schedule/generate", "faculty")
	require.NoError(t, err)
	assert.False(t, result.Allowed, "burst capacity of one is spent")

	// The same user is not throttled on ordinary endpoints
	result, err = limiter.Check(ctx, "user:3", "/api/people", "faculty")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

// downStore simulates an unreachable backing store
type downStore struct {
	kv.Store
}

func (downStore) Eval(ctx context.Context, script *kv.Script, keys []string, args []string) (any, error) {
	return nil, kv.ErrUnavailable
}

func (downStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return nil, kv.ErrUnavailable
}

func TestStoreUnavailableFailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(downStore{kv.NewMemory()})

	for i := 0; i < 50; i++ {
		result, err := limiter.Check(ctx, "user:4", "/api/people", "resident")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "store failure must never block traffic")
	}
}

func TestCustomPolicyOverridesTierAndExpires(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })

	limiter := NewLimiter(mem)
	limiter.SetClock(func() time.Time { return now })

	// A strict one-request-per-minute policy for this user
	require.NoError(t, limiter.SetCustomPolicy(ctx, "user:5", TierConfig{
		PerMinute: 1, PerHour: 10, BurstSize: 1, RefillRate: 0.01,
	}))

	result, err := limiter.Check(ctx, "user:5", "/api/people", "resident")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	assert.Equal(t, 1, result.LimitMinute)

	now = now.Add(10 * time.Second)
	result, err = limiter.Check(ctx, "user:5", "/api/people", "resident")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Past the policy TTL the user falls back to the tier default
	now = now.Add(CustomPolicyTTL + time.Minute)
	limiter.policies.Flush()
	result, err = limiter.Check(ctx, "user:5", "/api/people", "resident")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	assert.Equal(t, ConfigForTier(TierStandard).PerMinute, result.LimitMinute)
}
