package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
)

const (
	bucketKeyPrefix = "rate:bucket:"
	windowKeyPrefix = "rate:window:"
	customKeyPrefix = "custom_limit:"

	// CustomPolicyTTL bounds per-user overrides; on expiry the user
	// falls back to the tier default
	CustomPolicyTTL = 24 * time.Hour

	bucketStateTTL = time.Hour

	minuteWindow = 60
	hourWindow   = 3600

	// RPC budget for a single check against the backing store
	checkTimeout = 5 * time.Second
)

// Result is the admission decision for one request
type Result struct {
	Allowed        bool
	Tier           Tier
	Gate           string // Which gate denied: "bucket", "minute", "hour"
	LimitMinute    int
	LimitHour      int
	RemainingMin   int
	RemainingHour  int
	BurstRemaining float64
	ResetAt        time.Time
}

// checkState carries the script's decision back to the limiter
type checkState struct {
	allowed     bool
	gate        string
	tokens      float64
	minuteCount int
	hourCount   int
}

// checkScript evaluates the token bucket and both sliding windows as one
// atomic operation: prune, count, refill, and only on a joint pass
// consume a token and record the request in the windows.
//
// keys: bucket, minute window, hour window
// args: capacity, refill rate, per-minute cap, per-hour cap, now (unix seconds, fractional)
var checkScript = kv.NewScript("rate_limit_check", func(tx kv.Tx, keys []string, args []string) (any, error) {
	bucketKey, minuteKey, hourKey := keys[0], keys[1], keys[2]
	capacity, _ := strconv.ParseFloat(args[0], 64)
	refillRate, _ := strconv.ParseFloat(args[1], 64)
	perMinute, _ := strconv.Atoi(args[2])
	perHour, _ := strconv.Atoi(args[3])
	now, _ := strconv.ParseFloat(args[4], 64)

	// Bucket state, refilled on demand
	state, err := tx.HMGet(bucketKey, "tokens", "last_refill")
	if err != nil {
		return nil, err
	}
	tokens := capacity
	lastRefill := now
	if raw, ok := state["tokens"]; ok {
		tokens, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := state["last_refill"]; ok {
		lastRefill, _ = strconv.ParseFloat(raw, 64)
	}
	if elapsed := now - lastRefill; elapsed > 0 {
		tokens += elapsed * refillRate
		if tokens > capacity {
			tokens = capacity
		}
	}

	// Window counts after pruning expired entries
	if _, err := tx.ZRemRangeByScore(minuteKey, 0, now-minuteWindow); err != nil {
		return nil, err
	}
	if _, err := tx.ZRemRangeByScore(hourKey, 0, now-hourWindow); err != nil {
		return nil, err
	}
	minuteCount, err := tx.ZCard(minuteKey)
	if err != nil {
		return nil, err
	}
	hourCount, err := tx.ZCard(hourKey)
	if err != nil {
		return nil, err
	}

	result := checkState{tokens: tokens, minuteCount: minuteCount, hourCount: hourCount}
	switch {
	case tokens < 1:
		result.gate = "bucket"
	case minuteCount >= perMinute:
		result.gate = "minute"
	case hourCount >= perHour:
		result.gate = "hour"
	default:
		result.allowed = true
	}

	if result.allowed {
		tokens--
		result.tokens = tokens
		member := strconv.FormatFloat(now, 'f', 9, 64)
		if err := tx.ZAdd(minuteKey, kv.ZMember{Member: member, Score: now}); err != nil {
			return nil, err
		}
		if err := tx.ZAdd(hourKey, kv.ZMember{Member: member, Score: now}); err != nil {
			return nil, err
		}
		result.minuteCount++
		result.hourCount++
	}

	if err := tx.HMSet(bucketKey, map[string]string{
		"tokens":      strconv.FormatFloat(tokens, 'f', 6, 64),
		"last_refill": strconv.FormatFloat(now, 'f', 9, 64),
	}); err != nil {
		return nil, err
	}
	tx.Expire(bucketKey, bucketStateTTL)
	tx.Expire(minuteKey, (hourWindow+10)*time.Second)
	tx.Expire(hourKey, (hourWindow+10)*time.Second)

	return result, nil
})

// Limiter decides admission per (client, endpoint) using a token bucket
// layered with sliding windows
type Limiter struct {
	kv       kv.Store
	logger   zerolog.Logger
	now      func() time.Time
	policies *gocache.Cache // Resolved custom policies, keyed by client id
}

// NewLimiter creates a rate limiter backed by the given store
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{
		kv:       store,
		logger:   log.WithComponent("ratelimit"),
		now:      time.Now,
		policies: gocache.New(30*time.Second, time.Minute),
	}
}

// SetClock replaces the limiter's time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// failOpen builds the permissive result used when the store is down
func failOpen(tier Tier, cfg TierConfig, now time.Time) *Result {
	return &Result{
		Allowed:        true,
		Tier:           tier,
		LimitMinute:    cfg.PerMinute,
		LimitHour:      cfg.PerHour,
		RemainingMin:   cfg.PerMinute,
		RemainingHour:  cfg.PerHour,
		BurstRemaining: float64(cfg.BurstSize),
		ResetAt:        now.Add(minuteWindow * time.Second),
	}
}

// Check decides admission for one request. The internal tier always
// passes without touching the store. On store failure the limiter fails
// open and emits a metric; traffic is never blocked on an
// infrastructure fault.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint, role string) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RateLimitCheckDuration)

	tier := TierForRole(role)
	cfg := ConfigForTier(tier)
	now := l.now()

	if tier == TierInternal {
		metrics.RateLimitAllowed.WithLabelValues(string(tier)).Inc()
		return failOpen(tier, cfg, now), nil
	}

	if custom, ok := l.customPolicy(ctx, clientID); ok {
		cfg = custom
	}

	scope := clientID
	if override, ok := EndpointLimitFor(endpoint); ok {
		cfg = override.apply(cfg)
		scope = clientID + ":" + endpoint
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	nowSec := float64(now.UnixNano()) / float64(time.Second)
	raw, err := l.kv.Eval(ctx, checkScript,
		[]string{bucketKeyPrefix + scope, windowKeyPrefix + scope + ":60", windowKeyPrefix + scope + ":3600"},
		[]string{
			strconv.Itoa(cfg.BurstSize),
			strconv.FormatFloat(cfg.RefillRate, 'f', 6, 64),
			strconv.Itoa(cfg.PerMinute),
			strconv.Itoa(cfg.PerHour),
			strconv.FormatFloat(nowSec, 'f', 9, 64),
		},
	)
	if err != nil {
		l.logger.Error().Err(err).Str("client", clientID).Msg("Rate limit store error, failing open")
		metrics.RateLimitStoreErrors.Inc()
		return failOpen(tier, cfg, now), nil
	}

	state, ok := raw.(checkState)
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", raw)
	}

	result := &Result{
		Allowed:        state.allowed,
		Tier:           tier,
		Gate:           state.gate,
		LimitMinute:    cfg.PerMinute,
		LimitHour:      cfg.PerHour,
		RemainingMin:   maxInt(0, cfg.PerMinute-state.minuteCount),
		RemainingHour:  maxInt(0, cfg.PerHour-state.hourCount),
		BurstRemaining: state.tokens,
		ResetAt:        now.Add(minuteWindow * time.Second),
	}

	if result.Allowed {
		metrics.RateLimitAllowed.WithLabelValues(string(tier)).Inc()
	} else {
		metrics.RateLimitDenied.WithLabelValues(string(tier), result.Gate).Inc()
	}

	return result, nil
}

// customPolicy returns the per-user override, consulting the in-process
// cache before the store
func (l *Limiter) customPolicy(ctx context.Context, clientID string) (TierConfig, bool) {
	if cached, ok := l.policies.Get(clientID); ok {
		cfg, set := cached.(TierConfig)
		return cfg, set
	}

	fields, err := l.kv.HGetAll(ctx, customKeyPrefix+clientID)
	if err != nil || len(fields) == 0 {
		// Cache the miss too, so absent policies cost one lookup per interval
		if err == nil {
			l.policies.Set(clientID, nil, gocache.DefaultExpiration)
		}
		return TierConfig{}, false
	}

	cfg := TierConfig{}
	cfg.PerMinute, _ = strconv.Atoi(fields["requests_per_minute"])
	cfg.PerHour, _ = strconv.Atoi(fields["requests_per_hour"])
	cfg.BurstSize, _ = strconv.Atoi(fields["burst_size"])
	cfg.RefillRate, _ = strconv.ParseFloat(fields["burst_refill_rate"], 64)
	l.policies.Set(clientID, cfg, gocache.DefaultExpiration)
	return cfg, true
}

// SetCustomPolicy stores a per-user limit override with the policy TTL
func (l *Limiter) SetCustomPolicy(ctx context.Context, clientID string, cfg TierConfig) error {
	key := customKeyPrefix + clientID
	err := l.kv.HMSet(ctx, key, map[string]string{
		"requests_per_minute": strconv.Itoa(cfg.PerMinute),
		"requests_per_hour":   strconv.Itoa(cfg.PerHour),
		"burst_size":          strconv.Itoa(cfg.BurstSize),
		"burst_refill_rate":   strconv.FormatFloat(cfg.RefillRate, 'f', 6, 64),
	})
	if err != nil {
		return fmt.Errorf("failed to store custom policy: %w", err)
	}
	if _, err := l.kv.Expire(ctx, key, CustomPolicyTTL); err != nil {
		return fmt.Errorf("failed to set custom policy TTL: %w", err)
	}
	l.policies.Delete(clientID)
	l.logger.Info().Str("client", clientID).Msg("Custom rate limit policy set")
	return nil
}

// ClearCustomPolicy removes a per-user override
func (l *Limiter) ClearCustomPolicy(ctx context.Context, clientID string) error {
	if _, err := l.kv.Delete(ctx, customKeyPrefix+clientID); err != nil {
		return err
	}
	l.policies.Delete(clientID)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
