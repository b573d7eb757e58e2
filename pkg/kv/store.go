package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWrongType is returned when a key holds a value of another kind
	ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers decide whether to fail open or closed.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// ZMember is a sorted set member with its score
type ZMember struct {
	Member string
	Score  float64
}

// Store is the key-value store consumed by the rate limiter, throttler,
// permission cache, and snapshot store. Single-key operations are atomic;
// multi-key updates go through Eval.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	Delete(ctx context.Context, keys ...string) (int, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int, error)
	ZCard(ctx context.Context, key string) (int, error)
	ZRange(ctx context.Context, key string, start, stop int) ([]string, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)

	// Hashes
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	HMSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Eval runs a registered script atomically against the store
	Eval(ctx context.Context, script *Script, keys []string, args []string) (any, error)

	// Scan iterates keys matching a glob pattern. A returned cursor of 0
	// means the iteration is complete.
	Scan(ctx context.Context, cursor uint64, match string, count int) (uint64, []string, error)
}

// Tx exposes the store primitives inside a script. All operations run
// under the store's write lock, so a script observes and mutates a
// consistent snapshot.
type Tx interface {
	Get(key string) (string, bool)
	Set(key, value string)
	SetEx(key string, ttl time.Duration, value string)
	Delete(keys ...string) int
	IncrBy(key string, delta int64) (int64, error)
	Expire(key string, ttl time.Duration) bool

	ZAdd(key string, members ...ZMember) error
	ZRemRangeByScore(key string, min, max float64) (int, error)
	ZCard(key string) (int, error)
	ZRangeWithScores(key string, start, stop int) ([]ZMember, error)
	ZRem(key string, members ...string) (int, error)

	SAdd(key string, members ...string) (int, error)
	SMembers(key string) ([]string, error)
	SRem(key string, members ...string) (int, error)

	HMGet(key string, fields ...string) (map[string]string, error)
	HMSet(key string, fields map[string]string) error
	HGetAll(key string) (map[string]string, error)

	// Now returns the store's current time, so scripts stay
	// deterministic under an injected clock
	Now() time.Time
}

// Script is an atomic multi-step update, the embedded analogue of a
// server-side script. The function body must not retain the Tx.
type Script struct {
	Name string
	Fn   func(tx Tx, keys []string, args []string) (any, error)
}

// NewScript creates a named script
func NewScript(name string, fn func(tx Tx, keys []string, args []string) (any, error)) *Script {
	return &Script{Name: name, Fn: fn}
}
