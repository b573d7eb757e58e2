package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindZSet
	kindSet
)

type entry struct {
	kind     valueKind
	str      string
	hash     map[string]string
	zset     map[string]float64
	set      map[string]struct{}
	expireAt time.Time // Zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Memory is an embedded Store implementation guarded by a single mutex.
// TTLs are enforced lazily on access. The clock is injectable for tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// SetClock replaces the store's time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry for key, dropping it if expired
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) fetch(key string, kind valueKind) (*entry, error) {
	e := m.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *Memory) ensure(key string, kind valueKind) (*entry, error) {
	e, err := m.fetch(key, kind)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &entry{kind: kind}
		switch kind {
		case kindHash:
			e.hash = make(map[string]string)
		case kindZSet:
			e.zset = make(map[string]float64)
		case kindSet:
			e.set = make(map[string]struct{})
		}
		m.data[key] = e
	}
	return e, nil
}

// memTx implements Tx against an already-locked Memory
type memTx struct {
	m *Memory
}

func (t memTx) Now() time.Time {
	return t.m.now()
}

func (t memTx) Get(key string) (string, bool) {
	e, err := t.m.fetch(key, kindString)
	if err != nil || e == nil {
		return "", false
	}
	return e.str, true
}

func (t memTx) Set(key, value string) {
	t.m.data[key] = &entry{kind: kindString, str: value}
}

func (t memTx) SetEx(key string, ttl time.Duration, value string) {
	t.m.data[key] = &entry{kind: kindString, str: value, expireAt: t.m.now().Add(ttl)}
}

func (t memTx) Delete(keys ...string) int {
	removed := 0
	for _, key := range keys {
		if t.m.lookup(key) != nil {
			delete(t.m.data, key)
			removed++
		}
	}
	return removed
}

func (t memTx) IncrBy(key string, delta int64) (int64, error) {
	e, err := t.m.ensure(key, kindString)
	if err != nil {
		return 0, err
	}
	current := int64(0)
	if e.str != "" {
		current, err = strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return 0, ErrWrongType
		}
	}
	current += delta
	e.str = strconv.FormatInt(current, 10)
	return current, nil
}

func (t memTx) Expire(key string, ttl time.Duration) bool {
	e := t.m.lookup(key)
	if e == nil {
		return false
	}
	e.expireAt = t.m.now().Add(ttl)
	return true
}

func (t memTx) ZAdd(key string, members ...ZMember) error {
	e, err := t.m.ensure(key, kindZSet)
	if err != nil {
		return err
	}
	for _, zm := range members {
		e.zset[zm.Member] = zm.Score
	}
	return nil
}

func (t memTx) ZRemRangeByScore(key string, min, max float64) (int, error) {
	e, err := t.m.fetch(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	removed := 0
	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
			removed++
		}
	}
	return removed, nil
}

func (t memTx) ZCard(key string) (int, error) {
	e, err := t.m.fetch(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.zset), nil
}

func (t memTx) ZRangeWithScores(key string, start, stop int) ([]ZMember, error) {
	e, err := t.m.fetch(key, kindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(e.zset))
	for member, score := range e.zset {
		members = append(members, ZMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})

	n := len(members)
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1], nil
}

func (t memTx) ZRem(key string, members ...string) (int, error) {
	e, err := t.m.fetch(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	removed := 0
	for _, member := range members {
		if _, ok := e.zset[member]; ok {
			delete(e.zset, member)
			removed++
		}
	}
	return removed, nil
}

func (t memTx) SAdd(key string, members ...string) (int, error) {
	e, err := t.m.ensure(key, kindSet)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, member := range members {
		if _, ok := e.set[member]; !ok {
			e.set[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (t memTx) SMembers(key string) ([]string, error) {
	e, err := t.m.fetch(key, kindSet)
	if err != nil || e == nil {
		return nil, err
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (t memTx) SRem(key string, members ...string) (int, error) {
	e, err := t.m.fetch(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	removed := 0
	for _, member := range members {
		if _, ok := e.set[member]; ok {
			delete(e.set, member)
			removed++
		}
	}
	return removed, nil
}

func (t memTx) HMGet(key string, fields ...string) (map[string]string, error) {
	e, err := t.m.fetch(key, kindHash)
	if err != nil || e == nil {
		return nil, err
	}
	result := make(map[string]string, len(fields))
	for _, field := range fields {
		if value, ok := e.hash[field]; ok {
			result[field] = value
		}
	}
	return result, nil
}

func (t memTx) HMSet(key string, fields map[string]string) error {
	e, err := t.m.ensure(key, kindHash)
	if err != nil {
		return err
	}
	for field, value := range fields {
		e.hash[field] = value
	}
	return nil
}

func (t memTx) HGetAll(key string) (map[string]string, error) {
	e, err := t.m.fetch(key, kindHash)
	if err != nil || e == nil {
		return nil, err
	}
	result := make(map[string]string, len(e.hash))
	for field, value := range e.hash {
		result[field] = value
	}
	return result, nil
}

// Store interface methods

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := memTx{m}.Get(key)
	return value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	memTx{m}.Set(key, value)
	return nil
}

func (m *Memory) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	memTx{m}.SetEx(key, ttl, value)
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Delete(keys...), nil
}

func (m *Memory) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.IncrBy(key, delta)
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Expire(key, ttl), nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.ZAdd(key, members...)
}

func (m *Memory) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.ZRemRangeByScore(key, min, max)
}

func (m *Memory) ZCard(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.ZCard(key)
}

func (m *Memory) ZRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, err := memTx{m}.ZRangeWithScores(key, start, stop)
	if err != nil {
		return nil, err
	}
	result := make([]string, len(members))
	for i, zm := range members {
		result[i] = zm.Member
	}
	return result, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.SAdd(key, members...)
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.SMembers(key)
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.SRem(key, members...)
}

func (m *Memory) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.HMGet(key, fields...)
}

func (m *Memory) HMSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.HMSet(key, fields)
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.HGetAll(key)
}

func (m *Memory) Eval(ctx context.Context, script *Script, keys []string, args []string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return script.Fn(memTx{m}, keys, args)
}

func (m *Memory) Scan(ctx context.Context, cursor uint64, match string, count int) (uint64, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0, len(m.data))
	for key, e := range m.data {
		if e.expired(now) {
			continue
		}
		if match != "" {
			if ok, err := path.Match(match, key); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if count <= 0 {
		count = 10
	}
	start := int(cursor)
	if start >= len(keys) {
		return 0, nil, nil
	}
	end := start + count
	if end >= len(keys) {
		return 0, keys[start:], nil
	}
	return uint64(end), keys[start:end], nil
}
