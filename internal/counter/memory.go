package counter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Counter with process-local maps. It backs tests and
// single-node development when no Redis address is configured. TTLs are
// enforced lazily on access.
type Memory struct {
	mu sync.Mutex

	ints   map[string]int64
	zsets  map[string]map[string]float64 // key -> member -> score
	hashes map[string]map[string]int64
	expiry map[string]time.Time

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory counter store.
func NewMemory() *Memory {
	return &Memory{
		ints:    make(map[string]int64),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]int64),
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Memory) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	m.nowFunc = fn
	m.mu.Unlock()
}

// reap drops the key if its TTL has passed. Caller must hold m.mu.
func (m *Memory) reap(key string) {
	if exp, ok := m.expiry[key]; ok && m.nowFunc().After(exp) {
		delete(m.ints, key)
		delete(m.zsets, key)
		delete(m.hashes, key)
		delete(m.expiry, key)
	}
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	m.ints[key] += n
	return m.ints[key], nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	return m.ints[key], nil
}

func (m *Memory) Set(_ context.Context, key string, v int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ints[key] = v
	if ttl > 0 {
		m.expiry[key] = m.nowFunc().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = m.nowFunc().Add(ttl)
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	for member, score := range m.zsets[key] {
		if score <= max {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	return int64(len(m.zsets[key])), nil
}

// ZScores returns the scores in ascending order, for tests.
func (m *Memory) ZScores(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var scores []float64
	for _, s := range m.zsets[key] {
		scores = append(scores, s)
	}
	sort.Float64s(scores)
	return scores
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += n
	return h[field], nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	return m.hashes[key][field], nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	out := make(map[string]int64, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
