package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIncrAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.IncrBy(ctx, "k", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	got, err = m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestMemoryTTLReap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", 10, time.Minute))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	now = now.Add(61 * time.Second)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	// Expired key starts fresh.
	n, err := m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryExpireRefresh(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", 3, time.Minute))
	now = now.Add(50 * time.Second)
	require.NoError(t, m.Expire(ctx, "k", time.Minute))

	now = now.Add(50 * time.Second)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestMemorySetZeroTTLClearsExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", 1, time.Second))
	require.NoError(t, m.Set(ctx, "k", 2, 0))

	now = now.Add(time.Hour)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestMemoryZSetOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, m.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, m.ZAdd(ctx, "z", 3, "c"))
	// Re-adding a member updates its score in place.
	require.NoError(t, m.ZAdd(ctx, "z", 5, "a"))

	n, err := m.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, m.ZRemRangeByScore(ctx, "z", 2))
	n, err = m.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []float64{3, 5}, m.ZScores("z"))
}

func TestMemoryHashOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.HIncrBy(ctx, "h", "input", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	n, err = m.HIncrBy(ctx, "h", "input", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	_, err = m.HIncrBy(ctx, "h", "requests", 1)
	require.NoError(t, err)

	got, err := m.HGet(ctx, "h", "input")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	all, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"input": 10, "requests": 1}, all)

	all, err = m.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, all)
}
