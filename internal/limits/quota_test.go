package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/llmrelay/internal/counter"
)

func newTestQuotaGate(t *testing.T, now time.Time) (*QuotaGate, *counter.Memory) {
	t.Helper()
	mem := counter.NewMemory()
	mem.SetNowFunc(func() time.Time { return now })
	g := NewQuotaGate(mem, testLogger())
	g.nowFunc = func() time.Time { return now }
	return g, mem
}

func TestQuotaRPMRejectsAtCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestQuotaGate(t, now)
	eff := Effective{RPM: Cap(3), TPM: Unlimited(), TPH: Unlimited(), TPD: Unlimited()}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Nil(t, g.Check(ctx, "tok1", eff))
	}

	qe := g.Check(ctx, "tok1", eff)
	require.NotNil(t, qe)
	assert.Equal(t, DimRPM, qe.Dim)
	assert.Equal(t, int64(3), qe.Current)
	assert.Equal(t, int64(3), qe.Limit)
	assert.Equal(t, 60, qe.RetryAfter)
	assert.Equal(t, "3/3", qe.Error())
}

func TestQuotaRPMWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)
	eff := Effective{RPM: Cap(2), TPM: Unlimited(), TPH: Unlimited(), TPD: Unlimited()}

	ctx := context.Background()
	require.Nil(t, g.Check(ctx, "tok1", eff))
	require.Nil(t, g.Check(ctx, "tok1", eff))
	require.NotNil(t, g.Check(ctx, "tok1", eff))

	// 61 seconds on, the earlier entries fall out of the window.
	later := now.Add(61 * time.Second)
	mem.SetNowFunc(func() time.Time { return later })
	g.nowFunc = func() time.Time { return later }

	require.Nil(t, g.Check(ctx, "tok1", eff))
}

func TestQuotaRPMMaintainedWhenUnlimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)
	eff := Effective{RPM: Unlimited(), TPM: Unlimited(), TPH: Unlimited(), TPD: Unlimited()}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.Nil(t, g.Check(ctx, "tok1", eff))
	}
	assert.Len(t, mem.ZScores(counter.RPMKey("tok1")), 4)
}

func TestQuotaTPMRejectsWhenWindowFull(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)
	eff := Effective{RPM: Unlimited(), TPM: Cap(1000), TPH: Unlimited(), TPD: Unlimited()}

	ctx := context.Background()
	require.Nil(t, g.Check(ctx, "tok1", eff))

	require.NoError(t, mem.Set(ctx, counter.TPMKey("tok1", now), 1000, 0))
	qe := g.Check(ctx, "tok1", eff)
	require.NotNil(t, qe)
	assert.Equal(t, DimTPM, qe.Dim)
	assert.Equal(t, 60, qe.RetryAfter)
}

func TestQuotaTPHRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)
	eff := Effective{RPM: Unlimited(), TPM: Unlimited(), TPH: Cap(50), TPD: Unlimited()}

	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, counter.TPHKey("tok1", now), 50, 0))

	qe := g.Check(ctx, "tok1", eff)
	require.NotNil(t, qe)
	assert.Equal(t, DimTPH, qe.Dim)
	assert.Equal(t, 600, qe.RetryAfter)
}

func TestQuotaTPDReadsDailyHash(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)
	eff := Effective{RPM: Unlimited(), TPM: Unlimited(), TPH: Unlimited(), TPD: Cap(200)}

	ctx := context.Background()
	_, err := mem.HIncrBy(ctx, counter.DayUsageKey("tok1", now), "outputTokens", 199)
	require.NoError(t, err)
	require.Nil(t, g.Check(ctx, "tok1", eff))

	_, err = mem.HIncrBy(ctx, counter.DayUsageKey("tok1", now), "outputTokens", 1)
	require.NoError(t, err)
	qe := g.Check(ctx, "tok1", eff)
	require.NotNil(t, qe)
	assert.Equal(t, DimTPD, qe.Dim)
	assert.Equal(t, 3600, qe.RetryAfter)
}

func TestQuotaFailsOpenOnCounterOutage(t *testing.T) {
	g := NewQuotaGate(downCounter{}, testLogger())
	eff := Effective{RPM: Cap(1), TPM: Cap(1), TPH: Cap(1), TPD: Cap(1)}

	// Every dimension is capped at 1, yet an unreachable counter store
	// must admit the request rather than reject on missing data.
	for i := 0; i < 3; i++ {
		assert.Nil(t, g.Check(context.Background(), "tok1", eff))
	}
}

func TestQuotaRecordTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)

	ctx := context.Background()
	g.RecordTokens(ctx, "tok1", 120, now)
	g.RecordTokens(ctx, "tok1", 30, now)
	g.RecordTokens(ctx, "tok1", 0, now) // no-op

	tpm, err := mem.Get(ctx, counter.TPMKey("tok1", now))
	require.NoError(t, err)
	assert.Equal(t, int64(150), tpm)

	tph, err := mem.Get(ctx, counter.TPHKey("tok1", now))
	require.NoError(t, err)
	assert.Equal(t, int64(150), tph)
}

func TestQuotaRecordTokensUsesCallerTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, mem := newTestQuotaGate(t, now)

	// The minute bucket comes from the supplied time, not the gate clock.
	other := now.Add(3 * time.Minute)
	ctx := context.Background()
	g.RecordTokens(ctx, "tok1", 40, other)

	v, err := mem.Get(ctx, counter.TPMKey("tok1", other))
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)

	v, err = mem.Get(ctx, counter.TPMKey("tok1", now))
	require.NoError(t, err)
	assert.Zero(t, v)
}
