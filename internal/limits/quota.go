package limits

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/llmrelay/llmrelay/internal/counter"
)

// Quota dimensions, surfaced as error.param on 429 responses.
const (
	DimRPM = "rpm"
	DimTPM = "tpm"
	DimTPH = "tph"
	DimTPD = "tpd"
)

// Retry-After seconds per dimension.
var retryAfter = map[string]int{
	DimRPM: 60,
	DimTPM: 60,
	DimTPH: 600,
	DimTPD: 3600,
}

const (
	rpmWindow = 60 * time.Second
	rpmKeyTTL = 120 * time.Second
	tpmKeyTTL = 120 * time.Second
	tphKeyTTL = 2 * time.Hour
	dayField  = "outputTokens"
)

// QuotaExceededError reports which dimension rejected the request.
type QuotaExceededError struct {
	Dim        string
	Current    int64
	Limit      int64
	RetryAfter int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%d/%d", e.Current, e.Limit)
}

// QuotaGate enforces the four windowed dimensions against the counter
// store. Counter-store failures admit the request: dropping traffic over
// an accounting outage is the wrong trade.
type QuotaGate struct {
	counter counter.Counter
	logger  *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewQuotaGate creates a QuotaGate over the counter store.
func NewQuotaGate(c counter.Counter, logger *slog.Logger) *QuotaGate {
	return &QuotaGate{counter: c, logger: logger, nowFunc: time.Now}
}

// Check runs all four dimension checks for the token. A nil return admits
// the request; a *QuotaExceededError rejects it with 429.
//
// The RPM sliding window is maintained even when the RPM limit is
// unlimited, so counts stay accurate if a cap is configured later.
func (g *QuotaGate) Check(ctx context.Context, tokenID string, eff Effective) *QuotaExceededError {
	now := g.nowFunc()

	if err := g.checkRPM(ctx, tokenID, eff.RPM, now); err != nil {
		return err
	}
	if err := g.checkWindow(ctx, DimTPM, counter.TPMKey(tokenID, now), eff.TPM); err != nil {
		return err
	}
	if err := g.checkWindow(ctx, DimTPH, counter.TPHKey(tokenID, now), eff.TPH); err != nil {
		return err
	}
	return g.checkTPD(ctx, tokenID, eff.TPD, now)
}

func (g *QuotaGate) checkRPM(ctx context.Context, tokenID string, limit Limit, now time.Time) *QuotaExceededError {
	key := counter.RPMKey(tokenID)
	nowMs := now.UnixMilli()
	cutoff := float64(nowMs - rpmWindow.Milliseconds())

	if err := g.counter.ZRemRangeByScore(ctx, key, cutoff); err != nil {
		g.failOpen(DimRPM, err)
		return nil
	}

	if cap, ok := limit.Cap(); ok {
		count, err := g.counter.ZCard(ctx, key)
		if err != nil {
			g.failOpen(DimRPM, err)
			return nil
		}
		if count >= cap {
			return &QuotaExceededError{Dim: DimRPM, Current: count, Limit: cap, RetryAfter: retryAfter[DimRPM]}
		}
	}

	// Record the admitted request. The member carries a random suffix so
	// concurrent requests in the same millisecond stay distinct.
	member := fmt.Sprintf("%d-%d", nowMs, rand.Int63())
	if err := g.counter.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		g.failOpen(DimRPM, err)
		return nil
	}
	if err := g.counter.Expire(ctx, key, rpmKeyTTL); err != nil {
		g.failOpen(DimRPM, err)
	}
	return nil
}

func (g *QuotaGate) checkWindow(ctx context.Context, dim, key string, limit Limit) *QuotaExceededError {
	cap, ok := limit.Cap()
	if !ok {
		return nil
	}
	used, err := g.counter.Get(ctx, key)
	if err != nil {
		g.failOpen(dim, err)
		return nil
	}
	if used >= cap {
		return &QuotaExceededError{Dim: dim, Current: used, Limit: cap, RetryAfter: retryAfter[dim]}
	}
	return nil
}

func (g *QuotaGate) checkTPD(ctx context.Context, tokenID string, limit Limit, now time.Time) *QuotaExceededError {
	cap, ok := limit.Cap()
	if !ok {
		return nil
	}
	used, err := g.counter.HGet(ctx, counter.DayUsageKey(tokenID, now), dayField)
	if err != nil {
		g.failOpen(DimTPD, err)
		return nil
	}
	if used >= cap {
		return &QuotaExceededError{Dim: DimTPD, Current: used, Limit: cap, RetryAfter: retryAfter[DimTPD]}
	}
	return nil
}

// RecordTokens adds a completed request's output tokens to the minute and
// hour windows at the given time and refreshes their TTLs. The caller
// supplies now so every reconciliation effect stamps the same instant.
// Failures are dropped with a log: a lost counter is preferable to
// delaying the reconciled response.
func (g *QuotaGate) RecordTokens(ctx context.Context, tokenID string, outputTokens int64, now time.Time) {
	if outputTokens <= 0 {
		return
	}

	tpmKey := counter.TPMKey(tokenID, now)
	if _, err := g.counter.IncrBy(ctx, tpmKey, outputTokens); err != nil {
		g.logger.Warn("quota: tpm record failed", slog.String("error", err.Error()))
	} else if err := g.counter.Expire(ctx, tpmKey, tpmKeyTTL); err != nil {
		g.logger.Warn("quota: tpm expire failed", slog.String("error", err.Error()))
	}

	tphKey := counter.TPHKey(tokenID, now)
	if _, err := g.counter.IncrBy(ctx, tphKey, outputTokens); err != nil {
		g.logger.Warn("quota: tph record failed", slog.String("error", err.Error()))
	} else if err := g.counter.Expire(ctx, tphKey, tphKeyTTL); err != nil {
		g.logger.Warn("quota: tph expire failed", slog.String("error", err.Error()))
	}
}

func (g *QuotaGate) failOpen(dim string, err error) {
	g.logger.Warn("quota: counter store error, admitting request",
		slog.String("dimension", dim), slog.String("error", err.Error()))
}
