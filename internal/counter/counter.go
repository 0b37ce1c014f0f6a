// Package counter abstracts the fast key-value store used for quota
// windows, budgets, round-robin cursors, and breaker state. All mutation
// primitives are single-statement atomics so correctness does not depend
// on process-local uniqueness.
package counter

import (
	"context"
	"time"
)

// Counter is the capability set the request path needs from the KV store.
// Implementations: Redis (production) and Memory (tests, single-node dev).
type Counter interface {
	// Plain integer counters.
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Get(ctx context.Context, key string) (int64, error) // 0 when absent
	Set(ctx context.Context, key string, v int64, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted sets, used for sliding windows and the active-user set.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Hashes, used for the daily usage rollup.
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HGet(ctx context.Context, key, field string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key builders. Every counter write in the codebase goes through these so
// the key schema stays in one place.

// RPMKey is the sliding-window sorted set of request timestamps.
func RPMKey(tokenID string) string { return "rl:rpm:" + tokenID }

// TPMKey is the fixed per-minute output-token window.
func TPMKey(tokenID string, t time.Time) string {
	return "rl:tpm:" + tokenID + ":" + t.Format("2006-01-02T15:04")
}

// TPHKey is the fixed per-hour output-token window.
func TPHKey(tokenID string, t time.Time) string {
	return "rl:tph:" + tokenID + ":" + t.Format("2006-01-02T15")
}

// DayUsageKey is the per-day usage hash shared by the TPD check and the
// dashboard rollup. Fields: inputTokens, outputTokens, requests.
func DayUsageKey(tokenID string, t time.Time) string {
	return "token_usage:" + tokenID + ":" + t.Format("2006-01-02")
}

// MonthlyKey is the calendar-month output-token counter for one scope.
// Scope is "user", "token", or "dept".
func MonthlyKey(scope, id string, t time.Time) string {
	return "counters:month:" + scope + ":" + id + ":" + t.Format("2006-01")
}

// RRKey is the round-robin cursor for a model's endpoint list.
func RRKey(modelID string) string { return "counters:rr:" + modelID }

// BreakerFailsKey counts consecutive failures for an endpoint URL.
func BreakerFailsKey(url string) string { return "cb:" + url + ":fails" }

// BreakerOpenKey holds the unix-millisecond open-until timestamp.
func BreakerOpenKey(url string) string { return "cb:" + url + ":openUntil" }

// ActiveUsersKey is the rolling set of recently active loginids.
const ActiveUsersKey = "active_users"
