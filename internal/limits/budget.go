package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/store"
)

// Budget scopes, surfaced as error.param on 429 responses.
const (
	ScopeDept  = "dept"
	ScopeUser  = "user"
	ScopeToken = "token"
)

const budgetRetryAfter = 3600

// BudgetExceededError reports which monthly ceiling rejected the request.
type BudgetExceededError struct {
	Scope string
	Used  int64
	Limit int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%d/%d", e.Used, e.Limit)
}

// RetryAfter is the Retry-After value in seconds for budget rejections.
func (e *BudgetExceededError) RetryAfter() int { return budgetRetryAfter }

// BudgetGate enforces monthly output-token ceilings at the department,
// user, and token scopes. Like the quota gate it fails open on counter
// store errors.
type BudgetGate struct {
	counter  counter.Counter
	resolver *Resolver
	logger   *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewBudgetGate creates a BudgetGate.
func NewBudgetGate(c counter.Counter, r *Resolver, logger *slog.Logger) *BudgetGate {
	return &BudgetGate{counter: c, resolver: r, logger: logger, nowFunc: time.Now}
}

// Check walks the scopes from widest to narrowest: department (only when
// its row is enabled), then user, then token. A nil or zero budget at a
// scope skips that scope; the scopes are independent ceilings, not a
// resolution chain.
func (g *BudgetGate) Check(ctx context.Context, token *store.APIToken, user *store.User) *BudgetExceededError {
	now := g.nowFunc()

	if dept := g.resolver.DeptBudget(ctx, user.DeptName); dept != nil && dept.Enabled {
		if err := g.checkScope(ctx, ScopeDept, dept.DeptName, dept.MonthlyOutputTokenBudget, now); err != nil {
			return err
		}
	}
	if err := g.checkScope(ctx, ScopeUser, user.ID, user.MonthlyOutputTokenBudget, now); err != nil {
		return err
	}
	return g.checkScope(ctx, ScopeToken, token.ID, token.MonthlyOutputTokenBudget, now)
}

func (g *BudgetGate) checkScope(ctx context.Context, scope, id string, budget *int64, now time.Time) *BudgetExceededError {
	if budget == nil || *budget <= 0 {
		return nil
	}
	used, err := g.counter.Get(ctx, counter.MonthlyKey(scope, id, now))
	if err != nil {
		g.logger.Warn("budget: counter store error, admitting request",
			slog.String("scope", scope), slog.String("error", err.Error()))
		return nil
	}
	if used >= *budget {
		return &BudgetExceededError{Scope: scope, Used: used, Limit: *budget}
	}
	return nil
}

// Record adds a completed request's output tokens to every scope's
// monthly counter for the month containing now. The caller supplies now
// so every reconciliation effect stamps the same instant. Failures are
// logged and dropped.
func (g *BudgetGate) Record(ctx context.Context, token *store.APIToken, user *store.User, outputTokens int64, now time.Time) {
	if outputTokens <= 0 {
		return
	}

	keys := []string{
		counter.MonthlyKey(ScopeToken, token.ID, now),
		counter.MonthlyKey(ScopeUser, user.ID, now),
	}
	if user.DeptName != "" {
		keys = append(keys, counter.MonthlyKey(ScopeDept, user.DeptName, now))
	}
	for _, key := range keys {
		if _, err := g.counter.IncrBy(ctx, key, outputTokens); err != nil {
			g.logger.Warn("budget: monthly record failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}
