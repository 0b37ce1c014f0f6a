// Package limits resolves effective rate limits and budgets across the
// token, department, and global scopes, and enforces them against the
// fast counter store.
package limits

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmrelay/llmrelay/internal/store"
)

// Limit is a three-valued rate limit: inherit from the next scope,
// unlimited, or an enforced cap.
type Limit struct {
	kind limitKind
	cap  int64
}

type limitKind int8

const (
	kindInherit limitKind = iota
	kindUnlimited
	kindCap
)

// Inherit defers to the next scope in the resolution chain.
func Inherit() Limit { return Limit{kind: kindInherit} }

// Unlimited disables the dimension.
func Unlimited() Limit { return Limit{kind: kindUnlimited} }

// Cap enforces a positive ceiling.
func Cap(n int64) Limit { return Limit{kind: kindCap, cap: n} }

// FromPtr maps a stored nullable column to a Limit: nil inherits, zero
// is unlimited, positive is a cap.
func FromPtr(p *int64) Limit {
	switch {
	case p == nil:
		return Inherit()
	case *p <= 0:
		return Unlimited()
	default:
		return Cap(*p)
	}
}

// IsInherit reports whether the limit defers to the next scope.
func (l Limit) IsInherit() bool { return l.kind == kindInherit }

// IsUnlimited reports whether the dimension is disabled.
func (l Limit) IsUnlimited() bool { return l.kind == kindUnlimited }

// Cap returns the ceiling; valid only when neither inherit nor unlimited.
func (l Limit) Cap() (int64, bool) { return l.cap, l.kind == kindCap }

// resolve walks token -> dept -> global, first non-inherit wins.
// A chain that inherits all the way through ends unlimited.
func resolve(token, dept, global Limit) Limit {
	for _, l := range [...]Limit{token, dept, global} {
		if !l.IsInherit() {
			return l
		}
	}
	return Unlimited()
}

// Effective is the fully resolved limit set for one request.
type Effective struct {
	RPM Limit
	TPM Limit
	TPH Limit
	TPD Limit
}

const cacheTTL = 60 * time.Second

type globalSnapshot struct {
	cfg       store.RateLimitConfig
	fetchedAt time.Time
}

type deptSnapshot struct {
	dept      *store.DeptBudget // nil when no row exists
	fetchedAt time.Time
}

// configStore is the slice of the persistent store the resolver reads.
type configStore interface {
	GetDeptBudget(ctx context.Context, deptName string) (*store.DeptBudget, error)
	GetRateLimitConfig(ctx context.Context) (*store.RateLimitConfig, error)
}

// Resolver computes effective limits, caching the global default row and
// per-department rows for 60 seconds as immutable snapshots.
type Resolver struct {
	store  configStore
	logger *slog.Logger

	global atomic.Pointer[globalSnapshot]
	depts  sync.Map // deptname -> *deptSnapshot

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewResolver creates a Resolver over the persistent store.
func NewResolver(s configStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger, nowFunc: time.Now}
}

// Effective resolves all four dimensions for a token and its department.
func (r *Resolver) Effective(ctx context.Context, token *store.APIToken, deptName string) Effective {
	dept := r.DeptBudget(ctx, deptName)
	global := r.globalConfig(ctx)

	deptLimit := func(p *int64) Limit {
		if dept == nil || !dept.Enabled {
			return Inherit()
		}
		return FromPtr(p)
	}
	var dRPM, dTPM, dTPH, dTPD Limit = Inherit(), Inherit(), Inherit(), Inherit()
	if dept != nil && dept.Enabled {
		dRPM = deptLimit(dept.RPMLimit)
		dTPM = deptLimit(dept.TPMLimit)
		dTPH = deptLimit(dept.TPHLimit)
		dTPD = deptLimit(dept.TPDLimit)
	}

	globalLimit := func(n int64) Limit {
		if n <= 0 {
			return Unlimited()
		}
		return Cap(n)
	}

	return Effective{
		RPM: resolve(FromPtr(token.RPMLimit), dRPM, globalLimit(global.RPM)),
		TPM: resolve(FromPtr(token.TPMLimit), dTPM, globalLimit(global.TPM)),
		TPH: resolve(FromPtr(token.TPHLimit), dTPH, globalLimit(global.TPH)),
		TPD: resolve(FromPtr(token.TPDLimit), dTPD, globalLimit(global.TPD)),
	}
}

// DeptBudget returns the cached department row, or nil when the
// department has none. Snapshots are stale for at most 60 seconds.
func (r *Resolver) DeptBudget(ctx context.Context, deptName string) *store.DeptBudget {
	if deptName == "" {
		return nil
	}
	if v, ok := r.depts.Load(deptName); ok {
		snap := v.(*deptSnapshot)
		if r.nowFunc().Sub(snap.fetchedAt) < cacheTTL {
			return snap.dept
		}
	}
	dept, err := r.store.GetDeptBudget(ctx, deptName)
	if err != nil {
		r.logger.Warn("limits: dept budget fetch failed",
			slog.String("deptname", deptName), slog.String("error", err.Error()))
		// Keep serving the stale snapshot if one exists.
		if v, ok := r.depts.Load(deptName); ok {
			return v.(*deptSnapshot).dept
		}
		return nil
	}
	r.depts.Store(deptName, &deptSnapshot{dept: dept, fetchedAt: r.nowFunc()})
	return dept
}

func (r *Resolver) globalConfig(ctx context.Context) store.RateLimitConfig {
	if snap := r.global.Load(); snap != nil && r.nowFunc().Sub(snap.fetchedAt) < cacheTTL {
		return snap.cfg
	}
	cfg, err := r.store.GetRateLimitConfig(ctx)
	if err != nil {
		r.logger.Warn("limits: global config fetch failed", slog.String("error", err.Error()))
		if snap := r.global.Load(); snap != nil {
			return snap.cfg
		}
		return store.RateLimitConfig{Key: "default"}
	}
	if cfg == nil {
		cfg = &store.RateLimitConfig{Key: "default"}
	}
	r.global.Store(&globalSnapshot{cfg: *cfg, fetchedAt: r.nowFunc()})
	return *cfg
}
