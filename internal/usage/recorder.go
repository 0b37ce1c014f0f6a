// Package usage reconciles a completed proxy exchange into the
// persistent store and the fast counters. Everything here runs after the
// client response is sent, so every failure is swallowed with a log.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/limits"
	"github.com/llmrelay/llmrelay/internal/store"
)

const activeUserWindow = 5 * time.Minute

// Event is one completed exchange to reconcile. Handled responses (a
// success or a forwarded 4xx) get every effect; a 5xx keeps only the
// request log.
type Event struct {
	User  *store.User
	Token *store.APIToken

	ModelID     string
	EndpointURL string
	StatusCode  int
	Stream      bool

	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64

	RequestBody  []byte
	ResponseBody []byte
}

// usageStore is the slice of the persistent store the recorder writes.
type usageStore interface {
	InsertUsageLog(ctx context.Context, u store.UsageLog) error
	UpsertDailyStat(ctx context.Context, d store.DailyStatDelta) error
	InsertRequestLog(ctx context.Context, r store.RequestLog) error
}

// Recorder fans one event out to the usage sinks.
type Recorder struct {
	store   usageStore
	counter counter.Counter
	quota   *limits.QuotaGate
	budget  *limits.BudgetGate
	logger  *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(s usageStore, c counter.Counter, quota *limits.QuotaGate, budget *limits.BudgetGate, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, counter: c, quota: quota, budget: budget, logger: logger, nowFunc: time.Now}
}

// Record applies all reconciliation effects for one event. Each effect
// is independent: a failed one is logged and the rest still run.
// Exhausted-failover responses are audited but never counted: no token
// was consumed and the caller was not served.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	now := r.nowFunc()

	if ev.StatusCode >= 500 {
		r.insertRequestLog(ctx, ev, now)
		return
	}

	r.insertUsageLog(ctx, ev, now)
	r.upsertDailyStat(ctx, ev, now)
	r.bumpDayHash(ctx, ev, now)
	r.markActiveUser(ctx, ev, now)

	r.budget.Record(ctx, ev.Token, ev.User, ev.OutputTokens, now)
	r.quota.RecordTokens(ctx, ev.Token.ID, ev.OutputTokens, now)

	r.insertRequestLog(ctx, ev, now)
}

func (r *Recorder) insertUsageLog(ctx context.Context, ev Event, now time.Time) {
	err := r.store.InsertUsageLog(ctx, store.UsageLog{
		ID:           uuid.NewString(),
		UserID:       ev.User.ID,
		TokenID:      ev.Token.ID,
		ModelID:      ev.ModelID,
		DeptName:     ev.User.DeptName,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
		TotalTokens:  ev.InputTokens + ev.OutputTokens,
		LatencyMs:    ev.LatencyMs,
		CreatedAt:    now,
	})
	if err != nil {
		r.logger.Warn("usage: usage log insert failed", slog.String("error", err.Error()))
	}
}

func (r *Recorder) upsertDailyStat(ctx context.Context, ev Event, now time.Time) {
	tokenID := ev.Token.ID
	latency := ev.LatencyMs
	err := r.store.UpsertDailyStat(ctx, store.DailyStatDelta{
		Date:         now.Format("2006-01-02"),
		UserID:       ev.User.ID,
		ModelID:      ev.ModelID,
		APITokenID:   &tokenID,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
		LatencyMs:    &latency,
	})
	if err != nil {
		r.logger.Warn("usage: daily stat upsert failed", slog.String("error", err.Error()))
	}
}

func (r *Recorder) bumpDayHash(ctx context.Context, ev Event, now time.Time) {
	key := counter.DayUsageKey(ev.Token.ID, now)
	for field, n := range map[string]int64{
		"inputTokens":  ev.InputTokens,
		"outputTokens": ev.OutputTokens,
		"requests":     1,
	} {
		if field != "requests" && n == 0 {
			continue
		}
		if _, err := r.counter.HIncrBy(ctx, key, field, n); err != nil {
			r.logger.Warn("usage: day hash increment failed",
				slog.String("field", field), slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) markActiveUser(ctx context.Context, ev Event, now time.Time) {
	if ev.User.LoginID == "" {
		return
	}
	nowMs := float64(now.UnixMilli())
	if err := r.counter.ZAdd(ctx, counter.ActiveUsersKey, nowMs, ev.User.LoginID); err != nil {
		r.logger.Warn("usage: active user add failed", slog.String("error", err.Error()))
		return
	}
	cutoff := nowMs - float64(activeUserWindow.Milliseconds())
	if err := r.counter.ZRemRangeByScore(ctx, counter.ActiveUsersKey, cutoff); err != nil {
		r.logger.Warn("usage: active user trim failed", slog.String("error", err.Error()))
	}
}

func (r *Recorder) insertRequestLog(ctx context.Context, ev Event, now time.Time) {
	err := r.store.InsertRequestLog(ctx, store.RequestLog{
		ID:           uuid.NewString(),
		Timestamp:    now,
		UserID:       ev.User.ID,
		TokenID:      ev.Token.ID,
		ModelID:      ev.ModelID,
		EndpointURL:  ev.EndpointURL,
		StatusCode:   ev.StatusCode,
		Stream:       ev.Stream,
		LatencyMs:    ev.LatencyMs,
		RequestBody:  SanitizeRequest(ev.RequestBody),
		ResponseBody: SanitizeResponse(ev.ResponseBody),
	})
	if err != nil {
		r.logger.Warn("usage: request log insert failed", slog.String("error", err.Error()))
	}
}
