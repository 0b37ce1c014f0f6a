package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for llmrelay.
type Store interface {
	// API tokens
	GetTokensByPrefix(ctx context.Context, prefix string) ([]APIToken, error)
	GetToken(ctx context.Context, id string) (*APIToken, error)
	ListTokens(ctx context.Context) ([]APIToken, error)
	CreateToken(ctx context.Context, t APIToken) error
	UpdateToken(ctx context.Context, t APIToken) error
	DeleteToken(ctx context.Context, id string) error
	TouchToken(ctx context.Context, id string, at time.Time) error

	// Users
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpsertUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id string) error
	TouchUser(ctx context.Context, id string, at time.Time) error

	// Department budgets
	GetDeptBudget(ctx context.Context, deptName string) (*DeptBudget, error)
	ListDeptBudgets(ctx context.Context) ([]DeptBudget, error)
	UpsertDeptBudget(ctx context.Context, d DeptBudget) error
	DeleteDeptBudget(ctx context.Context, deptName string) error

	// Models and sub-models
	ResolveModel(ctx context.Context, nameOrID string) (*Model, error)
	ListModels(ctx context.Context, enabledOnly bool) ([]Model, error)
	UpsertModel(ctx context.Context, m Model) error
	DeleteModel(ctx context.Context, id string) error
	ListSubModels(ctx context.Context, parentModelID string, enabledOnly bool) ([]SubModel, error)
	UpsertSubModel(ctx context.Context, sm SubModel) error
	DeleteSubModel(ctx context.Context, id string) error

	// Rate limit defaults (sentinel row key="default")
	GetRateLimitConfig(ctx context.Context) (*RateLimitConfig, error)
	SaveRateLimitConfig(ctx context.Context, c RateLimitConfig) error

	// Usage sinks (written by the reconciler, read by the dashboard)
	InsertUsageLog(ctx context.Context, u UsageLog) error
	UpsertDailyStat(ctx context.Context, d DailyStatDelta) error
	ListDailyStats(ctx context.Context, from, to string) ([]DailyUsageStat, error)
	InsertRequestLog(ctx context.Context, r RequestLog) error
	ListRequestLogs(ctx context.Context, limit, offset int) ([]RequestLog, error)

	// Endpoint health (written by the synthetic harness)
	UpsertEndpointHealth(ctx context.Context, h EndpointHealth) error
	ListEndpointHealth(ctx context.Context) ([]EndpointHealth, error)

	// Audit trail for admin mutations
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Holidays (consumed by dashboard statistics)
	ListHolidays(ctx context.Context) ([]Holiday, error)
	UpsertHoliday(ctx context.Context, h Holiday) error
	DeleteHoliday(ctx context.Context, date string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// APIToken is an opaque bearer credential. The raw key is never stored:
// KeyHash holds the hex SHA-256 of the raw key and Prefix holds its first
// twelve bytes as a non-unique lookup index.
//
// Limit fields are three-valued: nil inherits from the next scope, zero
// means unlimited, and a positive value is an enforced cap.
type APIToken struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"-"`
	Enabled     bool       `json:"enabled"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	RPMLimit                 *int64 `json:"rpm_limit"`
	TPMLimit                 *int64 `json:"tpm_limit"`
	TPHLimit                 *int64 `json:"tph_limit"`
	TPDLimit                 *int64 `json:"tpd_limit"`
	MonthlyOutputTokenBudget *int64 `json:"monthly_output_token_budget"`

	// AllowedModels restricts the token to the listed model IDs.
	// Empty means all models.
	AllowedModels []string `json:"allowed_models"`
}

// User is a tenant principal that owns tokens and belongs to a department.
type User struct {
	ID                       string     `json:"id"`
	LoginID                  string     `json:"loginid"`
	DeptName                 string     `json:"deptname"`
	MonthlyOutputTokenBudget *int64     `json:"monthly_output_token_budget"`
	IsBanned                 bool       `json:"is_banned"`
	LastActive               *time.Time `json:"last_active,omitempty"`
}

// DeptBudget carries department-scope limits. The dept scope participates
// in limit resolution only while Enabled is true.
type DeptBudget struct {
	DeptName                 string `json:"deptname"`
	Enabled                  bool   `json:"enabled"`
	MonthlyOutputTokenBudget *int64 `json:"monthly_output_token_budget"`
	RPMLimit                 *int64 `json:"rpm_limit"`
	TPMLimit                 *int64 `json:"tpm_limit"`
	TPHLimit                 *int64 `json:"tph_limit"`
	TPDLimit                 *int64 `json:"tpd_limit"`
}

// Model is a logical model with its primary upstream endpoint.
type Model struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Alias             string            `json:"alias"`
	Enabled           bool              `json:"enabled"`
	EndpointURL       string            `json:"endpoint_url"`
	APIKey            string            `json:"-"`
	ExtraHeaders      map[string]string `json:"extra_headers,omitempty"`
	UpstreamModelName string            `json:"upstream_model_name"`
	MaxTokens         int               `json:"max_tokens"`
}

// SubModel augments a model's endpoint list. Enabled sub-models sorted by
// SortOrder follow the primary endpoint in the failover chain.
type SubModel struct {
	ID            string            `json:"id"`
	ParentModelID string            `json:"parent_model_id"`
	SortOrder     int               `json:"sort_order"`
	Enabled       bool              `json:"enabled"`
	EndpointURL   string            `json:"endpoint_url"`
	APIKey        string            `json:"-"`
	ExtraHeaders  map[string]string `json:"extra_headers,omitempty"`
	ModelName     string            `json:"model_name"`
}

// RateLimitConfig is the global-default limit row, keyed "default".
type RateLimitConfig struct {
	Key string `json:"key"`
	RPM int64  `json:"rpm"`
	TPM int64  `json:"tpm"`
	TPH int64  `json:"tph"`
	TPD int64  `json:"tpd"`
}

// UsageLog is one reconciled request for billing and analytics.
type UsageLog struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TokenID      string    `json:"token_id"`
	ModelID      string    `json:"model_id"`
	DeptName     string    `json:"deptname"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyStatDelta is one request's contribution to the daily rollup.
// APITokenID may be nil for requests without token attribution.
type DailyStatDelta struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	UserID       string  `json:"user_id"`
	ModelID      string  `json:"model_id"`
	APITokenID   *string `json:"api_token_id"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	LatencyMs    *int64  `json:"latency_ms"`
}

// DailyUsageStat is the rolled-up row keyed (date, user, model, token).
type DailyUsageStat struct {
	Date         string  `json:"date"`
	UserID       string  `json:"user_id"`
	ModelID      string  `json:"model_id"`
	APITokenID   *string `json:"api_token_id"`
	RequestCount int64   `json:"request_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RequestLog is a truncated audit copy of one proxied exchange.
type RequestLog struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	TokenID      string    `json:"token_id"`
	ModelID      string    `json:"model_id"`
	EndpointURL  string    `json:"endpoint_url"`
	StatusCode   int       `json:"status_code"`
	Stream       bool      `json:"stream"`
	LatencyMs    int64     `json:"latency_ms"`
	RequestBody  string    `json:"request_body"`
	ResponseBody string    `json:"response_body"`
}

// EndpointHealth is the synthetic harness's last probe result per endpoint.
type EndpointHealth struct {
	EndpointURL string    `json:"endpoint_url"`
	ModelID     string    `json:"model_id"`
	Healthy     bool      `json:"healthy"`
	LatencyMs   int64     `json:"latency_ms"`
	LastError   string    `json:"last_error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`   // e.g. "token.create", "model.delete"
	Resource  string    `json:"resource"` // e.g. token id, model id
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Holiday marks a non-working day for dashboard statistics.
type Holiday struct {
	Date string `json:"date"` // YYYY-MM-DD
	Name string `json:"name"`
}
