package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			loginid TEXT NOT NULL UNIQUE,
			deptname TEXT NOT NULL DEFAULT '',
			monthly_output_token_budget INTEGER,
			is_banned INTEGER NOT NULL DEFAULT 0,
			last_active TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			expires_at TEXT,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			rpm_limit INTEGER,
			tpm_limit INTEGER,
			tph_limit INTEGER,
			tpd_limit INTEGER,
			monthly_output_token_budget INTEGER,
			allowed_models TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_tokens_prefix ON api_tokens(prefix)`,
		`CREATE TABLE IF NOT EXISTS dept_budgets (
			deptname TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			monthly_output_token_budget INTEGER,
			rpm_limit INTEGER,
			tpm_limit INTEGER,
			tph_limit INTEGER,
			tpd_limit INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			alias TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			endpoint_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			extra_headers TEXT NOT NULL DEFAULT '{}',
			upstream_model_name TEXT NOT NULL DEFAULT '',
			max_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sub_models (
			id TEXT PRIMARY KEY,
			parent_model_id TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			endpoint_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			extra_headers TEXT NOT NULL DEFAULT '{}',
			model_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_models_parent ON sub_models(parent_model_id, sort_order)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_configs (
			key TEXT PRIMARY KEY,
			rpm INTEGER NOT NULL DEFAULT 0,
			tpm INTEGER NOT NULL DEFAULT 0,
			tph INTEGER NOT NULL DEFAULT 0,
			tpd INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL,
			deptname TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_created ON usage_logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS daily_usage_stats (
			date TEXT NOT NULL,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			api_token_id TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			avg_latency_ms REAL NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_stats_key
			ON daily_usage_stats(date, user_id, model_id, ifnull(api_token_id, ''))`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			token_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			endpoint_url TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			stream INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS endpoint_health (
			endpoint_url TEXT PRIMARY KEY,
			model_id TEXT NOT NULL DEFAULT '',
			healthy INTEGER NOT NULL DEFAULT 1,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			checked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS holidays (
			date TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// time column helpers: times are stored as RFC3339 TEXT, UTC.

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// API tokens

const tokenCols = `id, owner_user_id, name, prefix, key_hash, enabled, expires_at, last_used_at, created_at,
	rpm_limit, tpm_limit, tph_limit, tpd_limit, monthly_output_token_budget, allowed_models`

func scanToken(scan func(dest ...any) error) (APIToken, error) {
	var t APIToken
	var enabled int
	var expires, lastUsed sql.NullString
	var createdAt, allowed string
	var rpm, tpm, tph, tpd, budget sql.NullInt64
	err := scan(&t.ID, &t.OwnerUserID, &t.Name, &t.Prefix, &t.KeyHash, &enabled,
		&expires, &lastUsed, &createdAt, &rpm, &tpm, &tph, &tpd, &budget, &allowed)
	if err != nil {
		return t, err
	}
	t.Enabled = enabled != 0
	t.ExpiresAt = parseTimePtr(expires)
	t.LastUsedAt = parseTimePtr(lastUsed)
	t.CreatedAt = parseTime(createdAt)
	t.RPMLimit = intPtr(rpm)
	t.TPMLimit = intPtr(tpm)
	t.TPHLimit = intPtr(tph)
	t.TPDLimit = intPtr(tpd)
	t.MonthlyOutputTokenBudget = intPtr(budget)
	if err := json.Unmarshal([]byte(allowed), &t.AllowedModels); err != nil {
		t.AllowedModels = nil
	}
	return t, nil
}

func (s *SQLiteStore) GetTokensByPrefix(ctx context.Context, prefix string) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenCols+` FROM api_tokens WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []APIToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM api_tokens WHERE id = ?`, id)
	t, err := scanToken(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTokens(ctx context.Context) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenCols+` FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []APIToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) CreateToken(ctx context.Context, t APIToken) error {
	allowed, err := json.Marshal(t.AllowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed models: %w", err)
	}
	enabledInt := 0
	if t.Enabled {
		enabledInt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (`+tokenCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerUserID, t.Name, t.Prefix, t.KeyHash, enabledInt,
		fmtTimePtr(t.ExpiresAt), fmtTimePtr(t.LastUsedAt), fmtTime(t.CreatedAt),
		nullInt(t.RPMLimit), nullInt(t.TPMLimit), nullInt(t.TPHLimit), nullInt(t.TPDLimit),
		nullInt(t.MonthlyOutputTokenBudget), string(allowed))
	return err
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, t APIToken) error {
	allowed, err := json.Marshal(t.AllowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed models: %w", err)
	}
	enabledInt := 0
	if t.Enabled {
		enabledInt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE api_tokens SET name=?, enabled=?, expires_at=?,
		 rpm_limit=?, tpm_limit=?, tph_limit=?, tpd_limit=?,
		 monthly_output_token_budget=?, allowed_models=?
		 WHERE id=?`,
		t.Name, enabledInt, fmtTimePtr(t.ExpiresAt),
		nullInt(t.RPMLimit), nullInt(t.TPMLimit), nullInt(t.TPHLimit), nullInt(t.TPDLimit),
		nullInt(t.MonthlyOutputTokenBudget), string(allowed), t.ID)
	return err
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, fmtTime(at), id)
	return err
}

// Users

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var budget sql.NullInt64
	var banned int
	var lastActive sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, loginid, deptname, monthly_output_token_budget, is_banned, last_active
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.LoginID, &u.DeptName, &budget, &banned, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.MonthlyOutputTokenBudget = intPtr(budget)
	u.IsBanned = banned != 0
	u.LastActive = parseTimePtr(lastActive)
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loginid, deptname, monthly_output_token_budget, is_banned, last_active
		 FROM users ORDER BY loginid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		var budget sql.NullInt64
		var banned int
		var lastActive sql.NullString
		if err := rows.Scan(&u.ID, &u.LoginID, &u.DeptName, &budget, &banned, &lastActive); err != nil {
			return nil, err
		}
		u.MonthlyOutputTokenBudget = intPtr(budget)
		u.IsBanned = banned != 0
		u.LastActive = parseTimePtr(lastActive)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	banned := 0
	if u.IsBanned {
		banned = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, loginid, deptname, monthly_output_token_budget, is_banned, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   loginid=excluded.loginid,
		   deptname=excluded.deptname,
		   monthly_output_token_budget=excluded.monthly_output_token_budget,
		   is_banned=excluded.is_banned`,
		u.ID, u.LoginID, u.DeptName, nullInt(u.MonthlyOutputTokenBudget), banned, fmtTimePtr(u.LastActive))
	return err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active = ? WHERE id = ?`, fmtTime(at), id)
	return err
}

// Department budgets

func (s *SQLiteStore) GetDeptBudget(ctx context.Context, deptName string) (*DeptBudget, error) {
	var d DeptBudget
	var enabled int
	var budget, rpm, tpm, tph, tpd sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT deptname, enabled, monthly_output_token_budget, rpm_limit, tpm_limit, tph_limit, tpd_limit
		 FROM dept_budgets WHERE deptname = ?`, deptName).
		Scan(&d.DeptName, &enabled, &budget, &rpm, &tpm, &tph, &tpd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled != 0
	d.MonthlyOutputTokenBudget = intPtr(budget)
	d.RPMLimit = intPtr(rpm)
	d.TPMLimit = intPtr(tpm)
	d.TPHLimit = intPtr(tph)
	d.TPDLimit = intPtr(tpd)
	return &d, nil
}

func (s *SQLiteStore) ListDeptBudgets(ctx context.Context) ([]DeptBudget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT deptname, enabled, monthly_output_token_budget, rpm_limit, tpm_limit, tph_limit, tpd_limit
		 FROM dept_budgets ORDER BY deptname`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var depts []DeptBudget
	for rows.Next() {
		var d DeptBudget
		var enabled int
		var budget, rpm, tpm, tph, tpd sql.NullInt64
		if err := rows.Scan(&d.DeptName, &enabled, &budget, &rpm, &tpm, &tph, &tpd); err != nil {
			return nil, err
		}
		d.Enabled = enabled != 0
		d.MonthlyOutputTokenBudget = intPtr(budget)
		d.RPMLimit = intPtr(rpm)
		d.TPMLimit = intPtr(tpm)
		d.TPHLimit = intPtr(tph)
		d.TPDLimit = intPtr(tpd)
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

func (s *SQLiteStore) UpsertDeptBudget(ctx context.Context, d DeptBudget) error {
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dept_budgets (deptname, enabled, monthly_output_token_budget, rpm_limit, tpm_limit, tph_limit, tpd_limit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deptname) DO UPDATE SET
		   enabled=excluded.enabled,
		   monthly_output_token_budget=excluded.monthly_output_token_budget,
		   rpm_limit=excluded.rpm_limit,
		   tpm_limit=excluded.tpm_limit,
		   tph_limit=excluded.tph_limit,
		   tpd_limit=excluded.tpd_limit`,
		d.DeptName, enabled, nullInt(d.MonthlyOutputTokenBudget),
		nullInt(d.RPMLimit), nullInt(d.TPMLimit), nullInt(d.TPHLimit), nullInt(d.TPDLimit))
	return err
}

func (s *SQLiteStore) DeleteDeptBudget(ctx context.Context, deptName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dept_budgets WHERE deptname = ?`, deptName)
	return err
}

// Models

const modelCols = `id, name, alias, enabled, endpoint_url, api_key, extra_headers, upstream_model_name, max_tokens`

func scanModel(scan func(dest ...any) error) (Model, error) {
	var m Model
	var enabled int
	var headers string
	err := scan(&m.ID, &m.Name, &m.Alias, &enabled, &m.EndpointURL, &m.APIKey,
		&headers, &m.UpstreamModelName, &m.MaxTokens)
	if err != nil {
		return m, err
	}
	m.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(headers), &m.ExtraHeaders); err != nil {
		m.ExtraHeaders = nil
	}
	return m, nil
}

// ResolveModel looks up an enabled model by id, name, or alias.
// Returns nil when no enabled model matches.
func (s *SQLiteStore) ResolveModel(ctx context.Context, nameOrID string) (*Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelCols+` FROM models
		 WHERE enabled = 1 AND (id = ? OR name = ? OR (alias != '' AND alias = ?))`,
		nameOrID, nameOrID, nameOrID)
	m, err := scanModel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context, enabledOnly bool) ([]Model, error) {
	q := `SELECT ` + modelCols + ` FROM models`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []Model
	for rows.Next() {
		m, err := scanModel(rows.Scan)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m Model) error {
	headers, err := json.Marshal(m.ExtraHeaders)
	if err != nil {
		return fmt.Errorf("marshal extra headers: %w", err)
	}
	enabled := 0
	if m.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (`+modelCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   alias=excluded.alias,
		   enabled=excluded.enabled,
		   endpoint_url=excluded.endpoint_url,
		   api_key=excluded.api_key,
		   extra_headers=excluded.extra_headers,
		   upstream_model_name=excluded.upstream_model_name,
		   max_tokens=excluded.max_tokens`,
		m.ID, m.Name, m.Alias, enabled, m.EndpointURL, m.APIKey,
		string(headers), m.UpstreamModelName, m.MaxTokens)
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sub_models WHERE parent_model_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

// Sub-models

func (s *SQLiteStore) ListSubModels(ctx context.Context, parentModelID string, enabledOnly bool) ([]SubModel, error) {
	q := `SELECT id, parent_model_id, sort_order, enabled, endpoint_url, api_key, extra_headers, model_name
	      FROM sub_models WHERE parent_model_id = ?`
	if enabledOnly {
		q += ` AND enabled = 1`
	}
	q += ` ORDER BY sort_order ASC`
	rows, err := s.db.QueryContext(ctx, q, parentModelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []SubModel
	for rows.Next() {
		var sm SubModel
		var enabled int
		var headers string
		if err := rows.Scan(&sm.ID, &sm.ParentModelID, &sm.SortOrder, &enabled,
			&sm.EndpointURL, &sm.APIKey, &headers, &sm.ModelName); err != nil {
			return nil, err
		}
		sm.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(headers), &sm.ExtraHeaders); err != nil {
			sm.ExtraHeaders = nil
		}
		subs = append(subs, sm)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) UpsertSubModel(ctx context.Context, sm SubModel) error {
	headers, err := json.Marshal(sm.ExtraHeaders)
	if err != nil {
		return fmt.Errorf("marshal extra headers: %w", err)
	}
	enabled := 0
	if sm.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sub_models (id, parent_model_id, sort_order, enabled, endpoint_url, api_key, extra_headers, model_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   parent_model_id=excluded.parent_model_id,
		   sort_order=excluded.sort_order,
		   enabled=excluded.enabled,
		   endpoint_url=excluded.endpoint_url,
		   api_key=excluded.api_key,
		   extra_headers=excluded.extra_headers,
		   model_name=excluded.model_name`,
		sm.ID, sm.ParentModelID, sm.SortOrder, enabled, sm.EndpointURL, sm.APIKey,
		string(headers), sm.ModelName)
	return err
}

func (s *SQLiteStore) DeleteSubModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sub_models WHERE id = ?`, id)
	return err
}

// Rate limit defaults

func (s *SQLiteStore) GetRateLimitConfig(ctx context.Context) (*RateLimitConfig, error) {
	var c RateLimitConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT key, rpm, tpm, tph, tpd FROM rate_limit_configs WHERE key = 'default'`).
		Scan(&c.Key, &c.RPM, &c.TPM, &c.TPH, &c.TPD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) SaveRateLimitConfig(ctx context.Context, c RateLimitConfig) error {
	if c.Key == "" {
		c.Key = "default"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_configs (key, rpm, tpm, tph, tpd)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   rpm=excluded.rpm, tpm=excluded.tpm, tph=excluded.tph, tpd=excluded.tpd`,
		c.Key, c.RPM, c.TPM, c.TPH, c.TPD)
	return err
}

// Usage sinks

func (s *SQLiteStore) InsertUsageLog(ctx context.Context, u UsageLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs (id, user_id, token_id, model_id, deptname,
		 input_tokens, output_tokens, total_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.TokenID, u.ModelID, u.DeptName,
		u.InputTokens, u.OutputTokens, u.TotalTokens, u.LatencyMs, fmtTime(u.CreatedAt))
	return err
}

// UpsertDailyStat increments the daily rollup row for the delta's key.
// Rows with a NULL api_token_id cannot rely on ON CONFLICT because SQL
// NULLs never compare equal, so they take an UPDATE-then-INSERT path.
func (s *SQLiteStore) UpsertDailyStat(ctx context.Context, d DailyStatDelta) error {
	lat := int64(0)
	hasLat := 0
	if d.LatencyMs != nil {
		lat = *d.LatencyMs
		hasLat = 1
	}
	if d.APITokenID != nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO daily_usage_stats (date, user_id, model_id, api_token_id,
			 request_count, input_tokens, output_tokens, avg_latency_ms)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?)
			 ON CONFLICT(date, user_id, model_id, ifnull(api_token_id, '')) DO UPDATE SET
			   request_count = request_count + 1,
			   input_tokens = input_tokens + excluded.input_tokens,
			   output_tokens = output_tokens + excluded.output_tokens,
			   avg_latency_ms = CASE WHEN ? = 1
			     THEN (avg_latency_ms * request_count + ?) / (request_count + 1)
			     ELSE avg_latency_ms END`,
			d.Date, d.UserID, d.ModelID, *d.APITokenID,
			d.InputTokens, d.OutputTokens, float64(lat), hasLat, float64(lat))
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_usage_stats SET
		   request_count = request_count + 1,
		   input_tokens = input_tokens + ?,
		   output_tokens = output_tokens + ?,
		   avg_latency_ms = CASE WHEN ? = 1
		     THEN (avg_latency_ms * request_count + ?) / (request_count + 1)
		     ELSE avg_latency_ms END
		 WHERE date = ? AND user_id = ? AND model_id = ? AND api_token_id IS NULL`,
		d.InputTokens, d.OutputTokens, hasLat, float64(lat),
		d.Date, d.UserID, d.ModelID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO daily_usage_stats (date, user_id, model_id, api_token_id,
			 request_count, input_tokens, output_tokens, avg_latency_ms)
			 VALUES (?, ?, ?, NULL, 1, ?, ?, ?)`,
			d.Date, d.UserID, d.ModelID, d.InputTokens, d.OutputTokens, float64(lat))
	}
	return err
}

func (s *SQLiteStore) ListDailyStats(ctx context.Context, from, to string) ([]DailyUsageStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, user_id, model_id, api_token_id, request_count, input_tokens, output_tokens, avg_latency_ms
		 FROM daily_usage_stats WHERE date >= ? AND date <= ? ORDER BY date DESC`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []DailyUsageStat
	for rows.Next() {
		var st DailyUsageStat
		var tokenID sql.NullString
		if err := rows.Scan(&st.Date, &st.UserID, &st.ModelID, &tokenID,
			&st.RequestCount, &st.InputTokens, &st.OutputTokens, &st.AvgLatencyMs); err != nil {
			return nil, err
		}
		if tokenID.Valid {
			v := tokenID.String
			st.APITokenID = &v
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, r RequestLog) error {
	stream := 0
	if r.Stream {
		stream = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (id, timestamp, user_id, token_id, model_id, endpoint_url,
		 status_code, stream, latency_ms, request_body, response_body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, fmtTime(r.Timestamp), r.UserID, r.TokenID, r.ModelID, r.EndpointURL,
		r.StatusCode, stream, r.LatencyMs, r.RequestBody, r.ResponseBody)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, user_id, token_id, model_id, endpoint_url,
		 status_code, stream, latency_ms, request_body, response_body
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		var stream int
		if err := rows.Scan(&l.ID, &ts, &l.UserID, &l.TokenID, &l.ModelID, &l.EndpointURL,
			&l.StatusCode, &stream, &l.LatencyMs, &l.RequestBody, &l.ResponseBody); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		l.Stream = stream != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Endpoint health

func (s *SQLiteStore) UpsertEndpointHealth(ctx context.Context, h EndpointHealth) error {
	healthy := 0
	if h.Healthy {
		healthy = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoint_health (endpoint_url, model_id, healthy, latency_ms, last_error, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint_url) DO UPDATE SET
		   model_id=excluded.model_id,
		   healthy=excluded.healthy,
		   latency_ms=excluded.latency_ms,
		   last_error=excluded.last_error,
		   checked_at=excluded.checked_at`,
		h.EndpointURL, h.ModelID, healthy, h.LatencyMs, h.LastError, fmtTime(h.CheckedAt))
	return err
}

func (s *SQLiteStore) ListEndpointHealth(ctx context.Context) ([]EndpointHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint_url, model_id, healthy, latency_ms, last_error, checked_at
		 FROM endpoint_health ORDER BY endpoint_url`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hs []EndpointHealth
	for rows.Next() {
		var h EndpointHealth
		var healthy int
		var ts string
		if err := rows.Scan(&h.EndpointURL, &h.ModelID, &healthy, &h.LatencyMs, &h.LastError, &ts); err != nil {
			return nil, err
		}
		h.Healthy = healthy != 0
		h.CheckedAt = parseTime(ts)
		hs = append(hs, h)
	}
	return hs, rows.Err()
}

// Audit logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, actor, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(entry.Timestamp), entry.Actor, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, actor, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Actor, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Holidays

func (s *SQLiteStore) ListHolidays(ctx context.Context) ([]Holiday, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, name FROM holidays ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hs []Holiday
	for rows.Next() {
		var h Holiday
		if err := rows.Scan(&h.Date, &h.Name); err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, rows.Err()
}

func (s *SQLiteStore) UpsertHoliday(ctx context.Context, h Holiday) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holidays (date, name) VALUES (?, ?)
		 ON CONFLICT(date) DO UPDATE SET name=excluded.name`,
		h.Date, h.Name)
	return err
}

func (s *SQLiteStore) DeleteHoliday(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holidays WHERE date = ?`, date)
	return err
}
