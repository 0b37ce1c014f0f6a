package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/httperr"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/store"
)

// DashboardDeps carries the admin plane's dependencies.
type DashboardDeps struct {
	Store    store.Store
	Counter  counter.Counter
	Sessions *Sessions
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// MountDashboardRoutes attaches the admin plane to the router.
func MountDashboardRoutes(r chi.Router, d DashboardDeps) {
	r.Post("/auth/login", LoginHandler(d.Sessions))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(SessionMiddleware(d.Sessions))

		r.Get("/users", d.listUsers)
		r.Post("/users", d.upsertUser)
		r.Delete("/users/{id}", d.deleteUser)

		r.Get("/tokens", d.listTokens)
		r.Post("/tokens", d.createToken)
		r.Patch("/tokens/{id}", d.updateToken)
		r.Delete("/tokens/{id}", d.deleteToken)

		r.Get("/models", d.listModels)
		r.Post("/models", d.upsertModel)
		r.Delete("/models/{id}", d.deleteModel)
		r.Get("/models/{id}/submodels", d.listSubModels)
		r.Post("/models/{id}/submodels", d.upsertSubModel)
		r.Delete("/models/{id}/submodels/{subID}", d.deleteSubModel)

		r.Get("/dept-budgets", d.listDeptBudgets)
		r.Post("/dept-budgets", d.upsertDeptBudget)
		r.Delete("/dept-budgets/{deptname}", d.deleteDeptBudget)

		r.Get("/rate-limit-config", d.getRateLimitConfig)
		r.Put("/rate-limit-config", d.saveRateLimitConfig)

		r.Get("/holidays", d.listHolidays)
		r.Post("/holidays", d.upsertHoliday)
		r.Delete("/holidays/{date}", d.deleteHoliday)

		r.Get("/audit-logs", d.listAuditLogs)
		r.Get("/request-logs", d.listRequestLogs)
		r.Get("/stats/daily", d.dailyStats)
		r.Get("/stats/active-users", d.activeUsers)
		r.Get("/endpoint-health", d.endpointHealth)
	})
}

// audit appends one admin mutation to the audit trail; failures are
// logged, the mutation itself has already happened.
func (d DashboardDeps) audit(r *http.Request, action, resource, detail string) {
	actor := "unknown"
	if id := IdentityFromContext(r.Context()); id != nil {
		actor = id.LoginID
	}
	err := d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		d.Logger.Warn("dashboard: audit write failed",
			slog.String("action", action), slog.String("error", err.Error()))
	}
}

func decodeInto(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"invalid JSON body", "")
		return false
	}
	return true
}

func storeError(w http.ResponseWriter, d DashboardDeps, op string, err error) {
	d.Logger.Error("dashboard: store operation failed",
		slog.String("op", op), slog.String("error", err.Error()))
	httperr.Write(w, http.StatusInternalServerError, httperr.KindServerError, op+" failed", "")
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// Users

func (d DashboardDeps) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := d.Store.ListUsers(r.Context())
	if err != nil {
		storeError(w, d, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (d DashboardDeps) upsertUser(w http.ResponseWriter, r *http.Request) {
	var u store.User
	if !decodeInto(w, r, &u) {
		return
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.LoginID == "" {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"loginid is required", "loginid")
		return
	}
	if err := d.Store.UpsertUser(r.Context(), u); err != nil {
		storeError(w, d, "upsert user", err)
		return
	}
	d.audit(r, "user.upsert", u.ID, u.LoginID)
	writeJSON(w, http.StatusOK, u)
}

func (d DashboardDeps) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Store.DeleteUser(r.Context(), id); err != nil {
		storeError(w, d, "delete user", err)
		return
	}
	d.audit(r, "user.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// Tokens

func (d DashboardDeps) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := d.Store.ListTokens(r.Context())
	if err != nil {
		storeError(w, d, "list tokens", err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// newRawKey mints a fresh bearer key. Only the hash and the prefix are
// persisted; the raw key is returned to the caller exactly once.
func newRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return auth.KeyPrefix + hex.EncodeToString(b), nil
}

func (d DashboardDeps) createToken(w http.ResponseWriter, r *http.Request) {
	var t store.APIToken
	if !decodeInto(w, r, &t) {
		return
	}
	if t.OwnerUserID == "" {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"owner_user_id is required", "owner_user_id")
		return
	}
	raw, err := newRawKey()
	if err != nil {
		storeError(w, d, "generate key", err)
		return
	}
	t.ID = uuid.NewString()
	t.Prefix = raw[:12]
	t.KeyHash = auth.HashKey(raw)
	t.Enabled = true
	t.CreatedAt = time.Now()

	if err := d.Store.CreateToken(r.Context(), t); err != nil {
		storeError(w, d, "create token", err)
		return
	}
	d.audit(r, "token.create", t.ID, t.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"token": t, "raw_key": raw})
}

func (d DashboardDeps) updateToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := d.Store.GetToken(r.Context(), id)
	if err != nil {
		storeError(w, d, "fetch token", err)
		return
	}
	if existing == nil {
		httperr.Write(w, http.StatusNotFound, httperr.KindNotFound, "token not found", "")
		return
	}

	patch := *existing
	if !decodeInto(w, r, &patch) {
		return
	}
	// Identity and credential fields are immutable.
	patch.ID = existing.ID
	patch.Prefix = existing.Prefix
	patch.KeyHash = existing.KeyHash
	patch.CreatedAt = existing.CreatedAt

	if err := d.Store.UpdateToken(r.Context(), patch); err != nil {
		storeError(w, d, "update token", err)
		return
	}
	d.audit(r, "token.update", id, "")
	writeJSON(w, http.StatusOK, patch)
}

func (d DashboardDeps) deleteToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Store.DeleteToken(r.Context(), id); err != nil {
		storeError(w, d, "delete token", err)
		return
	}
	d.audit(r, "token.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// Models

func (d DashboardDeps) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := d.Store.ListModels(r.Context(), false)
	if err != nil {
		storeError(w, d, "list models", err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (d DashboardDeps) upsertModel(w http.ResponseWriter, r *http.Request) {
	var m modelPayload
	if !decodeInto(w, r, &m) {
		return
	}
	if m.Name == "" || m.EndpointURL == "" {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"name and endpoint_url are required", "")
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := d.Store.UpsertModel(r.Context(), m.toModel()); err != nil {
		storeError(w, d, "upsert model", err)
		return
	}
	d.audit(r, "model.upsert", m.ID, m.Name)
	writeJSON(w, http.StatusOK, m)
}

// modelPayload mirrors store.Model but accepts the api_key on writes;
// the store record never serializes it back out.
type modelPayload struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Alias             string            `json:"alias"`
	Enabled           bool              `json:"enabled"`
	EndpointURL       string            `json:"endpoint_url"`
	APIKey            string            `json:"api_key"`
	ExtraHeaders      map[string]string `json:"extra_headers,omitempty"`
	UpstreamModelName string            `json:"upstream_model_name"`
	MaxTokens         int               `json:"max_tokens"`
}

func (m modelPayload) toModel() store.Model {
	return store.Model{
		ID:                m.ID,
		Name:              m.Name,
		Alias:             m.Alias,
		Enabled:           m.Enabled,
		EndpointURL:       m.EndpointURL,
		APIKey:            m.APIKey,
		ExtraHeaders:      m.ExtraHeaders,
		UpstreamModelName: m.UpstreamModelName,
		MaxTokens:         m.MaxTokens,
	}
}

func (d DashboardDeps) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Store.DeleteModel(r.Context(), id); err != nil {
		storeError(w, d, "delete model", err)
		return
	}
	d.audit(r, "model.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (d DashboardDeps) listSubModels(w http.ResponseWriter, r *http.Request) {
	subs, err := d.Store.ListSubModels(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		storeError(w, d, "list sub-models", err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

type subModelPayload struct {
	ID           string            `json:"id"`
	SortOrder    int               `json:"sort_order"`
	Enabled      bool              `json:"enabled"`
	EndpointURL  string            `json:"endpoint_url"`
	APIKey       string            `json:"api_key"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	ModelName    string            `json:"model_name"`
}

func (d DashboardDeps) upsertSubModel(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")
	var sm subModelPayload
	if !decodeInto(w, r, &sm) {
		return
	}
	if sm.EndpointURL == "" {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"endpoint_url is required", "endpoint_url")
		return
	}
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	rec := store.SubModel{
		ID:            sm.ID,
		ParentModelID: parentID,
		SortOrder:     sm.SortOrder,
		Enabled:       sm.Enabled,
		EndpointURL:   sm.EndpointURL,
		APIKey:        sm.APIKey,
		ExtraHeaders:  sm.ExtraHeaders,
		ModelName:     sm.ModelName,
	}
	if err := d.Store.UpsertSubModel(r.Context(), rec); err != nil {
		storeError(w, d, "upsert sub-model", err)
		return
	}
	d.audit(r, "submodel.upsert", sm.ID, parentID)
	writeJSON(w, http.StatusOK, rec)
}

func (d DashboardDeps) deleteSubModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subID")
	if err := d.Store.DeleteSubModel(r.Context(), id); err != nil {
		storeError(w, d, "delete sub-model", err)
		return
	}
	d.audit(r, "submodel.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// Department budgets

func (d DashboardDeps) listDeptBudgets(w http.ResponseWriter, r *http.Request) {
	depts, err := d.Store.ListDeptBudgets(r.Context())
	if err != nil {
		storeError(w, d, "list dept budgets", err)
		return
	}
	writeJSON(w, http.StatusOK, depts)
}

func (d DashboardDeps) upsertDeptBudget(w http.ResponseWriter, r *http.Request) {
	var b store.DeptBudget
	if !decodeInto(w, r, &b) {
		return
	}
	if b.DeptName == "" {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"deptname is required", "deptname")
		return
	}
	if err := d.Store.UpsertDeptBudget(r.Context(), b); err != nil {
		storeError(w, d, "upsert dept budget", err)
		return
	}
	d.audit(r, "deptbudget.upsert", b.DeptName, "")
	writeJSON(w, http.StatusOK, b)
}

func (d DashboardDeps) deleteDeptBudget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "deptname")
	if err := d.Store.DeleteDeptBudget(r.Context(), name); err != nil {
		storeError(w, d, "delete dept budget", err)
		return
	}
	d.audit(r, "deptbudget.delete", name, "")
	w.WriteHeader(http.StatusNoContent)
}

// Rate-limit config

func (d DashboardDeps) getRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := d.Store.GetRateLimitConfig(r.Context())
	if err != nil {
		storeError(w, d, "fetch rate limit config", err)
		return
	}
	if cfg == nil {
		cfg = &store.RateLimitConfig{Key: "default"}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (d DashboardDeps) saveRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.RateLimitConfig
	if !decodeInto(w, r, &cfg) {
		return
	}
	cfg.Key = "default"
	if err := d.Store.SaveRateLimitConfig(r.Context(), cfg); err != nil {
		storeError(w, d, "save rate limit config", err)
		return
	}
	d.audit(r, "ratelimitconfig.save", cfg.Key, "")
	writeJSON(w, http.StatusOK, cfg)
}

// Holidays

func (d DashboardDeps) listHolidays(w http.ResponseWriter, r *http.Request) {
	holidays, err := d.Store.ListHolidays(r.Context())
	if err != nil {
		storeError(w, d, "list holidays", err)
		return
	}
	writeJSON(w, http.StatusOK, holidays)
}

func (d DashboardDeps) upsertHoliday(w http.ResponseWriter, r *http.Request) {
	var h store.Holiday
	if !decodeInto(w, r, &h) {
		return
	}
	if _, err := time.Parse("2006-01-02", h.Date); err != nil {
		httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
			"date must be YYYY-MM-DD", "date")
		return
	}
	if err := d.Store.UpsertHoliday(r.Context(), h); err != nil {
		storeError(w, d, "upsert holiday", err)
		return
	}
	d.audit(r, "holiday.upsert", h.Date, h.Name)
	writeJSON(w, http.StatusOK, h)
}

func (d DashboardDeps) deleteHoliday(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if err := d.Store.DeleteHoliday(r.Context(), date); err != nil {
		storeError(w, d, "delete holiday", err)
		return
	}
	d.audit(r, "holiday.delete", date, "")
	w.WriteHeader(http.StatusNoContent)
}

// Read-only views

func (d DashboardDeps) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
	if err != nil {
		storeError(w, d, "list audit logs", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d DashboardDeps) listRequestLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	logs, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
	if err != nil {
		storeError(w, d, "list request logs", err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (d DashboardDeps) dailyStats(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = time.Now().AddDate(0, 0, -30).Format("2006-01-02")
	}
	if to == "" {
		to = time.Now().Format("2006-01-02")
	}
	stats, err := d.Store.ListDailyStats(r.Context(), from, to)
	if err != nil {
		storeError(w, d, "list daily stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d DashboardDeps) activeUsers(w http.ResponseWriter, r *http.Request) {
	// Trim the rolling window, then report the live count.
	cutoff := float64(time.Now().Add(-5 * time.Minute).UnixMilli())
	if err := d.Counter.ZRemRangeByScore(r.Context(), counter.ActiveUsersKey, cutoff); err != nil {
		d.Logger.Warn("dashboard: active user trim failed", slog.String("error", err.Error()))
	}
	n, err := d.Counter.ZCard(r.Context(), counter.ActiveUsersKey)
	if err != nil {
		storeError(w, d, "count active users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (d DashboardDeps) endpointHealth(w http.ResponseWriter, r *http.Request) {
	health, err := d.Store.ListEndpointHealth(r.Context())
	if err != nil {
		storeError(w, d, "list endpoint health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
