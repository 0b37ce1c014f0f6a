// Package httpapi mounts the two HTTP planes: the proxy plane that
// forwards OpenAI-shaped traffic, and the dashboard plane that serves
// admin CRUD and statistics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/forward"
	"github.com/llmrelay/llmrelay/internal/httperr"
	"github.com/llmrelay/llmrelay/internal/limits"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/resolve"
	"github.com/llmrelay/llmrelay/internal/selector"
	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/internal/usage"
)

// maxRequestBytes bounds an inbound proxy body (vision payloads can be
// large, but not unbounded).
const maxRequestBytes = 32 << 20

// reconcileTimeout bounds the post-response accounting work.
const reconcileTimeout = 15 * time.Second

// ProxyDeps carries everything the proxy plane handlers need.
type ProxyDeps struct {
	Store     store.Store
	Counter   counter.Counter
	Auth      *auth.Authenticator
	Limits    *limits.Resolver
	Quota     *limits.QuotaGate
	Budget    *limits.BudgetGate
	Resolver  *resolve.Resolver
	Selector  *selector.Selector
	Forwarder *forward.Forwarder
	Recorder  *usage.Recorder
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

// MountProxyRoutes attaches the data-plane handlers to the router.
func MountProxyRoutes(r chi.Router, d ProxyDeps) {
	r.Get("/v1/health", healthHandler(d))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(d.Auth))
		r.Post("/v1/chat/completions", proxyHandler(d, forward.PathChatCompletions))
		r.Post("/v1/embeddings", proxyHandler(d, forward.PathEmbeddings))
		r.Get("/v1/models", modelsListHandler(d))
		r.Get("/v1/models/{name}", modelGetHandler(d))
		r.Post("/v1/completions", func(w http.ResponseWriter, _ *http.Request) {
			httperr.Write(w, http.StatusNotImplemented, httperr.KindNotImplemented,
				"legacy completions are not supported; use /v1/chat/completions", "")
		})
	})
}

func proxyHandler(d ProxyDeps, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		p := auth.FromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
				"could not read request body", "")
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
				"request body must be a JSON object", "")
			return
		}
		modelName, _ := payload["model"].(string)
		if modelName == "" {
			httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
				"model is required", "model")
			return
		}

		// Gates run before model resolution: a denied request must get
		// its 429 (and enter the RPM window) whatever model it names.
		eff := d.Limits.Effective(r.Context(), p.Token, p.User.DeptName)
		if qe := d.Quota.Check(r.Context(), p.Token.ID, eff); qe != nil {
			d.Metrics.QuotaRejections.WithLabelValues(qe.Dim).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(qe.RetryAfter))
			httperr.Write(w, http.StatusTooManyRequests, httperr.KindRateLimitExceeded,
				qe.Error(), qe.Dim)
			return
		}
		if be := d.Budget.Check(r.Context(), p.Token, p.User); be != nil {
			d.Metrics.QuotaRejections.WithLabelValues("budget").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(be.RetryAfter()))
			httperr.Write(w, http.StatusTooManyRequests, httperr.KindBudgetExceeded,
				be.Error(), be.Scope)
			return
		}

		res, ok := d.resolveForPrincipal(r.Context(), w, p, modelName)
		if !ok {
			return
		}

		ordered := d.Selector.Order(r.Context(), res.Model.ID, res.Endpoints)
		if len(ordered) < len(res.Endpoints) {
			d.Metrics.FailoversTotal.WithLabelValues(res.Model.ID).Inc()
		}

		result, err := d.Forwarder.Forward(r.Context(), w, ordered, path, payload)
		if err != nil {
			d.Logger.Error("proxy: forward failed",
				slog.String("model", res.Model.ID), slog.String("error", err.Error()))
			return
		}

		latency := time.Since(start).Milliseconds()
		d.Metrics.RequestsTotal.WithLabelValues(path, res.Model.ID, strconv.Itoa(result.StatusCode)).Inc()
		d.Metrics.RequestLatency.WithLabelValues(path, res.Model.ID).Observe(float64(latency))
		if result.UsageFound {
			d.Metrics.TokensTotal.WithLabelValues(res.Model.ID, "input").Add(float64(result.Usage.InputTokens))
			d.Metrics.TokensTotal.WithLabelValues(res.Model.ID, "output").Add(float64(result.Usage.OutputTokens))
		}

		ev := usage.Event{
			User:         p.User,
			Token:        p.Token,
			ModelID:      res.Model.ID,
			EndpointURL:  result.EndpointURL,
			StatusCode:   result.StatusCode,
			Stream:       result.Streamed,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			LatencyMs:    latency,
			RequestBody:  body,
			ResponseBody: result.ResponseBody,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			defer cancel()
			d.Recorder.Record(ctx, ev)
		}()
	}
}

// resolveForPrincipal resolves the model and enforces the token's
// allow-list, writing the error response itself on failure.
func (d ProxyDeps) resolveForPrincipal(ctx context.Context, w http.ResponseWriter, p *auth.Principal, modelName string) (*resolve.Resolution, bool) {
	res, err := d.Resolver.Resolve(ctx, modelName)
	if err != nil {
		var nf *resolve.NotFoundError
		if errors.As(err, &nf) {
			httperr.Write(w, http.StatusNotFound, httperr.KindNotFound, nf.Error(), "model")
			return nil, false
		}
		d.Logger.Error("proxy: model resolution failed",
			slog.String("model", modelName), slog.String("error", err.Error()))
		httperr.Write(w, http.StatusInternalServerError, httperr.KindServerError,
			"model resolution failed", "")
		return nil, false
	}
	if !p.AllowsModel(res.Model.ID) {
		httperr.Write(w, http.StatusForbidden, httperr.KindPermission,
			"this API key is not allowed to use the requested model", "model")
		return nil, false
	}
	return res, true
}

func modelsListHandler(d ProxyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		models, err := d.Store.ListModels(r.Context(), true)
		if err != nil {
			httperr.Write(w, http.StatusInternalServerError, httperr.KindServerError,
				"could not list models", "")
			return
		}
		out := make([]map[string]any, 0, len(models))
		for _, m := range models {
			if !p.AllowsModel(m.ID) {
				continue
			}
			out = append(out, modelObject(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
	}
}

func modelGetHandler(d ProxyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		name := chi.URLParam(r, "name")

		m, err := d.Store.ResolveModel(r.Context(), name)
		if err != nil {
			httperr.Write(w, http.StatusInternalServerError, httperr.KindServerError,
				"could not fetch model", "")
			return
		}
		if m == nil || !m.Enabled || !p.AllowsModel(m.ID) {
			httperr.Write(w, http.StatusNotFound, httperr.KindNotFound,
				"model "+strconv.Quote(name)+" not found", "model")
			return
		}
		writeJSON(w, http.StatusOK, modelObject(*m))
	}
}

func modelObject(m store.Model) map[string]any {
	return map[string]any{
		"id":       m.Name,
		"object":   "model",
		"owned_by": "llmrelay",
	}
}

func healthHandler(d ProxyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if err := d.Store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["store"] = err.Error()
		}
		if err := d.Counter.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["counter"] = err.Error()
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
