// Package synthetic runs scheduled probe requests against every enabled
// model's endpoints and records the results for the dashboard. Only one
// worker replica runs the harness.
package synthetic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/llmrelay/llmrelay/internal/forward"
	"github.com/llmrelay/llmrelay/internal/resolve"
	"github.com/llmrelay/llmrelay/internal/store"
)

const (
	schedule     = "@every 5m"
	probeTimeout = 30 * time.Second
)

// harnessStore is the slice of the persistent store the harness uses.
type harnessStore interface {
	ListModels(ctx context.Context, enabledOnly bool) ([]store.Model, error)
	UpsertEndpointHealth(ctx context.Context, h store.EndpointHealth) error
}

// Harness probes model endpoints on a fixed schedule.
type Harness struct {
	store    harnessStore
	resolver *resolve.Resolver
	client   *http.Client
	logger   *slog.Logger
	cron     *cron.Cron

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a Harness. A nil client gets a dedicated one.
func New(s harnessStore, r *resolve.Resolver, client *http.Client, logger *slog.Logger) *Harness {
	if client == nil {
		client = &http.Client{}
	}
	return &Harness{
		store:    s,
		resolver: r,
		client:   client,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Start schedules the probe run. The returned stop function waits for an
// in-flight run to finish.
func (h *Harness) Start() (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { h.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	h.cron = c
	c.Start()
	h.logger.Info("synthetic: harness scheduled", slog.String("schedule", schedule))
	return func() { <-c.Stop().Done() }, nil
}

// RunOnce probes every endpoint of every enabled model and records one
// endpoint_health row each.
func (h *Harness) RunOnce(ctx context.Context) {
	models, err := h.store.ListModels(ctx, true)
	if err != nil {
		h.logger.Warn("synthetic: model listing failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range models {
		res, err := h.resolver.Resolve(ctx, m.ID)
		if err != nil {
			h.logger.Warn("synthetic: resolve failed",
				slog.String("model_id", m.ID), slog.String("error", err.Error()))
			continue
		}
		for _, ep := range res.Endpoints {
			h.probe(ctx, m.ID, ep)
		}
	}
}

func (h *Harness) probe(ctx context.Context, modelID string, ep resolve.Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := h.nowFunc()
	healthy, errMsg := h.sendProbe(ctx, ep)
	latency := time.Since(start).Milliseconds()

	err := h.store.UpsertEndpointHealth(ctx, store.EndpointHealth{
		EndpointURL: ep.URL,
		ModelID:     modelID,
		Healthy:     healthy,
		LatencyMs:   latency,
		LastError:   errMsg,
		CheckedAt:   h.nowFunc(),
	})
	if err != nil {
		h.logger.Warn("synthetic: health write failed",
			slog.String("endpoint", ep.URL), slog.String("error", err.Error()))
	}
}

// sendProbe issues a one-token chat completion. Any 2xx or 4xx means the
// endpoint is up and answering; 5xx and network errors mean it is not.
func (h *Harness) sendProbe(ctx context.Context, ep resolve.Endpoint) (bool, string) {
	body, _ := json.Marshal(map[string]any{
		"model":      ep.ModelName,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
		"max_tokens": 1,
	})
	url := forward.NormalizeURL(ep.URL, forward.PathChatCompletions)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return false, resp.Status
	}
	return true, ""
}
