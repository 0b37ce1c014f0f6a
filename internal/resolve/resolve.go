// Package resolve maps the client-facing model identifier to an ordered
// list of upstream endpoints.
package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llmrelay/llmrelay/internal/store"
)

// Endpoint is one upstream target in a model's failover chain.
type Endpoint struct {
	URL          string
	APIKey       string
	ModelName    string
	ExtraHeaders map[string]string
}

// Resolution is a resolved model together with its ordered endpoint list:
// the primary endpoint first, then enabled sub-models by sort order.
type Resolution struct {
	Model     *store.Model
	Endpoints []Endpoint
}

// NotFoundError maps to 404: the identifier matched no enabled model.
type NotFoundError struct {
	NameOrID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model %q not found", e.NameOrID)
}

// modelStore is the slice of the persistent store the resolver reads.
type modelStore interface {
	ResolveModel(ctx context.Context, nameOrID string) (*store.Model, error)
	ListSubModels(ctx context.Context, parentModelID string, enabledOnly bool) ([]store.SubModel, error)
}

// Resolver builds endpoint chains from the model catalog.
type Resolver struct {
	store  modelStore
	logger *slog.Logger
}

// New creates a Resolver.
func New(s modelStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger}
}

// Resolve looks up an enabled model by id, name, or alias and assembles
// its endpoint list. A disabled or unknown model returns *NotFoundError;
// store failures are returned as-is for a 500.
func (r *Resolver) Resolve(ctx context.Context, nameOrID string) (*Resolution, error) {
	model, err := r.store.ResolveModel(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", nameOrID, err)
	}
	if model == nil || !model.Enabled {
		return nil, &NotFoundError{NameOrID: nameOrID}
	}

	upstreamName := model.UpstreamModelName
	if upstreamName == "" {
		upstreamName = model.Name
	}

	endpoints := []Endpoint{{
		URL:          model.EndpointURL,
		APIKey:       model.APIKey,
		ModelName:    upstreamName,
		ExtraHeaders: model.ExtraHeaders,
	}}

	subs, err := r.store.ListSubModels(ctx, model.ID, true)
	if err != nil {
		// The primary endpoint is still usable; degrade to a single-entry
		// chain rather than failing the request.
		r.logger.Warn("resolve: sub-model listing failed",
			slog.String("model_id", model.ID), slog.String("error", err.Error()))
		return &Resolution{Model: model, Endpoints: endpoints}, nil
	}
	for _, sub := range subs {
		name := sub.ModelName
		if name == "" {
			name = upstreamName
		}
		endpoints = append(endpoints, Endpoint{
			URL:          sub.EndpointURL,
			APIKey:       sub.APIKey,
			ModelName:    name,
			ExtraHeaders: sub.ExtraHeaders,
		})
	}

	return &Resolution{Model: model, Endpoints: endpoints}, nil
}
