// Package selector orders a model's endpoint chain for one request:
// round-robin rotation over the healthy endpoints, with a per-endpoint
// circuit breaker kept in the shared counter store so every worker sees
// the same failure state.
package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/resolve"
)

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second

	rrCursorTTL = 7 * 24 * time.Hour
)

// Selector rotates endpoint chains and tracks breaker state.
type Selector struct {
	counter   counter.Counter
	logger    *slog.Logger
	threshold int64
	cooldown  time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithThreshold sets the consecutive-failure count that opens an
// endpoint's breaker. The default is 5.
func WithThreshold(n int64) Option {
	return func(s *Selector) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown sets how long an opened breaker rejects an endpoint.
// The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// New creates a Selector over the counter store.
func New(c counter.Counter, logger *slog.Logger, opts ...Option) *Selector {
	s := &Selector{
		counter:   c,
		logger:    logger,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Order returns the try order for a request: the chain rotated by the
// model's round-robin cursor, with breaker-open endpoints skipped.
// An empty result means every endpoint is tripped. A counter-store
// failure degrades to the unrotated chain.
func (s *Selector) Order(ctx context.Context, modelID string, chain []resolve.Endpoint) []resolve.Endpoint {
	n := len(chain)
	if n <= 1 {
		return chain
	}

	start := 0
	cursor, err := s.counter.Incr(ctx, counter.RRKey(modelID))
	if err != nil {
		s.logger.Warn("selector: round-robin cursor failed",
			slog.String("model_id", modelID), slog.String("error", err.Error()))
	} else {
		start = int(cursor % int64(n))
		if err := s.counter.Expire(ctx, counter.RRKey(modelID), rrCursorTTL); err != nil {
			s.logger.Warn("selector: cursor expire failed", slog.String("error", err.Error()))
		}
	}

	rotated := make([]resolve.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		rotated = append(rotated, chain[(start+i)%n])
	}

	healthy := make([]resolve.Endpoint, 0, n)
	for _, ep := range rotated {
		if s.Available(ctx, ep.URL) {
			healthy = append(healthy, ep)
		} else {
			s.logger.Info("selector: breaker open, skipping endpoint",
				slog.String("model_id", modelID), slog.String("endpoint", ep.URL))
		}
	}
	return healthy
}

// Available reports whether the endpoint's breaker admits traffic.
// Counter-store failures admit the endpoint.
func (s *Selector) Available(ctx context.Context, url string) bool {
	openUntil, err := s.counter.Get(ctx, counter.BreakerOpenKey(url))
	if err != nil {
		s.logger.Warn("selector: breaker state read failed",
			slog.String("endpoint", url), slog.String("error", err.Error()))
		return true
	}
	return openUntil <= s.nowFunc().UnixMilli()
}

// RecordFailure counts one upstream failure against the endpoint and
// opens its breaker once the consecutive count reaches the threshold.
func (s *Selector) RecordFailure(ctx context.Context, url string) {
	fails, err := s.counter.Incr(ctx, counter.BreakerFailsKey(url))
	if err != nil {
		s.logger.Warn("selector: breaker fail count failed",
			slog.String("endpoint", url), slog.String("error", err.Error()))
		return
	}
	if err := s.counter.Expire(ctx, counter.BreakerFailsKey(url), s.cooldown*2); err != nil {
		s.logger.Warn("selector: breaker fail expire failed", slog.String("error", err.Error()))
	}
	if fails < s.threshold {
		return
	}

	openUntil := s.nowFunc().Add(s.cooldown)
	if err := s.counter.Set(ctx, counter.BreakerOpenKey(url), openUntil.UnixMilli(), s.cooldown); err != nil {
		s.logger.Warn("selector: breaker open failed",
			slog.String("endpoint", url), slog.String("error", err.Error()))
		return
	}
	s.logger.Warn("selector: breaker opened",
		slog.String("endpoint", url),
		slog.Int64("consecutive_failures", fails),
		slog.Duration("cooldown", s.cooldown))
}

// RecordSuccess resets the endpoint's consecutive-failure count and
// closes its breaker.
func (s *Selector) RecordSuccess(ctx context.Context, url string) {
	if err := s.counter.Set(ctx, counter.BreakerFailsKey(url), 0, s.cooldown*2); err != nil {
		s.logger.Warn("selector: breaker reset failed",
			slog.String("endpoint", url), slog.String("error", err.Error()))
	}
	if err := s.counter.Set(ctx, counter.BreakerOpenKey(url), 0, time.Second); err != nil {
		s.logger.Warn("selector: breaker close failed",
			slog.String("endpoint", url), slog.String("error", err.Error()))
	}
}
