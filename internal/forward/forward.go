// Package forward sends a proxied request through a model's endpoint
// chain: one attempt per endpoint, inline classification of the result,
// a single same-endpoint recovery retry for context-window errors, and
// SSE relay for streamed completions.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmrelay/llmrelay/internal/httperr"
	"github.com/llmrelay/llmrelay/internal/resolve"
	"github.com/llmrelay/llmrelay/internal/selector"
)

// requestTimeout bounds one proxied request end to end, streaming
// included.
const requestTimeout = 120 * time.Second

// Result summarizes a completed forward for reconciliation.
type Result struct {
	StatusCode   int
	Streamed     bool
	Usage        Usage
	UsageFound   bool
	EndpointURL  string
	ResponseBody []byte
}

// Forwarder drives the failover loop over an ordered endpoint chain.
type Forwarder struct {
	client   *http.Client
	selector *selector.Selector
	logger   *slog.Logger
}

// New creates a Forwarder. A nil client gets a dedicated one with no
// client-side timeout; the per-request context enforces the deadline.
func New(client *http.Client, sel *selector.Selector, logger *slog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{client: client, selector: sel, logger: logger}
}

// Forward tries the endpoints in order until one yields a deliverable
// response, writing that response to w. The returned Result reports what
// was delivered; the error is reserved for broken client connections and
// other conditions where nothing coherent reached the client.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, endpoints []resolve.Endpoint, path string, payload map[string]any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if len(endpoints) == 0 {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.KindServiceUnavailable,
			"no endpoints available", "")
		return &Result{StatusCode: http.StatusServiceUnavailable}, nil
	}

	stream, _ := payload["stream"].(bool)
	if stream {
		payload = withIncludeUsage(payload)
	}
	hadMaxTokens := hasMaxTokens(payload)

	lastErr := "all endpoints failed"
	for _, ep := range endpoints {
		url := NormalizeURL(ep.URL, path)
		body := clonePayload(payload)
		body["model"] = ep.ModelName

		att, err := f.attempt(ctx, ep, url, body, stream)
		if err != nil {
			f.selector.RecordFailure(ctx, ep.URL)
			f.logger.Warn("forward: endpoint unreachable",
				slog.String("endpoint", ep.URL), slog.String("error", err.Error()))
			lastErr = err.Error()
			continue
		}

		switch classify(att.status, string(att.body), hadMaxTokens) {
		case outcomeSuccess:
			f.selector.RecordSuccess(ctx, ep.URL)
			return f.deliver(w, ep, att, path, stream)

		case outcomeServerOrNetwork:
			f.selector.RecordFailure(ctx, ep.URL)
			lastErr = upstreamMessage(att.status, att.body)
			f.logger.Warn("forward: upstream error, failing over",
				slog.String("endpoint", ep.URL), slog.Int("status", att.status))
			continue

		case outcomeMaxTokensTooSmall:
			httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
				"max_tokens is below the minimum this model accepts", "max_tokens")
			return &Result{StatusCode: http.StatusBadRequest, EndpointURL: ep.URL}, nil

		case outcomeContextWindow:
			return f.retrySameEndpoint(ctx, w, ep, url, body, att, path, stream)

		case outcomeClientError:
			if stream && att.status == http.StatusBadRequest {
				// Some upstreams reject stream_options; try once without it.
				retryBody := clonePayload(body)
				delete(retryBody, "stream_options")
				if att2, err2 := f.attempt(ctx, ep, url, retryBody, stream); err2 == nil {
					if classify(att2.status, string(att2.body), hadMaxTokens) == outcomeSuccess {
						f.selector.RecordSuccess(ctx, ep.URL)
						return f.deliver(w, ep, att2, path, stream)
					}
					att = att2
				}
			}
			return forwardVerbatim(w, ep, att)
		}
	}

	httperr.Write(w, http.StatusServiceUnavailable, httperr.KindServiceUnavailable, lastErr, "")
	return &Result{StatusCode: http.StatusServiceUnavailable}, nil
}

// retrySameEndpoint reruns one attempt against the endpoint that
// returned a recoverable context-window error, with the token-limit
// fields stripped, and stream_options as well for streamed requests. A
// network failure on the retry surfaces the original error; any other
// non-success surfaces the retry's error.
func (f *Forwarder) retrySameEndpoint(ctx context.Context, w http.ResponseWriter, ep resolve.Endpoint, url string, body map[string]any, original *attemptResult, path string, stream bool) (*Result, error) {
	retryBody := clonePayload(body)
	delete(retryBody, "max_tokens")
	delete(retryBody, "max_completion_tokens")
	if stream {
		delete(retryBody, "stream_options")
	}

	f.logger.Info("forward: context window recovery retry",
		slog.String("endpoint", ep.URL))

	att, err := f.attempt(ctx, ep, url, retryBody, stream)
	if err != nil {
		return forwardVerbatim(w, ep, original)
	}
	if classify(att.status, string(att.body), false) == outcomeSuccess {
		f.selector.RecordSuccess(ctx, ep.URL)
		return f.deliver(w, ep, att, path, stream)
	}
	return forwardVerbatim(w, ep, att)
}

type attemptResult struct {
	status      int
	contentType string
	body        []byte        // full body unless a 2xx stream
	stream      io.ReadCloser // non-nil only for a 2xx streaming response
}

// attempt sends one upstream request. For streaming requests a 2xx
// response hands back the open body; every other response is fully read
// so it can be classified.
func (f *Forwarder) attempt(ctx context.Context, ep resolve.Endpoint, url string, payload map[string]any, stream bool) (*attemptResult, error) {
	ctx, span := otel.Tracer("llmrelay.forward").Start(ctx, "upstream.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	// Extra headers never override the two reserved keys.
	for k, v := range ep.ExtraHeaders {
		if http.CanonicalHeaderKey(k) == "Content-Type" || http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if stream && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus(codes.Ok, "")
		return &attemptResult{
			status:      resp.StatusCode,
			contentType: resp.Header.Get("Content-Type"),
			stream:      resp.Body,
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return &attemptResult{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// deliver writes a successful upstream response to the client.
func (f *Forwarder) deliver(w http.ResponseWriter, ep resolve.Endpoint, att *attemptResult, path string, stream bool) (*Result, error) {
	if stream && att.stream != nil {
		defer func() { _ = att.stream.Close() }()
		usage, found, captured, err := relayStream(w, att.stream, path)
		res := &Result{
			StatusCode:   http.StatusOK,
			Streamed:     true,
			Usage:        usage,
			UsageFound:   found,
			EndpointURL:  ep.URL,
			ResponseBody: captured,
		}
		if err != nil {
			// Headers are out; the stream just ends here.
			f.logger.Warn("forward: stream interrupted",
				slog.String("endpoint", ep.URL), slog.String("error", err.Error()))
		}
		if !found {
			f.logger.Warn("forward: stream ended without a usage frame, recording zero tokens",
				slog.String("endpoint", ep.URL))
		}
		return res, nil
	}

	usage, found := extractUsage(att.body, path)
	writeUpstreamBody(w, att)
	return &Result{
		StatusCode:   att.status,
		Usage:        usage,
		UsageFound:   found,
		EndpointURL:  ep.URL,
		ResponseBody: att.body,
	}, nil
}

// forwardVerbatim relays a non-success upstream response unchanged.
func forwardVerbatim(w http.ResponseWriter, ep resolve.Endpoint, att *attemptResult) (*Result, error) {
	writeUpstreamBody(w, att)
	return &Result{
		StatusCode:   att.status,
		EndpointURL:  ep.URL,
		ResponseBody: att.body,
	}, nil
}

func writeUpstreamBody(w http.ResponseWriter, att *attemptResult) {
	ct := att.contentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(att.status)
	_, _ = w.Write(att.body)
}

func upstreamMessage(status int, body []byte) string {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		return fmt.Sprintf("upstream returned HTTP %d", status)
	}
	return msg
}

func hasMaxTokens(payload map[string]any) bool {
	_, a := payload["max_tokens"]
	_, b := payload["max_completion_tokens"]
	return a || b
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// withIncludeUsage sets stream_options.include_usage without mutating
// the caller's maps, so the final usage frame is emitted.
func withIncludeUsage(payload map[string]any) map[string]any {
	out := clonePayload(payload)
	opts := map[string]any{"include_usage": true}
	if prev, ok := out["stream_options"].(map[string]any); ok {
		for k, v := range prev {
			opts[k] = v
		}
		opts["include_usage"] = true
	}
	out["stream_options"] = opts
	return out
}
