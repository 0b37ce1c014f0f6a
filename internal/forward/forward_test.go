package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/llmrelay/internal/counter"
	"github.com/llmrelay/llmrelay/internal/resolve"
	"github.com/llmrelay/llmrelay/internal/selector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestForwarder(t *testing.T) (*Forwarder, *selector.Selector) {
	t.Helper()
	sel := selector.New(counter.NewMemory(), testLogger())
	return New(nil, sel, testLogger()), sel
}

func endpoint(url string) resolve.Endpoint {
	return resolve.Endpoint{URL: url, APIKey: "upstream-key", ModelName: "upstream-model"}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.example.com/v1", PathChatCompletions, "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1/", PathChatCompletions, "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1/chat/completions", PathChatCompletions, "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1", PathEmbeddings, "https://api.example.com/v1/embeddings"},
		{"https://api.example.com/v1/chat/completions", PathEmbeddings, "https://api.example.com/v1/embeddings"},
		{"https://api.example.com/v1/embeddings", PathEmbeddings, "https://api.example.com/v1/embeddings"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeURL(c.base, c.path), c.base+" + "+c.path)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name         string
		status       int
		body         string
		hadMaxTokens bool
		want         outcome
	}{
		{"ok", 200, "", false, outcomeSuccess},
		{"created", 201, "", false, outcomeSuccess},
		{"server error", 500, "boom", false, outcomeServerOrNetwork},
		{"bad gateway", 502, "", false, outcomeServerOrNetwork},
		{"not found", 404, "no such model", false, outcomeClientError},
		{"rate limited upstream", 429, "slow down", false, outcomeClientError},
		{"plain 400", 400, `{"error":"bad request"}`, true, outcomeClientError},
		{"max tokens floor", 400, `max_tokens must be at least 16`, true, outcomeMaxTokensTooSmall},
		{"context window marker", 400, `ContextWindowExceededError`, true, outcomeContextWindow},
		{"max_tokens too large", 400, `max_tokens is too large`, true, outcomeContextWindow},
		{"max_completion_tokens too large", 400, `max_completion_tokens too large for model`, true, outcomeContextWindow},
		{"context length", 400, `this model's context length was exceeded by your input tokens`, true, outcomeContextWindow},
		{"context window without max tokens", 400, `ContextWindowExceededError`, false, outcomeClientError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, classify(c.status, c.body, c.hadMaxTokens))
		})
	}
}

func TestExtractUsage(t *testing.T) {
	u, ok := extractUsage([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`), PathChatCompletions)
	require.True(t, ok)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, u)

	// Embeddings fall back to total_tokens as input.
	u, ok = extractUsage([]byte(`{"usage":{"total_tokens":7}}`), PathEmbeddings)
	require.True(t, ok)
	assert.Equal(t, Usage{InputTokens: 7}, u)

	_, ok = extractUsage([]byte(`{"choices":[]}`), PathChatCompletions)
	assert.False(t, ok)

	_, ok = extractUsage([]byte(`not json`), PathChatCompletions)
	assert.False(t, ok)
}

func TestForwardUnarySuccess(t *testing.T) {
	var got map[string]any
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL + "/v1")},
		PathChatCompletions, map[string]any{"model": "gpt-4o", "messages": []any{}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.UsageFound)
	assert.Equal(t, int64(12), res.Usage.InputTokens)
	assert.Equal(t, int64(34), res.Usage.OutputTokens)

	// The model field is rewritten to the endpoint's upstream name.
	assert.Equal(t, "upstream-model", got["model"])
	assert.Equal(t, "Bearer upstream-key", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "usage")
}

func TestForwardFailsOverOnServerError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	}))
	defer good.Close()

	f, sel := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec,
		[]resolve.Endpoint{endpoint(bad.URL), endpoint(good.URL)},
		PathChatCompletions, map[string]any{"model": "m"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, good.URL, res.EndpointURL)

	// One breaker failure against the bad endpoint, none against the good.
	assert.True(t, sel.Available(context.Background(), bad.URL))
}

func TestForwardClientErrorNoFailover(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown model"}}`))
	}))
	defer first.Close()

	secondHits := 0
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits++
	}))
	defer second.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec,
		[]resolve.Endpoint{endpoint(first.URL), endpoint(second.URL)},
		PathChatCompletions, map[string]any{"model": "m"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown model")
	assert.Zero(t, secondHits)
}

func TestForwardMaxTokensTooSmall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"max_tokens must be at least 16"}}`))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "max_tokens": 1})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
	assert.Contains(t, rec.Body.String(), "max_tokens")
}

func TestForwardContextWindowRecovery(t *testing.T) {
	var bodies []map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		bodies = append(bodies, body)
		if _, ok := body["max_tokens"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"max_tokens is too large"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "max_tokens": 100000})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, bodies, 2)
	_, hasMax := bodies[1]["max_tokens"]
	assert.False(t, hasMax)
}

func TestForwardContextWindowRetryFailureReturnsRetryError(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		if calls == 1 {
			_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded by input tokens"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"message":"still broken"}}`))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "max_completion_tokens": 9000})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, rec.Body.String(), "still broken")
}

func TestForwardExhaustedReturns503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream melted"))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec,
		[]resolve.Endpoint{endpoint(upstream.URL), endpoint(upstream.URL + "/alt")},
		PathChatCompletions, map[string]any{"model": "m"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, rec.Body.String(), "service_unavailable")
	assert.Contains(t, rec.Body.String(), "upstream melted")
}

func TestForwardNoEndpoints(t *testing.T) {
	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, nil,
		PathChatCompletions, map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestForwardStreamRelay(t *testing.T) {
	var got map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":2}}`,
			`data: [DONE]`,
		}
		for _, fr := range frames {
			_, _ = io.WriteString(w, fr+"\n\n")
		}
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "stream": true})
	require.NoError(t, err)

	// include_usage is injected for streamed requests.
	opts, ok := got["stream_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, opts["include_usage"])

	assert.True(t, res.Streamed)
	assert.True(t, res.UsageFound)
	assert.Equal(t, int64(8), res.Usage.InputTokens)
	assert.Equal(t, int64(2), res.Usage.OutputTokens)

	out := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, out, `data: {"choices":[{"delta":{"content":"hel"}}]}`)
	assert.True(t, strings.HasSuffix(strings.TrimRight(out, "\n"), "data: [DONE]"))
}

func TestForwardStreamRetriesWithoutStreamOptions(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body := decodeBody(t, r)
		if _, ok := body["stream_options"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"unknown field stream_options"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "stream": true})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestForwardStreamContextWindowRetryStripsStreamOptions(t *testing.T) {
	var bodies []map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		bodies = append(bodies, body)
		if _, ok := body["max_tokens"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"max_tokens is too large"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "stream": true, "max_tokens": 100000})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, bodies, 2)

	// First attempt carried the injected stream options; the recovery
	// retry drops them along with the token-limit fields.
	_, hadOpts := bodies[0]["stream_options"]
	assert.True(t, hadOpts)
	_, hasMax := bodies[1]["max_tokens"]
	assert.False(t, hasMax)
	_, hasOpts := bodies[1]["stream_options"]
	assert.False(t, hasOpts)
}

func TestForwardMidStreamErrorDoesNotFailOver(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"par"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		// Drop the connection mid-body, after headers and one frame.
		panic(http.ErrAbortHandler)
	}))
	defer first.Close()

	secondHits := 0
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits++
	}))
	defer second.Close()

	f, _ := newTestForwarder(t)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec,
		[]resolve.Endpoint{endpoint(first.URL), endpoint(second.URL)},
		PathChatCompletions, map[string]any{"model": "m", "stream": true})
	require.NoError(t, err)

	assert.True(t, res.Streamed)
	assert.False(t, res.UsageFound)
	assert.Zero(t, secondHits)
	assert.Contains(t, rec.Body.String(), `"content":"par"`)
}

func TestForwardStreamWithoutUsageFrameWarns(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"hi"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	var logBuf bytes.Buffer
	sel := selector.New(counter.NewMemory(), testLogger())
	f := New(nil, sel, slog.New(slog.NewTextHandler(&logBuf, nil)))

	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), rec, []resolve.Endpoint{endpoint(upstream.URL)},
		PathChatCompletions, map[string]any{"model": "m", "stream": true})
	require.NoError(t, err)

	assert.True(t, res.Streamed)
	assert.False(t, res.UsageFound)
	assert.Zero(t, res.Usage.OutputTokens)
	assert.Contains(t, logBuf.String(), "stream ended without a usage frame")
}

func TestRelayStreamKeepsPartialLines(t *testing.T) {
	// One frame split across chunk boundaries must still arrive whole.
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(`data: {"choices":[],"usage":{"prompt`))
		_, _ = pw.Write([]byte(`_tokens":5,"completion_tokens":6}}` + "\n\n"))
		_ = pw.Close()
	}()

	rec := httptest.NewRecorder()
	usage, found, _, err := relayStream(rec, pr, PathChatCompletions)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), usage.InputTokens)
	assert.Equal(t, int64(6), usage.OutputTokens)
	assert.Contains(t, rec.Body.String(), `"completion_tokens":6`)
}
