package forward

import (
	"net/http"
	"strings"
)

// outcome classifies one upstream attempt and drives the failover loop.
type outcome int

const (
	// outcomeSuccess: 2xx, deliver the response and reset the breaker.
	outcomeSuccess outcome = iota
	// outcomeClientError: 4xx forwarded verbatim, no failover, no breaker
	// failure.
	outcomeClientError
	// outcomeMaxTokensTooSmall: 400 where the requested max_tokens is
	// below the model's floor; replaced with a stable message.
	outcomeMaxTokensTooSmall
	// outcomeContextWindow: 400 the gateway can recover from by retrying
	// the same endpoint with the token-limit fields stripped.
	outcomeContextWindow
	// outcomeServerOrNetwork: 5xx, timeout, or connection error; count a
	// breaker failure and try the next endpoint.
	outcomeServerOrNetwork
)

// classify maps an upstream status and body to an outcome.
// hadMaxTokens reports whether the original request carried max_tokens
// or max_completion_tokens; without them the context-window retry has
// nothing to strip and the error stays a plain client error.
func classify(status int, body string, hadMaxTokens bool) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status >= 500:
		return outcomeServerOrNetwork
	case status != http.StatusBadRequest:
		return outcomeClientError
	}

	lower := strings.ToLower(body)
	contains := func(s string) bool { return strings.Contains(lower, s) }

	if contains("max_tokens") && contains("must be at least") {
		return outcomeMaxTokensTooSmall
	}
	recoverable := contains("contextwindowexceedederror") ||
		(contains("max_tokens") && contains("too large")) ||
		(contains("max_completion_tokens") && contains("too large")) ||
		(contains("context length") && contains("input tokens"))
	if recoverable && hadMaxTokens {
		return outcomeContextWindow
	}
	return outcomeClientError
}
