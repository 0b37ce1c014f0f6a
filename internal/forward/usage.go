package forward

import "encoding/json"

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type wireUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	TotalTokens      *int64 `json:"total_tokens"`
}

type usageEnvelope struct {
	Usage *wireUsage `json:"usage"`
}

// extractUsage pulls the usage object out of a response body or stream
// frame. For embeddings the upstream may report only total_tokens, which
// counts as input. Parse errors and missing usage return ok=false.
func extractUsage(body []byte, path string) (Usage, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Usage == nil {
		return Usage{}, false
	}
	u := env.Usage

	var out Usage
	if u.PromptTokens != nil {
		out.InputTokens = *u.PromptTokens
	} else if path == PathEmbeddings && u.TotalTokens != nil {
		out.InputTokens = *u.TotalTokens
	}
	if u.CompletionTokens != nil {
		out.OutputTokens = *u.CompletionTokens
	}
	return out, true
}
