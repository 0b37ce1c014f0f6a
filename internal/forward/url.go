package forward

import "strings"

// Target paths on the upstream API.
const (
	PathChatCompletions = "/chat/completions"
	PathEmbeddings      = "/embeddings"
)

// NormalizeURL joins a configured base URL with the target path. Trailing
// slashes are trimmed; a base that already ends with the target path is
// left alone. For embeddings a trailing /chat/completions is stripped
// first, so one base URL can serve both endpoints.
func NormalizeURL(base, path string) string {
	u := strings.TrimRight(base, "/")
	if path == PathEmbeddings {
		u = strings.TrimSuffix(u, PathChatCompletions)
		u = strings.TrimRight(u, "/")
	}
	if strings.HasSuffix(u, path) {
		return u
	}
	return u + path
}
