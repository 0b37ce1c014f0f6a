package usage

import (
	"fmt"
	"regexp"
)

// Truncation ceilings for the request-log audit copies.
const (
	maxRequestLogBytes  = 50000
	maxResponseLogBytes = 10000
)

// dataURIPattern matches inline base64 image payloads, both bare
// data:image URIs and the ones nested inside image_url.url fields.
var dataURIPattern = regexp.MustCompile(`data:image/[a-zA-Z0-9+.-]+;base64,[A-Za-z0-9+/=]*`)

// Sanitize replaces inline image payloads with a size marker and
// truncates the result to limit bytes. Image data is useless in an audit
// log and can be megabytes per request.
func Sanitize(body []byte, limit int) string {
	out := dataURIPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		return []byte(fmt.Sprintf("[BASE64_IMAGE:%d chars]", len(m)))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return string(out)
}

// SanitizeRequest applies the request-side truncation limit.
func SanitizeRequest(body []byte) string { return Sanitize(body, maxRequestLogBytes) }

// SanitizeResponse applies the response-side truncation limit.
func SanitizeResponse(body []byte) string { return Sanitize(body, maxResponseLogBytes) }
