package auth

import (
	"context"
	"net/http"

	"github.com/llmrelay/llmrelay/internal/httperr"
)

type contextKey string

const principalContextKey contextKey = "principal"

// FromContext returns the principal attached to the request context.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal attaches a principal to a context, for tests.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// Middleware validates Bearer keys on incoming proxy requests.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, authErr := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if authErr != nil {
				httperr.Write(w, authErr.Status, authErr.Kind, authErr.Message, "")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
