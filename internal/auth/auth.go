// Package auth verifies bearer keys on the proxy plane and attaches the
// resulting principal (token + owner) to the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llmrelay/llmrelay/internal/store"
)

const (
	// KeyPrefix is the required leading bytes of every raw key.
	KeyPrefix = "sk-"
	// prefixLen is how many leading bytes form the lookup index.
	prefixLen = 12
)

// Principal is the authenticated identity carried through a request.
type Principal struct {
	Token *store.APIToken
	User  *store.User
}

// AllowsModel reports whether the token's allow-list admits the model ID.
// An empty list admits all models.
func (p *Principal) AllowsModel(modelID string) bool {
	if len(p.Token.AllowedModels) == 0 {
		return true
	}
	for _, id := range p.Token.AllowedModels {
		if id == modelID {
			return true
		}
	}
	return false
}

// Error is a structured credential failure. Status is 401 for
// authentication failures and 403 for banned users.
type Error struct {
	Status  int
	Kind    string // "authentication_error" or "permission_error"
	Message string
}

func (e *Error) Error() string { return e.Message }

func unauthorized(msg string) *Error {
	return &Error{Status: 401, Kind: "authentication_error", Message: msg}
}

// Authenticator validates raw bearer keys against the persistent store.
type Authenticator struct {
	store  store.Store
	logger *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates an Authenticator.
func New(s store.Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: s, logger: logger, nowFunc: time.Now}
}

// HashKey returns the hex SHA-256 of a raw key, the only stored proof.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticate verifies the Authorization header value and returns the
// principal. It never fails open: any lookup error rejects the request.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Principal, *Error) {
	if authorization == "" {
		return nil, unauthorized("missing Authorization header")
	}
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return nil, unauthorized("Authorization header must use the Bearer scheme")
	}
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) < prefixLen {
		return nil, unauthorized("invalid API key format")
	}

	prefix := raw[:prefixLen]
	candidates, err := a.store.GetTokensByPrefix(ctx, prefix)
	if err != nil {
		a.logger.Error("auth: token lookup failed", slog.String("error", err.Error()))
		return nil, unauthorized("invalid API key")
	}

	// The prefix index is non-unique; the full hash comparison decides.
	hash := HashKey(raw)
	var token *store.APIToken
	for i := range candidates {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(candidates[i].KeyHash)) == 1 {
			token = &candidates[i]
			break
		}
	}
	if token == nil {
		return nil, unauthorized("invalid API key")
	}
	if !token.Enabled {
		return nil, unauthorized("API key is disabled")
	}
	now := a.nowFunc()
	if token.ExpiresAt != nil && !token.ExpiresAt.After(now) {
		return nil, unauthorized("API key has expired")
	}

	user, err := a.store.GetUser(ctx, token.OwnerUserID)
	if err != nil {
		a.logger.Error("auth: user lookup failed",
			slog.String("token_id", token.ID), slog.String("error", err.Error()))
		return nil, unauthorized("invalid API key")
	}
	if user == nil {
		return nil, unauthorized(fmt.Sprintf("no user for API key %s", token.ID))
	}
	if user.IsBanned {
		return nil, &Error{Status: 403, Kind: "permission_error", Message: "user is banned"}
	}

	// Best-effort activity timestamps; failures must not block the request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchToken(ctx, token.ID, now); err != nil {
			a.logger.Debug("auth: touch token failed", slog.String("error", err.Error()))
		}
		if err := a.store.TouchUser(ctx, user.ID, now); err != nil {
			a.logger.Debug("auth: touch user failed", slog.String("error", err.Error()))
		}
	}()

	return &Principal{Token: token, User: user}, nil
}
