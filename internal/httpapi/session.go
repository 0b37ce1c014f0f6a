package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/llmrelay/llmrelay/internal/httperr"
)

const sessionTTL = 24 * time.Hour

// Sessions issues and validates the dashboard's signed session tokens.
type Sessions struct {
	secret []byte
	// adminHash is the bcrypt hash of the shared dashboard password.
	adminHash []byte
	// developers are the loginids elevated to super-admin.
	developers map[string]bool

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewSessions creates a session manager. developers is the parsed
// DEVELOPERS list.
func NewSessions(secret, adminHash string, developers []string) *Sessions {
	devs := make(map[string]bool, len(developers))
	for _, d := range developers {
		if d = strings.TrimSpace(d); d != "" {
			devs[d] = true
		}
	}
	return &Sessions{
		secret:     []byte(secret),
		adminHash:  []byte(adminHash),
		developers: devs,
		nowFunc:    time.Now,
	}
}

type sessionClaims struct {
	SuperAdmin bool `json:"super_admin"`
	jwt.RegisteredClaims
}

// Identity is the authenticated dashboard principal.
type Identity struct {
	LoginID    string
	SuperAdmin bool
}

// Issue signs a 24-hour session token for the loginid.
func (s *Sessions) Issue(loginID string) (string, error) {
	now := s.nowFunc()
	claims := sessionClaims{
		SuperAdmin: s.developers[loginID],
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   loginID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a session token.
func (s *Sessions) Verify(token string) (*Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.nowFunc() }))
	if err != nil || !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return &Identity{LoginID: claims.Subject, SuperAdmin: claims.SuperAdmin}, nil
}

// CheckPassword compares the shared dashboard password.
func (s *Sessions) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)) == nil
}

type identityKey struct{}

// IdentityFromContext returns the dashboard identity on the context.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// LoginHandler exchanges loginid + password for a session token.
func LoginHandler(s *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LoginID  string `json:"loginid"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LoginID == "" {
			httperr.Write(w, http.StatusBadRequest, httperr.KindInvalidRequest,
				"loginid and password are required", "")
			return
		}
		if !s.CheckPassword(req.Password) {
			httperr.Write(w, http.StatusUnauthorized, httperr.KindAuthentication,
				"invalid credentials", "")
			return
		}
		token, err := s.Issue(req.LoginID)
		if err != nil {
			httperr.Write(w, http.StatusInternalServerError, httperr.KindServerError,
				"could not issue session", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":       token,
			"expires_in":  int(sessionTTL.Seconds()),
			"super_admin": s.developers[req.LoginID],
		})
	}
}

// SessionMiddleware requires a valid session token on dashboard routes.
func SessionMiddleware(s *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				httperr.Write(w, http.StatusUnauthorized, httperr.KindAuthentication,
					"session token required", "")
				return
			}
			id, err := s.Verify(raw)
			if err != nil {
				httperr.Write(w, http.StatusUnauthorized, httperr.KindAuthentication,
					"invalid or expired session", "")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}
