package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/llmrelay/internal/store"
)

const rawKey = "sk-0123456789abcdef0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth(t *testing.T) (*Authenticator, store.Store) {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ctx := context.Background()
	require.NoError(t, db.UpsertUser(ctx, store.User{ID: "u1", LoginID: "alice", DeptName: "eng"}))
	require.NoError(t, db.CreateToken(ctx, store.APIToken{
		ID:          "tok1",
		OwnerUserID: "u1",
		Name:        "test key",
		Prefix:      rawKey[:12],
		KeyHash:     HashKey(rawKey),
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}))

	return New(db, testLogger()), db
}

func TestAuthenticateSuccess(t *testing.T) {
	a, _ := newTestAuth(t)

	p, aerr := a.Authenticate(context.Background(), "Bearer "+rawKey)
	require.Nil(t, aerr)
	assert.Equal(t, "tok1", p.Token.ID)
	assert.Equal(t, "u1", p.User.ID)
	assert.Equal(t, "eng", p.User.DeptName)
}

func TestAuthenticateRejectsMalformedHeaders(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	for _, header := range []string{
		"",
		"Basic abc",
		"Bearer ",
		"Bearer not-a-key",
		"Bearer sk-short",
	} {
		_, aerr := a.Authenticate(ctx, header)
		require.NotNil(t, aerr, "header %q", header)
		assert.Equal(t, 401, aerr.Status)
		assert.Equal(t, "authentication_error", aerr.Kind)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a, _ := newTestAuth(t)

	// Same prefix, different tail: the hash comparison must reject it.
	wrong := rawKey[:12] + "fffffffffffffffffffffffffffffffffffffff"
	_, aerr := a.Authenticate(context.Background(), "Bearer "+wrong)
	require.NotNil(t, aerr)
	assert.Equal(t, 401, aerr.Status)
	assert.Equal(t, "invalid API key", aerr.Message)
}

func TestAuthenticateDisabledToken(t *testing.T) {
	a, db := newTestAuth(t)
	ctx := context.Background()

	tok, err := db.GetToken(ctx, "tok1")
	require.NoError(t, err)
	tok.Enabled = false
	require.NoError(t, db.UpdateToken(ctx, *tok))

	_, aerr := a.Authenticate(ctx, "Bearer "+rawKey)
	require.NotNil(t, aerr)
	assert.Equal(t, "API key is disabled", aerr.Message)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a, db := newTestAuth(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	tok, err := db.GetToken(ctx, "tok1")
	require.NoError(t, err)
	tok.ExpiresAt = &past
	require.NoError(t, db.UpdateToken(ctx, *tok))

	_, aerr := a.Authenticate(ctx, "Bearer "+rawKey)
	require.NotNil(t, aerr)
	assert.Equal(t, "API key has expired", aerr.Message)

	// Rewind the clock before the expiry and the key works again.
	a.nowFunc = func() time.Time { return past.Add(-2 * time.Hour) }
	_, aerr = a.Authenticate(ctx, "Bearer "+rawKey)
	assert.Nil(t, aerr)
}

func TestAuthenticateBannedUser(t *testing.T) {
	a, db := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertUser(ctx, store.User{ID: "u1", LoginID: "alice", DeptName: "eng", IsBanned: true}))

	_, aerr := a.Authenticate(ctx, "Bearer "+rawKey)
	require.NotNil(t, aerr)
	assert.Equal(t, 403, aerr.Status)
	assert.Equal(t, "permission_error", aerr.Kind)
}

func TestAuthenticateOrphanToken(t *testing.T) {
	a, db := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, db.DeleteUser(ctx, "u1"))

	_, aerr := a.Authenticate(ctx, "Bearer "+rawKey)
	require.NotNil(t, aerr)
	assert.Equal(t, 401, aerr.Status)
}

func TestAllowsModel(t *testing.T) {
	open := &Principal{Token: &store.APIToken{}}
	assert.True(t, open.AllowsModel("anything"))

	restricted := &Principal{Token: &store.APIToken{AllowedModels: []string{"m1", "m2"}}}
	assert.True(t, restricted.AllowsModel("m1"))
	assert.False(t, restricted.AllowsModel("m3"))
}

func TestHashKeyDeterministic(t *testing.T) {
	assert.Equal(t, HashKey(rawKey), HashKey(rawKey))
	assert.NotEqual(t, HashKey(rawKey), HashKey(rawKey+"x"))
	assert.Len(t, HashKey(rawKey), 64)
}
