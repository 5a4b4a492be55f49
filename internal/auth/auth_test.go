package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/pkg/types"
)

type mockUsers struct {
	users map[int64]*types.User
	err   error
}

func (m *mockUsers) Resolve(_ context.Context, id int64) (*types.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, types.ErrNotFound
}

func (m *mockUsers) ByUsername(context.Context, string) (*types.User, error) {
	return nil, types.ErrNotFound
}

func newAuth(t *testing.T, users *mockUsers) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("secret", "parley", users, nil)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("", "", &mockUsers{}, nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssueAndVerify(t *testing.T) {
	a := newAuth(t, &mockUsers{})

	token, err := a.Issue(42, time.Hour)
	require.NoError(t, err)
	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = a.Issue(0, time.Hour)
	assert.Error(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	a := newAuth(t, &mockUsers{})

	expired, err := a.Issue(1, -time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewAuthenticator("other-secret", "parley", &mockUsers{}, nil)
	require.NoError(t, err)
	forged, err := other.Issue(1, time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "1", Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = a.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice", Issuer: "parley", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = a.Verify(badSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFrom(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/direct/?token=q", nil)
	assert.Equal(t, "q", TokenFrom(r))

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "c"})
	assert.Equal(t, "c", TokenFrom(r))

	r.Header.Set("Authorization", "bearer h")
	assert.Equal(t, "h", TokenFrom(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFrom(r))
}

func TestAuthenticate(t *testing.T) {
	alice := &types.User{ID: 1, Username: "alice"}
	users := &mockUsers{users: map[int64]*types.User{1: alice}}
	a := newAuth(t, users)
	ctx := context.Background()

	token, err := a.Issue(1, time.Hour)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	user, err := a.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, alice, user)

	ghost, err := a.Issue(9, time.Hour)
	require.NoError(t, err)
	user, err = a.Authenticate(ctx, httptest.NewRequest("GET", "/?token="+ghost, nil))
	require.NoError(t, err)
	assert.Nil(t, user, "unknown users are anonymous")

	user, err = a.Authenticate(ctx, httptest.NewRequest("GET", "/?token=bad", nil))
	require.NoError(t, err)
	assert.Nil(t, user)

	users.err = errors.New("db down")
	_, err = a.Authenticate(ctx, r)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	users := &mockUsers{users: map[int64]*types.User{1: {ID: 1, Username: "alice"}}}
	a := newAuth(t, users)
	token, err := a.Issue(1, time.Hour)
	require.NoError(t, err)

	var seen *types.User
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFrom(r.Context())
	}), nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Username)

	anonymous := httptest.NewRequest("GET", "/", nil)
	seen = &types.User{}
	h.ServeHTTP(httptest.NewRecorder(), anonymous)
	assert.Nil(t, seen)

	users.err = errors.New("db down")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware_CustomUnavailable(t *testing.T) {
	users := &mockUsers{users: map[int64]*types.User{}, err: errors.New("db down")}
	a := newAuth(t, users)
	token, err := a.Issue(1, time.Hour)
	require.NoError(t, err)

	called := false
	h := a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.False(t, called)
}
