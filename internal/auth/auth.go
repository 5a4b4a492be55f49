// Package auth authenticates HTTP and WebSocket requests from HS256 JWTs
// whose subject is the user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

const (
	// CookieName is the cookie carrying the access token.
	CookieName = "access_token"
	// QueryParam carries the token for clients that cannot set headers.
	QueryParam = "token"
)

// Authenticator resolves requests to users.
type Authenticator struct {
	secret []byte
	issuer string
	users  interfaces.UserLookup
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator signing and verifying with
// secret.
func NewAuthenticator(secret, issuer string, users interfaces.UserLookup, logger *slog.Logger) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		users:  users,
		logger: logger.With("component", "auth"),
	}, nil
}

// Issue mints a token for userID valid for ttl.
func (a *Authenticator) Issue(userID int64, ttl time.Duration) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("issue token: invalid user id %d", userID)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks the signature and expiry of token and returns its user id.
func (a *Authenticator) Verify(token string) (int64, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// TokenFrom extracts the raw token from the Authorization header, the
// access_token cookie or the token query parameter, in that order.
func TokenFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(QueryParam)
}

// Authenticate returns the request's user, or nil for an anonymous
// request. Bad tokens and unknown users are anonymous too; only a failing
// user store is reported as an error.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*types.User, error) {
	token := TokenFrom(r)
	if token == "" {
		return nil, nil
	}
	userID, err := a.Verify(token)
	if err != nil {
		a.logger.Debug("rejected token", "error", err, "remote_addr", r.RemoteAddr)
		return nil, nil
	}
	user, err := a.users.Resolve(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return user, nil
}

type contextKey struct{}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user *types.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFrom returns the user stored by WithUser, or nil.
func UserFrom(ctx context.Context) *types.User {
	user, _ := ctx.Value(contextKey{}).(*types.User)
	return user
}

// Middleware authenticates every request and stores the result with
// WithUser. A failing user store is answered by unavailable, or by a
// plain 503 when unavailable is nil.
func (a *Authenticator) Middleware(next, unavailable http.Handler) http.Handler {
	if unavailable == nil {
		unavailable = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Authenticate(r.Context(), r)
		if err != nil {
			a.logger.Error("authentication failed", "error", err, "path", r.URL.Path)
			unavailable.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
