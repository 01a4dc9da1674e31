// Package auth gates HTTP requests and realtime connections on a session
// cookie. It resolves the cookie's token through a session.Store and attaches
// the resulting Identity to the request context, or rejects with
// ErrUnauthenticated.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/whisper/chat-relay/internal/session"
)

// DefaultCookieName is the cookie carrying the session token.
const DefaultCookieName = "chat-session"

// ErrUnauthenticated is returned when a credential is missing, malformed or
// does not resolve to a live session. It is recoverable by logging in again.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated principal behind a request or connection.
type Identity struct {
	Username string
	Token    string
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator resolves session cookies and issues new ones.
type Authenticator struct {
	sessions   session.Store
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Config holds Authenticator settings.
type Config struct {
	CookieName   string        // defaults to DefaultCookieName
	TTL          time.Duration // session and cookie lifetime, defaults to session.DefaultTTL
	SecureCookie bool          // set the Secure attribute on issued cookies
}

// New creates an Authenticator backed by sessions.
func New(sessions session.Store, cfg Config) *Authenticator {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = session.DefaultTTL
	}
	return &Authenticator{
		sessions:   sessions,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.SecureCookie,
	}
}

// CookieName returns the name of the session cookie.
func (a *Authenticator) CookieName() string {
	return a.cookieName
}

// Authenticate resolves the session token carried in a serialized Cookie
// header.
func (a *Authenticator) Authenticate(ctx context.Context, cookieHeader string) (Identity, error) {
	if cookieHeader == "" {
		return Identity{}, fmt.Errorf("%w: no cookie header", ErrUnauthenticated)
	}
	token, ok := ParseCookieHeader(cookieHeader)[a.cookieName]
	if !ok || token == "" {
		return Identity{}, fmt.Errorf("%w: no %s cookie", ErrUnauthenticated, a.cookieName)
	}
	username, ok := a.sessions.Resolve(ctx, token)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown or expired session", ErrUnauthenticated)
	}
	return Identity{Username: username, Token: token}, nil
}

// AuthenticateRequest authenticates r using all of its Cookie headers.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (Identity, error) {
	var header string
	for i, v := range r.Header.Values("Cookie") {
		if i > 0 {
			header += "; "
		}
		header += v
	}
	return a.Authenticate(r.Context(), header)
}

// Login creates a session for username and sets the session cookie on w.
func (a *Authenticator) Login(ctx context.Context, w http.ResponseWriter, username string) (string, error) {
	token, err := a.sessions.Create(ctx, username, a.ttl)
	if err != nil {
		return "", fmt.Errorf("auth: login: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.ttl / time.Second),
		Expires:  time.Now().Add(a.ttl),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// Logout deletes the session behind r, if any, and clears the cookie.
func (a *Authenticator) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if id, ok := IdentityFromContext(r.Context()); ok {
		a.sessions.Delete(ctx, id.Token)
	} else if id, err := a.AuthenticateRequest(r); err == nil {
		a.sessions.Delete(ctx, id.Token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
	})
}
