package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whisper/chat-relay/internal/session"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return New(store, Config{TTL: time.Minute}), store
}

func TestAuthenticate(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	token, _ := store.Create(ctx, "alice", time.Minute)

	tests := []struct {
		name   string
		header string
		user   string
	}{
		{"valid", "chat-session=" + token, "alice"},
		{"valid among others", "theme=dark; chat-session=" + token + "; lang=en", "alice"},
		{"no header", "", ""},
		{"other cookies only", "theme=dark", ""},
		{"empty token", "chat-session=", ""},
		{"unknown token", "chat-session=deadbeef", ""},
		{"undecodable", "chat-session=%zz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Authenticate(ctx, tt.header)
			if tt.user == "" {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.Username != tt.user || id.Token != token {
				t.Errorf("unexpected identity %+v", id)
			}
		})
	}
}

func TestAuthenticateAfterDelete(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	token, _ := store.Create(ctx, "alice", time.Minute)

	store.Delete(ctx, token)
	if _, err := a.Authenticate(ctx, "chat-session="+token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after delete, got %v", err)
	}
}

func TestLoginSetsCookieAndLogoutClearsIt(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	token, err := a.Login(ctx, rec, "bob")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName || cookies[0].Value != token {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
	if cookies[0].MaxAge != 60 {
		t.Errorf("expected Max-Age 60, got %d", cookies[0].MaxAge)
	}

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	a.Logout(ctx, rec, req)

	if _, err := a.Authenticate(ctx, DefaultCookieName+"="+token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected session to be gone after logout, got %v", err)
	}
	cleared := rec.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("expected a clearing cookie, got %+v", cleared)
	}
}

func TestMiddleware(t *testing.T) {
	a, store := newTestAuthenticator(t)
	token, _ := store.Create(context.Background(), "alice", time.Minute)

	var seen Identity
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("admits live session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Cookie", "chat-session="+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if seen.Username != "alice" {
			t.Errorf("expected identity alice, got %+v", seen)
		}
	})

	t.Run("json client gets 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/chat", nil)
		req.Header.Set("Accept", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "unauthenticated") {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
	})

	t.Run("browser gets redirect", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != LoginPath {
			t.Errorf("expected redirect to %s, got %q", LoginPath, loc)
		}
	})
}

func TestWantsJSON(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"application/json", true},
		{"text/html, application/json;q=0.9", true},
		{"text/html", false},
		{"", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.accept != "" {
			req.Header.Set("Accept", tt.accept)
		}
		if got := WantsJSON(req); got != tt.want {
			t.Errorf("WantsJSON(%q) = %v, want %v", tt.accept, got, tt.want)
		}
	}
}
