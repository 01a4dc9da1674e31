package auth

import (
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"strings"
)

// LoginPath is where browsers are sent when they have no valid session.
const LoginPath = "/login"

// Middleware admits requests with a live session and attaches their Identity
// to the request context. Rejected requests get a 401 JSON body when the
// client accepts JSON, and a redirect to LoginPath otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.AuthenticateRequest(r)
		if err != nil {
			log.Printf("[auth] rejected %s %s: %v", r.Method, r.URL.Path, err)
			Reject(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Reject writes the Unauthenticated outcome for r.
func Reject(w http.ResponseWriter, r *http.Request) {
	if WantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "unauthenticated",
			"message": "a valid session is required",
		})
		return
	}
	http.Redirect(w, r, LoginPath, http.StatusFound)
}

// WantsJSON reports whether the Accept header lists application/json.
func WantsJSON(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err == nil && mt == "application/json" {
				return true
			}
		}
	}
	return false
}
