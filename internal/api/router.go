// Package api is the relay's HTTP surface: login and logout, room and history
// queries, the profile endpoint, health and metrics, and the realtime
// upgrade endpoint.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/chat-relay/internal/auth"
	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/ws"
)

// Handler serves the HTTP API.
type Handler struct {
	store    store.Store
	auth     *auth.Authenticator
	buffer   *chat.RoomBuffer
	realtime *ws.Server
	limiter  ratelimit.Allower // login attempts; nil disables
	rooms    RoomRegistry      // told about created rooms; nil disables

	history singleflight.Group // collapses concurrent identical history reads
}

// NewHandler wires the API to its collaborators. buffer supplies the live,
// not yet persisted messages listed by GET /chat.
func NewHandler(st store.Store, authenticator *auth.Authenticator, buffer *chat.RoomBuffer, realtime *ws.Server) *Handler {
	return &Handler{
		store:    st,
		auth:     authenticator,
		buffer:   buffer,
		realtime: realtime,
	}
}

// SetLoginLimiter enables per-IP rate limiting of POST /login.
func (h *Handler) SetLoginLimiter(l ratelimit.Allower) {
	h.limiter = l
}

// RoomRegistry learns about rooms created through the API so messages for
// them are relayed at once.
type RoomRegistry interface {
	RegisterRoom(id string)
}

// SetRoomRegistry sets the registry CreateRoom reports new rooms to.
func (h *Handler) SetRoomRegistry(r RoomRegistry) {
	h.rooms = r
}

// NewRouter returns the routes of the relay.
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/logout", h.Logout).Methods("GET", "POST")
	r.Handle("/ws", h.realtime).Methods("GET")

	private := r.NewRoute().Subrouter()
	private.Use(h.auth.Middleware)
	private.HandleFunc("/chat", h.ListRooms).Methods("GET")
	private.HandleFunc("/chat", h.CreateRoom).Methods("POST")
	private.HandleFunc("/chat/{room_id}", h.GetRoom).Methods("GET")
	private.HandleFunc("/chat/{room_id}/messages", h.GetMessages).Methods("GET")
	private.HandleFunc("/profile", h.Profile).Methods("GET")

	return r
}

// logRequests logs method, path, status and duration of every request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[http] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for /ws.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
