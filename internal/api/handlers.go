package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/chat-relay/internal/auth"
	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/ratelimit"
)

// historyTimeout bounds one shared history query.
const historyTimeout = 5 * time.Second

// roomView is a room with its live, not yet persisted messages.
type roomView struct {
	chat.Room
	Messages []chat.Message `json:"messages"`
}

// Health reports liveness, the number of realtime connections and uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: h.realtime.Connections().Count(),
		Uptime:      time.Since(h.realtime.StartedAt()).Round(time.Second).String(),
	})
}

// Login checks the form credentials and starts a session. Browsers are
// redirected to / on success and back to the login page otherwise.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		rule := ratelimit.RuleLogin
		ip := clientIP(r)
		ok, _ := h.limiter.Allow(r.Context(), ip, rule)
		remaining, _ := h.limiter.Remaining(r.Context(), ip, rule)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
			return
		}
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid form body")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if username == "" {
		http.Redirect(w, r, auth.LoginPath, http.StatusFound)
		return
	}

	user, err := h.store.GetUser(r.Context(), username)
	if err != nil {
		log.Printf("[api] login lookup for %q failed: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal", "login unavailable")
		return
	}
	if user == nil || !auth.CheckPassword(password, user.PasswordHash) {
		log.Printf("[api] failed login for %q from %s", username, clientIP(r))
		http.Redirect(w, r, auth.LoginPath, http.StatusFound)
		return
	}

	if _, err := h.auth.Login(r.Context(), w, user.Username); err != nil {
		log.Printf("[api] create session for %q: %v", username, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create session")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout ends the caller's session, if any.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(r.Context(), w, r)
	http.Redirect(w, r, auth.LoginPath, http.StatusFound)
}

// ListRooms returns every room together with its buffered messages.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.store.GetRooms(r.Context())
	if err != nil {
		log.Printf("[api] list rooms: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load rooms")
		return
	}

	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomView{Room: room, Messages: h.buffer.Snapshot(room.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateRoom stores the room in the JSON body. A name is required.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Image string `json:"image"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	room, err := h.store.AddRoom(r.Context(), chat.Room{Name: req.Name, Image: req.Image})
	if errors.Is(err, chat.ErrValidation) {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err != nil {
		log.Printf("[api] add room: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create room")
		return
	}
	if h.rooms != nil {
		h.rooms.RegisterRoom(room.ID)
	}
	writeJSON(w, http.StatusOK, room)
}

// GetRoom returns one room or 404.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]

	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		log.Printf("[api] get room %s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load room")
		return
	}
	if room == nil {
		writeError(w, http.StatusNotFound, "not_found", "room "+roomID+" was not found")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// GetMessages returns the newest conversation of the room older than the
// before query parameter (unix ms, default now). The body is null when there
// is no older conversation.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "before must be a unix timestamp in milliseconds")
			return
		}
		before = n
	}

	key := roomID + ":" + strconv.FormatInt(before, 10)
	val, err, _ := h.history.Do(key, func() (interface{}, error) {
		// Shared by every caller with this key, so the first caller's
		// cancellation must not fail the others.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), historyTimeout)
		defer cancel()
		return h.store.GetLastConversationBefore(ctx, roomID, before)
	})
	if errors.Is(err, chat.ErrValidation) {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err != nil {
		log.Printf("[api] get messages for %s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, val.(*chat.Conversation))
}

// Profile returns the caller's username.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"username": id.Username})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
