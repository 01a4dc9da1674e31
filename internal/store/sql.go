package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/chat-relay/internal/chat"
)

// SQLStore implements Store on database/sql. Both supported dialects accept
// $N placeholders, so the queries are shared.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open, migrated database handle.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// GetRooms returns every room in creation order.
func (s *SQLStore) GetRooms(ctx context.Context) ([]chat.Room, error) {
	const query = `SELECT id, name, image FROM rooms ORDER BY created_at, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: get rooms: %w", err)
	}
	defer rows.Close()

	rooms := []chat.Room{}
	for rows.Next() {
		var r chat.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Image); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get rooms: %w", err)
	}
	return rooms, nil
}

// GetRoom returns the room with id, or nil if there is none.
func (s *SQLStore) GetRoom(ctx context.Context, id string) (*chat.Room, error) {
	const query = `SELECT id, name, image FROM rooms WHERE id = $1`

	var r chat.Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return &r, nil
}

// AddRoom validates and inserts room under a freshly assigned id.
func (s *SQLStore) AddRoom(ctx context.Context, room chat.Room) (*chat.Room, error) {
	if err := chat.ValidateRoom(room); err != nil {
		return nil, err
	}
	room.ID = uuid.New().String()

	const query = `INSERT INTO rooms (id, name, image) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, room.ID, room.Name, room.Image); err != nil {
		return nil, fmt.Errorf("store: add room: %w", err)
	}
	return &room, nil
}

// GetLastConversationBefore implements Store.
func (s *SQLStore) GetLastConversationBefore(ctx context.Context, roomID string, before int64) (*chat.Conversation, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", chat.ErrValidation)
	}
	if before <= 0 {
		before = nowMillis()
	}

	const query = `
		SELECT id, room_id, ts, messages
		FROM conversations
		WHERE room_id = $1 AND ts < $2
		ORDER BY ts DESC
		LIMIT 1`

	var (
		conv chat.Conversation
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, query, roomID, before).Scan(&conv.ID, &conv.RoomID, &conv.Timestamp, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get last conversation: %w", err)
	}
	if err := json.Unmarshal(raw, &conv.Messages); err != nil {
		return nil, fmt.Errorf("store: decode conversation %s: %w", conv.ID, err)
	}
	return &conv, nil
}

// AddConversation validates and inserts conv, returning the stored form with
// its assigned id.
func (s *SQLStore) AddConversation(ctx context.Context, conv chat.Conversation) (*chat.Conversation, error) {
	if err := chat.ValidateConversation(conv); err != nil {
		return nil, err
	}

	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, fmt.Errorf("store: marshal messages: %w", err)
	}
	conv.ID = uuid.New().String()

	const query = `INSERT INTO conversations (id, room_id, ts, messages) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.RoomID, conv.Timestamp, s.jsonArg(messagesJSON)); err != nil {
		return nil, fmt.Errorf("store: add conversation: %w", err)
	}
	return &conv, nil
}

// GetUser returns the user, or nil if there is none.
func (s *SQLStore) GetUser(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", chat.ErrValidation)
	}

	const query = `SELECT username, password_hash FROM users WHERE username = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// AddUser inserts or replaces a user.
func (s *SQLStore) AddUser(ctx context.Context, user User) error {
	if user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("%w: username and password hash are required", chat.ErrValidation)
	}

	const query = `
		INSERT INTO users (username, password_hash) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`

	if _, err := s.db.ExecContext(ctx, query, user.Username, user.PasswordHash); err != nil {
		return fmt.Errorf("store: add user: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// jsonArg adapts a JSON document to the column type of the dialect: JSONB
// takes the raw bytes, SQLite stores text.
func (s *SQLStore) jsonArg(doc []byte) interface{} {
	if s.driver == DriverSQLite {
		return string(doc)
	}
	return doc
}
