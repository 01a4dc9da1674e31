package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionPrefix is the Redis key prefix for all session hashes.
const SessionPrefix = "session:"

// redisSession is the hash layout of a stored session.
type redisSession struct {
	Username  string `redis:"username"`
	CreatedAt int64  `redis:"created_at"` // unix ms
	ExpiresAt int64  `redis:"expires_at"` // unix ms
}

// RedisStore manages sessions in Redis. Keys carry a TTL equal to the session
// lifetime, so Redis performs the eviction; Resolve additionally compares the
// stored deadline against the local clock.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a session store connected to Redis and verifies the
// connection.
func NewRedisStore(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Create writes the session hash and its TTL in one MULTI/EXEC so readers
// never see a hash without an expiry.
func (s *RedisStore) Create(ctx context.Context, username string, ttl time.Duration) (string, error) {
	ttl = normalizeTTL(ttl)

	token, err := NewToken()
	if err != nil {
		return "", err
	}
	key := SessionPrefix + token
	now := s.now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"username":   username,
			"created_at": now.UnixMilli(),
			"expires_at": now.Add(ttl).UnixMilli(),
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return token, nil
}

// Resolve returns the username for a live token. Redis errors are logged and
// treated as an unknown token.
func (s *RedisStore) Resolve(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	var rs redisSession
	if err := s.client.HGetAll(ctx, SessionPrefix+token).Scan(&rs); err != nil {
		log.Printf("[session] redis resolve failed: %v", err)
		return "", false
	}
	if rs.Username == "" {
		return "", false
	}
	if s.now().UnixMilli() >= rs.ExpiresAt {
		return "", false
	}
	return rs.Username, true
}

// Delete removes a session from Redis.
func (s *RedisStore) Delete(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.client.Del(ctx, SessionPrefix+token).Err(); err != nil {
		log.Printf("[session] redis delete failed: %v", err)
	}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
