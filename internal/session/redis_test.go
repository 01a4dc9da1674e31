package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore requires a running Redis on localhost:6379 and skips the
// test otherwise.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client)
}

func TestRedisCreateResolveDelete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "alice", time.Minute)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Delete(ctx, token) })

	username, ok := s.Resolve(ctx, token)
	if !ok || username != "alice" {
		t.Fatalf("Resolve() = %q, %v; want alice, true", username, ok)
	}

	ttl, err := s.Client().PTTL(ctx, SessionPrefix+token).Result()
	if err != nil {
		t.Fatalf("PTTL error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl in (0, 1m], got %s", ttl)
	}

	s.Delete(ctx, token)
	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected deleted token to be not found")
	}
	s.Delete(ctx, token)
}

func TestRedisResolveChecksDeadline(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "bob", time.Minute)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Delete(ctx, token) })

	// Step the store's clock past the deadline while the key still exists.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected token past its stored deadline to be not found")
	}
}

func TestRedisKeyExpires(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "carol", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	if n, _ := s.Client().Exists(ctx, SessionPrefix+token).Result(); n != 0 {
		t.Fatal("expected redis to evict the session key")
	}
	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected evicted token to be not found")
	}
}
