package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemoryLimiter()
	m.now = func() time.Time { return now }
	rule := Rule{Key: "t:", Limit: 3, Window: time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "alice", rule); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rem, _ := m.Remaining(ctx, "alice", rule); rem != 0 {
		t.Fatalf("Remaining at limit = %d, want 0", rem)
	}
	if ok, _ := m.Allow(ctx, "alice", rule); ok {
		t.Fatal("4th request should be limited")
	}
	if ok, _ := m.Allow(ctx, "bob", rule); !ok {
		t.Fatal("other identifiers have their own window")
	}

	now = now.Add(time.Second)
	if rem, _ := m.Remaining(ctx, "alice", rule); rem != 3 {
		t.Fatalf("Remaining after window = %d, want 3", rem)
	}
	if ok, _ := m.Allow(ctx, "alice", rule); !ok {
		t.Fatal("window should have reset")
	}
	if rem, _ := m.Remaining(ctx, "alice", rule); rem != 2 {
		t.Fatalf("Remaining after one request = %d, want 2", rem)
	}
}

func TestMemoryLimiterRulesAreIndependent(t *testing.T) {
	m := NewMemoryLimiter()
	ctx := context.Background()
	a := Rule{Key: "a:", Limit: 1, Window: time.Minute}
	b := Rule{Key: "b:", Limit: 1, Window: time.Minute}

	if ok, _ := m.Allow(ctx, "x", a); !ok {
		t.Fatal("first a should pass")
	}
	if ok, _ := m.Allow(ctx, "x", b); !ok {
		t.Fatal("first b should pass")
	}
	if ok, _ := m.Allow(ctx, "x", a); ok {
		t.Fatal("second a should be limited")
	}
}

func TestRedisLimiter(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	l := NewLimiter(client)
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 5 * time.Second}
	id := fmt.Sprintf("user-%d", time.Now().UnixNano())
	defer client.Del(ctx, rule.Key+id)

	if rem, _ := l.Remaining(ctx, id, rule); rem != 2 {
		t.Fatalf("Remaining before use = %d, want 2", rem)
	}
	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, id, rule); !ok || err != nil {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, id, rule); ok {
		t.Fatal("3rd request should be limited")
	}
	if rem, _ := l.Remaining(ctx, id, rule); rem != 0 {
		t.Fatalf("Remaining after limit = %d, want 0", rem)
	}
	if ttl := client.PTTL(ctx, rule.Key+id).Val(); ttl <= 0 {
		t.Fatalf("expected window TTL, got %v", ttl)
	}
}
