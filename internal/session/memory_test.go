package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, err := s.Create(ctx, "alice", time.Minute)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if len(token) != TokenBytes*2 {
		t.Errorf("expected %d hex chars, got %d", TokenBytes*2, len(token))
	}

	username, ok := s.Resolve(ctx, token)
	if !ok {
		t.Fatal("expected token to resolve")
	}
	if username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", username)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Resolve(context.Background(), "does-not-exist"); ok {
		t.Fatal("expected unknown token to be not found")
	}
	if _, ok := s.Resolve(context.Background(), ""); ok {
		t.Fatal("expected empty token to be not found")
	}
}

func TestResolveHonoursDeadline(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	ttl := 10 * time.Minute

	token, err := s.Create(ctx, "alice", ttl)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(ttl - time.Nanosecond)
	if _, ok := s.Resolve(ctx, token); !ok {
		t.Fatal("expected token to resolve just before its deadline")
	}

	clock.Advance(time.Nanosecond)
	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected token to be gone exactly at its deadline")
	}

	clock.Advance(time.Hour)
	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected token to stay gone after its deadline")
	}
}

func TestDeleteRevokesLiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _ := s.Create(ctx, "bob", time.Hour)
	s.Delete(ctx, token)

	if _, ok := s.Resolve(ctx, token); ok {
		t.Fatal("expected deleted token to be not found")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", s.Len())
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, _ := s.Create(ctx, "bob", time.Hour)
	s.Delete(ctx, token)
	s.Delete(ctx, token)
	s.Delete(ctx, "never-existed")
}

func TestDeleteCancelsPendingEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, "a", time.Hour)
	b, _ := s.Create(ctx, "b", 2*time.Hour)
	c, _ := s.Create(ctx, "c", 30*time.Minute)
	s.Delete(ctx, a)

	s.mu.RLock()
	queued := s.queue.Len()
	s.mu.RUnlock()
	if queued != 2 {
		t.Fatalf("expected 2 queued evictions, got %d", queued)
	}

	for _, tok := range []string{b, c} {
		if _, ok := s.Resolve(ctx, tok); !ok {
			t.Errorf("expected %s to survive deleting another token", tok[:8])
		}
	}
}

func TestDefaultTTL(t *testing.T) {
	s := newTestStore(t)

	token, _ := s.Create(context.Background(), "carol", 0)
	s.mu.RLock()
	e, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		t.Fatal("expected session")
	}
	if got := e.ExpiresAt.Sub(e.CreatedAt); got != DefaultTTL {
		t.Errorf("expected ttl %s, got %s", DefaultTTL, got)
	}
}

func TestSweeperEvictsExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Create(ctx, "user", 20*time.Millisecond); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	keep, _ := s.Create(ctx, "keeper", time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not evict expired sessions, %d left", s.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := s.Resolve(ctx, keep); !ok {
		t.Fatal("expected long-lived session to survive the sweep")
	}
}

func TestConcurrentResolveDuringEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tokens := make([]string, 200)
	for i := range tokens {
		ttl := time.Hour
		if i%2 == 0 {
			ttl = time.Duration(1+i%7) * time.Millisecond
		}
		tokens[i], _ = s.Create(ctx, "user", ttl)
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				i := (g*31 + n) % len(tokens)
				username, ok := s.Resolve(ctx, tokens[i])
				if ok && username != "user" {
					t.Errorf("torn read: got username %q", username)
				}
				if i%2 == 1 && !ok {
					t.Errorf("long-lived token %d disappeared", i)
				}
			}
		}(g)
	}
	wg.Wait()
}
