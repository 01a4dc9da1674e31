package session

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Expiry is enforced twice: a
// lookup never returns an entry at or past its deadline, and a single sweeper
// goroutine removes expired entries using a min-heap ordered by deadline, so
// the number of timers stays at one regardless of how many sessions exist.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	queue    expiryQueue
	now      func() time.Time

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests that need to step over a deadline.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

type entry struct {
	Session
	index int // position in queue, maintained by expiryQueue
}

// NewMemoryStore creates an empty store and starts its sweeper. Call Close to
// stop the sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*entry),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.sweep()
	return s
}

// Create stores a new session for username that expires after ttl.
func (s *MemoryStore) Create(_ context.Context, username string, ttl time.Duration) (string, error) {
	ttl = normalizeTTL(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	for {
		t, err := NewToken()
		if err != nil {
			return "", err
		}
		if _, taken := s.sessions[t]; !taken {
			token = t
			break
		}
	}

	now := s.now()
	e := &entry{Session: Session{
		Token:     token,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}}
	s.sessions[token] = e
	heap.Push(&s.queue, e)

	// The sweeper only needs waking if this entry is now the earliest deadline.
	if e.index == 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return token, nil
}

// Resolve returns the username bound to token if the session is still live.
func (s *MemoryStore) Resolve(_ context.Context, token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[token]
	if !ok || !s.now().Before(e.ExpiresAt) {
		return "", false
	}
	return e.Username, true
}

// Delete removes the session and its pending eviction.
func (s *MemoryStore) Delete(_ context.Context, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[token]
	if !ok {
		return
	}
	delete(s.sessions, token)
	heap.Remove(&s.queue, e.index)
}

// Len returns the number of stored sessions, including expired entries the
// sweeper has not reached yet.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the sweeper. Stored sessions remain resolvable until they expire.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// sweep sleeps until the earliest deadline, evicts everything due and goes
// back to sleep. A Create with an earlier deadline wakes it up early.
func (s *MemoryStore) sweep() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.evictExpired()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// evictExpired removes every due entry and returns how long to wait for the
// next deadline.
func (s *MemoryStore) evictExpired() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if now.Before(next.ExpiresAt) {
			return next.ExpiresAt.Sub(now)
		}
		heap.Pop(&s.queue)
		delete(s.sessions, next.Token)
	}
	return time.Hour
}

// expiryQueue is a container/heap of entries ordered by ExpiresAt.
type expiryQueue []*entry

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool {
	return q[i].ExpiresAt.Before(q[j].ExpiresAt)
}

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
