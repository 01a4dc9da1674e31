package chat

import (
	"sync"
	"time"
)

// DefaultBlockSize is the number of messages per persisted conversation.
const DefaultBlockSize = 10

// Batch is the content of one drained room buffer.
type Batch struct {
	RoomID    string
	FlushedAt int64 // unix ms, strictly increasing per room
	Messages  []Message
}

// RoomBuffer accumulates live messages per room until a room holds a full
// block. It is goroutine-safe: the outer lock only guards the room table, and
// each room has its own mutex, so traffic in one room never waits on another.
type RoomBuffer struct {
	threshold int
	now       func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomBuffer // roomID -> buffer
}

// roomBuffer is one room's pending messages.
type roomBuffer struct {
	mu          sync.Mutex
	messages    []Message
	lastFlushAt int64
}

// NewRoomBuffer creates a RoomBuffer that drains every threshold messages.
// A threshold of zero or less selects DefaultBlockSize.
func NewRoomBuffer(threshold int) *RoomBuffer {
	if threshold <= 0 {
		threshold = DefaultBlockSize
	}
	return &RoomBuffer{
		threshold: threshold,
		now:       time.Now,
		rooms:     make(map[string]*roomBuffer),
	}
}

// Threshold returns the block size.
func (rb *RoomBuffer) Threshold() int {
	return rb.threshold
}

// room returns the buffer for roomID, creating it on first use.
func (rb *RoomBuffer) room(roomID string) *roomBuffer {
	rb.mu.RLock()
	r, ok := rb.rooms[roomID]
	rb.mu.RUnlock()
	if ok {
		return r
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if r, ok = rb.rooms[roomID]; !ok {
		r = &roomBuffer{messages: make([]Message, 0, rb.threshold)}
		rb.rooms[roomID] = r
	}
	return r
}

// Append adds msg to the room in arrival order and returns the room's size.
func (rb *RoomBuffer) Append(roomID string, msg Message) int {
	r := rb.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	return len(r.messages)
}

// DrainIfFull removes and returns the room's messages if it has reached the
// threshold. The room is empty afterwards.
func (rb *RoomBuffer) DrainIfFull(roomID string) (Batch, bool) {
	r := rb.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	return rb.drainLocked(roomID, r)
}

// Push appends msg and drains in one critical section, so every batch it
// returns holds exactly threshold messages.
func (rb *RoomBuffer) Push(roomID string, msg Message) (Batch, bool) {
	r := rb.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	return rb.drainLocked(roomID, r)
}

func (rb *RoomBuffer) drainLocked(roomID string, r *roomBuffer) (Batch, bool) {
	if len(r.messages) < rb.threshold {
		return Batch{}, false
	}

	flushedAt := rb.now().UnixMilli()
	if flushedAt <= r.lastFlushAt {
		flushedAt = r.lastFlushAt + 1
	}
	r.lastFlushAt = flushedAt

	batch := Batch{RoomID: roomID, FlushedAt: flushedAt, Messages: r.messages}
	r.messages = make([]Message, 0, rb.threshold)
	return batch, true
}

// Snapshot returns a copy of the room's pending messages, oldest first.
// Returns an empty slice if the room has no buffer.
func (rb *RoomBuffer) Snapshot(roomID string) []Message {
	rb.mu.RLock()
	r, ok := rb.rooms[roomID]
	rb.mu.RUnlock()
	if !ok {
		return []Message{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
