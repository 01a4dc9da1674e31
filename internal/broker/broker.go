// Package broker is the relay's message engine. For every inbound frame on an
// Open connection it stamps the sender's identity, fans the message out to
// every other connection, and feeds the room buffer; full buffers are
// persisted as conversation blocks in the background.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/protocol"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/ws"
)

// Persistor stores drained conversation blocks.
type Persistor interface {
	AddConversation(ctx context.Context, conv chat.Conversation) (*chat.Conversation, error)
}

// RoomSource resolves the rooms messages may be addressed to.
type RoomSource interface {
	GetRooms(ctx context.Context) ([]chat.Room, error)
	GetRoom(ctx context.Context, id string) (*chat.Room, error)
}

// Notifier announces stored conversations to other processes.
type Notifier interface {
	PublishConversationStored(ev chat.ConversationEvent) error
}

// Config holds broker settings.
type Config struct {
	BlockSize      int            // messages per persisted conversation
	PersistTimeout time.Duration  // bound on a single AddConversation call
	LookupTimeout  time.Duration  // bound on resolving an unseen room id
	MessageRule    ratelimit.Rule // applied per user when a limiter is set
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BlockSize:      chat.DefaultBlockSize,
		PersistTimeout: 5 * time.Second,
		LookupTimeout:  2 * time.Second,
		MessageRule:    ratelimit.RuleMessage,
	}
}

// Broker relays chat messages between the connections of a ws.Server.
type Broker struct {
	server  *ws.Server
	buffer  *chat.RoomBuffer
	persist Persistor
	notify  Notifier
	limiter ratelimit.Allower
	rooms   RoomSource
	config  Config
	now     func() time.Time

	roomsMu sync.RWMutex
	known   map[string]struct{}

	inflight sync.WaitGroup
}

// New creates a Broker that relays between the connections of server and
// persists full room buffers through persist.
func New(server *ws.Server, persist Persistor, config Config) *Broker {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return &Broker{
		server:  server,
		buffer:  chat.NewRoomBuffer(config.BlockSize),
		persist: persist,
		config:  config,
		now:     time.Now,
		known:   make(map[string]struct{}),
	}
}

// SetNotifier enables conversation events. Call before traffic starts.
func (b *Broker) SetNotifier(n Notifier) {
	b.notify = n
}

// SetLimiter enables per-user message rate limiting. Call before traffic
// starts.
func (b *Broker) SetLimiter(l ratelimit.Allower) {
	b.limiter = l
}

// LoadRooms registers every room in src and keeps src for ids created
// elsewhere later, such as by relayctl. Call before traffic starts.
func (b *Broker) LoadRooms(ctx context.Context, src RoomSource) error {
	rooms, err := src.GetRooms(ctx)
	if err != nil {
		return fmt.Errorf("broker: load rooms: %w", err)
	}
	for _, room := range rooms {
		b.RegisterRoom(room.ID)
	}
	b.rooms = src
	log.Printf("[broker] loaded %d rooms", len(rooms))
	return nil
}

// RegisterRoom marks id as a room messages may be relayed to.
func (b *Broker) RegisterRoom(id string) {
	b.roomsMu.Lock()
	b.known[id] = struct{}{}
	b.roomsMu.Unlock()
}

// knownRoom reports whether id names an existing room. Ids missing from the
// registered set are looked up in the room source.
func (b *Broker) knownRoom(id string) bool {
	b.roomsMu.RLock()
	_, ok := b.known[id]
	b.roomsMu.RUnlock()
	if ok || b.rooms == nil {
		return ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.LookupTimeout)
	defer cancel()
	room, err := b.rooms.GetRoom(ctx, id)
	if err != nil {
		log.Printf("[broker] room lookup %s: %v", id, err)
		return false
	}
	if room == nil {
		return false
	}
	b.RegisterRoom(room.ID)
	return true
}

// Buffer returns the live room buffer.
func (b *Broker) Buffer() *chat.RoomBuffer {
	return b.buffer
}

// HandleMessage processes one inbound frame from c. Malformed, invalid,
// rate-limited and unknown-room frames are logged and dropped; the
// connection stays open.
func (b *Broker) HandleMessage(c *ws.Connection, data []byte) {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		log.Printf("[broker] dropped frame from %s (%s): %v", c.Username(), c.ID, err)
		return
	}
	if err := chat.ValidateMessage(in.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		log.Printf("[broker] dropped message from %s in room %s: %v", c.Username(), in.RoomID, err)
		return
	}
	if b.limiter != nil {
		ok, _ := b.limiter.Allow(context.Background(), c.Username(), b.config.MessageRule)
		if !ok {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			log.Printf("[broker] rate limited %s in room %s", c.Username(), in.RoomID)
			return
		}
	}
	if !b.knownRoom(in.RoomID) {
		metrics.MessagesTotal.WithLabelValues("unknown_room").Inc()
		log.Printf("[broker] dropped message from %s for unknown room %q", c.Username(), in.RoomID)
		return
	}

	msg := chat.Message{
		RoomID:    in.RoomID,
		Username:  c.Username(),
		Text:      in.Text,
		Timestamp: b.now().UnixMilli(),
	}

	frame, err := protocol.EncodeOutbound(protocol.OutboundMsg{
		RoomID:   msg.RoomID,
		Username: msg.Username,
		Text:     msg.Text,
	})
	if err != nil {
		log.Printf("[broker] encode failed: %v", err)
		return
	}
	b.broadcast(c, frame)
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	if batch, full := b.buffer.Push(msg.RoomID, msg); full {
		b.persistAsync(batch)
	}
}

// broadcast queues frame on every Open connection except the sender. A peer
// whose queue is full is disconnected; nobody else waits for it.
func (b *Broker) broadcast(sender *ws.Connection, frame []byte) {
	for _, peer := range b.server.Connections().Peers(sender) {
		err := peer.Enqueue(frame)
		switch {
		case err == nil:
			metrics.Deliveries.WithLabelValues("queued").Inc()
		case errors.Is(err, ws.ErrSendQueueFull):
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			log.Printf("[broker] send queue full for %s (%s), disconnecting", peer.Username(), peer.ID)
			b.server.RemoveConnection(peer)
		default:
			metrics.Deliveries.WithLabelValues("dropped").Inc()
		}
	}
}

// persistAsync stores batch in its own goroutine. The drained messages are
// owned by that goroutine; a failed write is logged and counted, not retried.
func (b *Broker) persistAsync(batch chat.Batch) {
	conv := chat.Conversation{
		RoomID:    batch.RoomID,
		Timestamp: batch.FlushedAt,
		Messages:  batch.Messages,
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), b.config.PersistTimeout)
		defer cancel()

		start := time.Now()
		stored, err := b.persist.AddConversation(ctx, conv)
		metrics.PersistLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ConversationsPersisted.WithLabelValues("error").Inc()
			log.Printf("[broker] lost conversation block room=%s messages=%d: %v",
				conv.RoomID, len(conv.Messages), err)
			return
		}
		metrics.ConversationsPersisted.WithLabelValues("ok").Inc()

		if b.notify == nil {
			return
		}
		ev := chat.ConversationEvent{
			RoomID:         stored.RoomID,
			ConversationID: stored.ID,
			Timestamp:      stored.Timestamp,
			Count:          len(stored.Messages),
		}
		if err := b.notify.PublishConversationStored(ev); err != nil {
			log.Printf("[broker] publish conversation event room=%s: %v", stored.RoomID, err)
		}
	}()
}

// Wait blocks until every in-flight persist has finished or ctx is done.
func (b *Broker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
