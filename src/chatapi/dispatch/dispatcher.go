package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/guildchat/src/chatapi/data"
)

// Event types pushed to connected clients.
const (
	EventMessageCreated     = "message.created"
	EventMessageEdited      = "message.edited"
	EventMessageDeleted     = "message.deleted"
	EventReactionChanged    = "reaction.changed"
	EventRestrictionChanged = "restriction.changed"
	EventPresenceChanged    = "presence.changed"
	EventTypingChanged      = "typing.changed"
)

// Event is one fanout unit. ChannelID is zero for guild-scope events
// (presence changes, guild restrictions); those reach every connection in
// the guild regardless of channel subscriptions. TargetID is set on
// restriction events so a connection can tell whether its own gate state
// changed.
type Event struct {
	Type      string `json:"type"`
	GuildID   uint64 `json:"guild_id"`
	ChannelID uint64 `json:"channel_id,omitempty"`
	TargetID  uint64 `json:"target_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// subscriberBuffer bounds how far a slow connection may fall behind
// before events are dropped. Delivery is at most once; a client that
// missed events resyncs through pagination after reconnect.
const subscriberBuffer = 64

type Subscriber struct {
	ID      string
	GuildID uint64
	UserID  uint64

	mu       sync.Mutex
	channels map[uint64]bool
	ch       chan Event
	closed   bool
}

// C is the event feed for this connection.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) Subscribe(channelID uint64) {
	s.mu.Lock()
	s.channels[channelID] = true
	s.mu.Unlock()
}

func (s *Subscriber) Unsubscribe(channelID uint64) {
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
}

func (s *Subscriber) Subscribed(channelID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID]
}

// Channels returns the current channel subscriptions.
func (s *Subscriber) Channels() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

func (s *Subscriber) wants(ev Event) bool {
	if ev.GuildID != s.GuildID {
		return false
	}
	if ev.ChannelID == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[ev.ChannelID]
}

// Hub fans events out to registered connections. Publish holds the hub
// lock while handing the event to every matching subscriber channel, so
// two events published in commit order arrive in each subscriber's buffer
// in that order; per-channel FIFO then follows from callers publishing
// under the channel's commit lock.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
	rdb  *redis.Client
}

func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		subs: make(map[string]*Subscriber),
		rdb:  rdb,
	}
}

func (h *Hub) Register(guildID, userID uint64) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.NewString(),
		GuildID:  guildID,
		UserID:   userID,
		channels: make(map[uint64]bool),
		ch:       make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.ch)
}

// Connections reports how many subscribers are registered for a guild.
func (h *Hub) Connections(guildID uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.subs {
		if s.GuildID == guildID {
			n++
		}
	}
	return n
}

// Publish delivers ev to every matching subscriber, dropping it for
// connections whose buffer is full rather than blocking the committer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	for _, sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("dispatch: dropping %s for slow subscriber %s", ev.Type, sub.ID)
		}
	}
	h.mu.Unlock()

	if h.rdb != nil {
		go h.mirror(ev)
	}
}

func (h *Hub) mirror(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := data.PublishEvent(ctx, h.rdb, map[string]interface{}{
		"type":       ev.Type,
		"guild_id":   ev.GuildID,
		"channel_id": ev.ChannelID,
		"target_id":  ev.TargetID,
	})
	if err != nil {
		log.Printf("dispatch: redis mirror: %v", err)
	}
}
