// Package presence tracks who is connected per guild and who is typing
// per channel. Everything here is ephemeral best-effort state: nothing is
// persisted, failures are swallowed, and a hard TTL bounds how long a
// stale typing entry can survive a dropped signal.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
)

// TypingTTL is how long a typing entry lives past its last signal.
// Clients refresh at most every 2s while typing, so 3s absorbs one
// dropped signal without letting an indicator stick.
const TypingTTL = 3 * time.Second

type typingKey struct {
	ChannelID uint64
	UserID    uint64
}

type Tracker struct {
	hub *dispatch.Hub
	ttl time.Duration

	mu     sync.Mutex
	online map[uint64]map[uint64]int // guild -> user -> connection refcount
	guilds map[uint64]uint64         // channel guild cache for typing events
	typing map[typingKey]time.Time   // last signal per (channel, user)

	stop chan struct{}
	once sync.Once
}

func NewTracker(hub *dispatch.Hub) *Tracker {
	return &Tracker{
		hub:    hub,
		ttl:    TypingTTL,
		online: make(map[uint64]map[uint64]int),
		guilds: make(map[uint64]uint64),
		typing: make(map[typingKey]time.Time),
		stop:   make(chan struct{}),
	}
}

// Run sweeps expired typing entries until Stop. Interval well under the
// TTL keeps the observable expiry inside the 3-4s window.
func (t *Tracker) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep(time.Now())
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Join registers one connection for the user. Multiple connections
// collapse to a single presence entry; only the 0->1 transition
// broadcasts.
func (t *Tracker) Join(guildID, userID uint64) {
	t.mu.Lock()
	users, ok := t.online[guildID]
	if !ok {
		users = make(map[uint64]int)
		t.online[guildID] = users
	}
	users[userID]++
	first := users[userID] == 1
	t.mu.Unlock()

	if first {
		t.broadcastPresence(guildID, userID, true)
	}
}

// Leave drops one connection reference; the user goes offline when the
// last one closes.
func (t *Tracker) Leave(guildID, userID uint64) {
	t.mu.Lock()
	users := t.online[guildID]
	last := false
	if users != nil && users[userID] > 0 {
		users[userID]--
		if users[userID] == 0 {
			delete(users, userID)
			last = true
		}
		if len(users) == 0 {
			delete(t.online, guildID)
		}
	}
	t.mu.Unlock()

	if last {
		t.broadcastPresence(guildID, userID, false)
	}
}

// Online returns the users currently connected to the guild, sorted.
func (t *Tracker) Online(guildID uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]uint64, 0, len(t.online[guildID]))
	for u := range t.online[guildID] {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// SignalTyping refreshes the typing window for (user, channel). There is
// no stop signal; absence of renewal is the only termination.
func (t *Tracker) SignalTyping(guildID, channelID, userID uint64) {
	t.mu.Lock()
	key := typingKey{ChannelID: channelID, UserID: userID}
	_, already := t.typing[key]
	t.typing[key] = time.Now()
	t.guilds[channelID] = guildID
	t.mu.Unlock()

	// Refreshes are silent; subscribers already show the indicator.
	if !already {
		t.broadcastTyping(guildID, channelID)
	}
}

// Typing returns the users with a live typing window in the channel,
// sorted.
func (t *Tracker) Typing(channelID uint64) []uint64 {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []uint64
	for key, last := range t.typing {
		if key.ChannelID == channelID && now.Sub(last) < t.ttl {
			users = append(users, key.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	expired := make(map[uint64]uint64) // channel -> guild
	for key, last := range t.typing {
		if now.Sub(last) >= t.ttl {
			delete(t.typing, key)
			expired[key.ChannelID] = t.guilds[key.ChannelID]
		}
	}
	t.mu.Unlock()

	for channelID, guildID := range expired {
		t.broadcastTyping(guildID, channelID)
	}
}

func (t *Tracker) broadcastPresence(guildID, userID uint64, onlineNow bool) {
	if t.hub == nil {
		return
	}
	t.hub.Publish(dispatch.Event{
		Type:    dispatch.EventPresenceChanged,
		GuildID: guildID,
		Payload: map[string]any{
			"user_id": userID,
			"online":  onlineNow,
			"users":   t.Online(guildID),
		},
	})
}

func (t *Tracker) broadcastTyping(guildID, channelID uint64) {
	if t.hub == nil {
		return
	}
	t.hub.Publish(dispatch.Event{
		Type:      dispatch.EventTypingChanged,
		GuildID:   guildID,
		ChannelID: channelID,
		Payload: map[string]any{
			"channel_id": channelID,
			"users":      t.Typing(channelID),
		},
	})
}
