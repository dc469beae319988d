package webserver

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

const (
	// A connection that misses two pings is reaped, bounding how long a
	// vanished client can hold its presence entry.
	pongWait   = 30 * time.Second
	pingPeriod = 15 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 4096
)

type WSHandler struct {
	secret   []byte
	deps     Deps
	upgrader websocket.Upgrader
}

func NewWSHandler(secret []byte, deps Deps) *WSHandler {
	return &WSHandler{
		secret: secret,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// clientFrame is what clients send: channel subscription management and
// typing signals. Messages themselves go through the HTTP API so they
// share idempotency handling with non-realtime clients.
type clientFrame struct {
	Op        string `json:"op"`
	ChannelID uint64 `json:"channel_id"`
}

type serverFrame struct {
	Type      string `json:"type"`
	ChannelID uint64 `json:"channel_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func (h *WSHandler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if bearer := c.GetHeader("Authorization"); len(bearer) > 7 {
			token = bearer[7:]
		}
	}
	ident, err := parseIdentity(token, h.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"err": "invalid token"})
		return
	}

	// A guild-banned user gets no connection at all. A guild-blind user
	// may still connect: every channel subscription stays refused, but
	// the open socket carries the restriction.changed that unblocks them.
	if acc, err := h.deps.Engine.EvaluateGuild(ident.UserID, ident.GuildID); err == nil &&
		acc.Blocking != nil && acc.Blocking.Type == types.RestrictionBan {
		renderError(c, types.ModerationBlocked(acc.Blocking))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}

	sub := h.deps.Hub.Register(ident.GuildID, ident.UserID)
	h.deps.Tracker.Join(ident.GuildID, ident.UserID)

	session := &wsSession{
		h:     h,
		conn:  conn,
		ident: ident,
		sub:   sub,
		out:   make(chan serverFrame, 16),
		done:  make(chan struct{}),
	}
	go session.writeLoop()
	session.readLoop()
}

type wsSession struct {
	h     *WSHandler
	conn  *websocket.Conn
	ident Identity
	sub   *dispatch.Subscriber
	out   chan serverFrame
	done  chan struct{}
}

// readLoop owns the connection lifecycle: when it returns, the
// subscriber is unregistered and the presence reference released.
func (s *wsSession) readLoop() {
	defer func() {
		close(s.done)
		s.h.deps.Hub.Unregister(s.sub)
		s.h.deps.Tracker.Leave(s.ident.GuildID, s.ident.UserID)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients throttle typing to one signal per 2s; the limiter enforces
	// the contract server-side with a little slack.
	typingLimiter := rate.NewLimiter(rate.Every(2*time.Second), 2)

	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Op {
		case "subscribe":
			s.subscribe(frame.ChannelID)
		case "unsubscribe":
			s.sub.Unsubscribe(frame.ChannelID)
		case "typing":
			if !typingLimiter.Allow() {
				continue
			}
			s.typing(frame.ChannelID)
		default:
			s.send(serverFrame{Type: "error", Payload: gin.H{"err": "unknown op " + frame.Op}})
		}
	}
}

func (s *wsSession) subscribe(channelID uint64) {
	ch, err := s.h.deps.Directory.Channel(channelID)
	if err != nil || ch.GuildID != s.ident.GuildID {
		s.send(serverFrame{Type: "error", ChannelID: channelID, Payload: gin.H{"err": "unknown channel"}})
		return
	}

	acc, err := s.h.deps.Engine.Evaluate(s.ident.UserID, channelID)
	if err != nil {
		s.send(serverFrame{Type: "error", ChannelID: channelID, Payload: gin.H{"err": err.Error()}})
		return
	}
	if !acc.CanRead {
		s.send(serverFrame{Type: "blocked", ChannelID: channelID, Payload: gin.H{
			"kind":        types.KindModerationBlocked,
			"restriction": acc.Blocking,
		}})
		return
	}
	s.sub.Subscribe(channelID)
	s.send(serverFrame{Type: "subscribed", ChannelID: channelID, Payload: gin.H{
		"can_send": acc.CanSend,
		"typing":   s.h.deps.Tracker.Typing(channelID),
	}})
}

func (s *wsSession) typing(channelID uint64) {
	ch, err := s.h.deps.Directory.Channel(channelID)
	if err != nil || ch.GuildID != s.ident.GuildID {
		return
	}
	if acc, err := s.h.deps.Engine.Evaluate(s.ident.UserID, channelID); err != nil || !acc.CanSend {
		return
	}
	s.h.deps.Tracker.SignalTyping(ch.GuildID, channelID, s.ident.UserID)
}

// send queues a frame for the writer, dropping it if the client cannot
// keep up.
func (s *wsSession) send(frame serverFrame) {
	select {
	case s.out <- frame:
	default:
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			if ev.Type == dispatch.EventRestrictionChanged && ev.TargetID == s.ident.UserID {
				s.reconcileAccess(ev)
			}
			if err := s.write(serverFrame{Type: ev.Type, ChannelID: ev.ChannelID, Payload: ev.Payload}); err != nil {
				return
			}
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) write(frame serverFrame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

// reconcileAccess re-runs the gate for the session's own subscriptions
// when one of its restrictions changed, so an open chat view flips to
// blocked or unblocked live instead of on the next user action.
func (s *wsSession) reconcileAccess(ev dispatch.Event) {
	channels := s.sub.Channels()
	for _, channelID := range channels {
		if ev.ChannelID != 0 && ev.ChannelID != channelID {
			continue
		}
		acc, err := s.h.deps.Engine.Evaluate(s.ident.UserID, channelID)
		if err != nil {
			continue
		}
		if !acc.CanRead {
			s.sub.Unsubscribe(channelID)
		}
		_ = s.write(serverFrame{Type: "access.changed", ChannelID: channelID, Payload: gin.H{
			"can_send":    acc.CanSend,
			"can_read":    acc.CanRead,
			"restriction": acc.Blocking,
		}})
	}
}
