package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The auth layer in front of this service owns origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is the inbound client protocol: channel attach/detach plus the
// ephemeral typing and presence actions.
type wsCommand struct {
	Action         string `json:"action"` // subscribe | unsubscribe | typing | track | untrack
	Channel        string `json:"channel,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// wsClient relays channel events to one websocket. Outbound writes go
// through a buffered channel; a client that cannot drain it is dropped to
// keep backpressure bounded.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]transport.Subscription
}

func (s *Server) handleWS(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		userID: uid,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]transport.Subscription),
	}

	// The caller's own feed channel is always attached.
	if err := s.attach(client, transport.ConversationsChannel(uid)); err != nil {
		client.close()
		return nil
	}

	go client.writeLoop()
	s.readLoop(client)
	return nil
}

// attach subscribes channel and relays its events onto the socket.
func (s *Server) attach(client *wsClient, channel string) error {
	client.mu.Lock()
	if _, exists := client.subs[channel]; exists {
		client.mu.Unlock()
		return nil
	}
	client.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := s.tr.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	client.mu.Lock()
	client.subs[channel] = sub
	client.mu.Unlock()

	go func() {
		for ev := range sub.Events() {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if !client.enqueue(payload) {
				return
			}
		}
	}()
	return nil
}

func (s *Server) detach(client *wsClient, channel string) {
	client.mu.Lock()
	sub, ok := client.subs[channel]
	delete(client.subs, channel)
	client.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// authorizeChannel checks the caller may attach to channel: their own feed
// channel, or any channel of a conversation they participate in.
func (s *Server) authorizeChannel(ctx context.Context, uid, channel string) error {
	prefix, id, ok := strings.Cut(channel, ":")
	if !ok {
		return &chat.ValidationError{Field: "channel", Reason: "malformed channel name"}
	}
	switch prefix {
	case "conversations":
		if id != uid {
			return &chat.AuthorizationError{UserID: uid, Op: "subscribe to " + channel}
		}
		return nil
	case "messages", "typing", "presence":
		_, err := s.store.GetConversation(ctx, id, uid)
		return err
	}
	return &chat.ValidationError{Field: "channel", Reason: "unknown channel prefix"}
}

func (s *Server) readLoop(client *wsClient) {
	defer client.close()

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.dispatch(ctx, client, cmd)
		cancel()
	}
}

func (s *Server) dispatch(ctx context.Context, client *wsClient, cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		if err := s.authorizeChannel(ctx, client.userID, cmd.Channel); err != nil {
			log.Debug().Str("user_id", client.userID).Str("channel", cmd.Channel).Err(err).Msg("ws subscribe rejected")
			return
		}
		if err := s.attach(client, cmd.Channel); err != nil {
			log.Warn().Str("channel", cmd.Channel).Err(err).Msg("ws attach failed")
		}
	case "unsubscribe":
		s.detach(client, cmd.Channel)
	case "typing":
		if err := s.authorizeChannel(ctx, client.userID, transport.TypingChannel(cmd.ConversationID)); err != nil {
			return
		}
		_ = s.tr.Publish(ctx, transport.TypingChannel(cmd.ConversationID), transport.Event{
			Kind: transport.EventBroadcast,
			Typing: &chat.TypingSignal{
				UserID:         client.userID,
				ConversationID: cmd.ConversationID,
				IsTyping:       cmd.IsTyping,
			},
		})
	case "track":
		if err := s.authorizeChannel(ctx, client.userID, transport.PresenceChannel(cmd.ConversationID)); err != nil {
			return
		}
		_ = s.tr.Track(ctx, transport.PresenceChannel(cmd.ConversationID), client.userID)
	case "untrack":
		_ = s.tr.Untrack(ctx, transport.PresenceChannel(cmd.ConversationID), client.userID)
	}
}

// enqueue hands payload to the write loop; false means the client is gone
// or too slow.
func (c *wsClient) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- payload:
		return true
	default:
		log.Warn().Str("user_id", c.userID).Msg("ws client too slow, disconnecting")
		c.close()
		return false
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// close tears the socket down and releases every attached subscription.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]transport.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Close()
		}
	})
}
