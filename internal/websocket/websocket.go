// Package websocket pushes channel access events (joins, kicks, role and
// invite changes) to connected members of that channel.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"relay-access/internal/apperr"
	"relay-access/internal/channel"
	"relay-access/internal/metrics"
	"relay-access/internal/middleware"
	"relay-access/internal/role"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
	queueSize      = 512
)

// Event types published by the HTTP handlers.
const (
	EventMemberJoined     = "member_joined"
	EventMemberLeft       = "member_left"
	EventMemberKicked     = "member_kicked"
	EventRoleAssigned     = "role_assigned"
	EventRoleRevoked      = "role_revoked"
	EventInviteCreated    = "invite_created"
	EventInviteRedeemed   = "invite_redeemed"
	EventTokenGateUpdated = "token_gate_updated"
	EventChannelDeleted   = "channel_deleted"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	ChannelID uint        `json:"channel_id"`
	Data      interface{} `json:"data,omitempty"`
	Time      time.Time   `json:"time"`
}

type Client struct {
	Conn      *websocket.Conn
	UserID    string
	ChannelID uint
	Send      chan []byte
	hub       *Hub
}

type eviction struct {
	channelID uint
	userID    string
}

// Hub fans events out to the subscribers of each channel. All subscription
// state is owned by the Run goroutine; mu only guards reads from elsewhere.
type Hub struct {
	mu       sync.RWMutex
	channels map[uint]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	evict      chan eviction
	broadcast  chan Event
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		channels:   make(map[uint]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		evict:      make(chan eviction, queueSize),
		broadcast:  make(chan Event, queueSize),
		done:       make(chan struct{}),
	}
}

// Run serves subscriptions until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.channels {
				for client := range clients {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.channels[client.ChannelID] == nil {
				h.channels[client.ChannelID] = make(map[*Client]bool)
			}
			h.channels[client.ChannelID][client] = true
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()
			logrus.WithFields(logrus.Fields{"user_id": client.UserID, "channel_id": client.ChannelID}).Info("Subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case e := <-h.evict:
			h.mu.Lock()
			for client := range h.channels[e.channelID] {
				if client.UserID == e.userID {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// removeLocked drops client and closes its send queue, which ends writePump.
func (h *Hub) removeLocked(client *Client) {
	clients := h.channels[client.ChannelID]
	if !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.channels, client.ChannelID)
	}
	close(client.Send)
	metrics.ConnectedClients.Dec()
	logrus.WithFields(logrus.Fields{"user_id": client.UserID, "channel_id": client.ChannelID}).Info("Subscriber disconnected")
}

func (h *Hub) deliver(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).WithField("type", event.Type).Error("Failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.channels[event.ChannelID] {
		select {
		case client.Send <- data:
			metrics.WebSocketMessages.Inc()
		default:
			logrus.WithField("user_id", client.UserID).Warn("Send queue full, disconnecting subscriber")
			h.removeLocked(client)
		}
	}
}

// Publish queues an event for the subscribers of channelID. It never blocks;
// events are dropped when the queue is full or the hub has stopped.
func (h *Hub) Publish(channelID uint, eventType string, data interface{}) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ChannelID: channelID,
		Data:      data,
		Time:      time.Now().UTC(),
	}
	select {
	case <-h.done:
	case h.broadcast <- event:
	default:
		logrus.WithField("type", eventType).Warn("Event queue full, dropping event")
	}
}

// Disconnect closes every socket userID holds on channelID, used once the
// user is no longer a member.
func (h *Hub) Disconnect(channelID uint, userID string) {
	select {
	case <-h.done:
	case h.evict <- eviction{channelID: channelID, userID: userID}:
	default:
		logrus.WithField("user_id", userID).Warn("Eviction queue full")
	}
}

// Subscribers returns the number of open sockets on channelID.
func (h *Hub) Subscribers(channelID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Subscribers only listen; anything they send is discarded.
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("user_id", c.UserID).Warn("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithError(err).WithField("user_id", c.UserID).Warn("Failed to write event")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket subscribes the authenticated caller to ?channel_id= events.
// It must be wrapped in RequireAuth; the caller needs view_channel.
func (h *Hub) HandleWebSocket(resolver *channel.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())
		channelID, err := middleware.ChannelIDFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := resolver.Require(r.Context(), userID, channelID, role.PermissionViewChannel); err != nil {
			http.Error(w, "Insufficient permissions", apperr.HTTPStatus(err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("WebSocket upgrade failed")
			return
		}

		client := &Client{
			Conn:      conn,
			UserID:    userID,
			ChannelID: channelID,
			Send:      make(chan []byte, sendBuffer),
			hub:       h,
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
