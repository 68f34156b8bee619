package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds per-connection backlog; a connection that
	// cannot drain it is evicted rather than blocking the fanout.
	sendBuffer = 16
)

// clientMessage is what sockets send: an explicit join/leave carrying
// nothing but the event name; identity comes from the authenticated
// connection, never from the message body.
type clientMessage struct {
	Event string `json:"event"`
}

// serverMessage wraps relayed events for the wire.
type serverMessage struct {
	Event string              `json:"event"`
	Data  *upload.StatusEvent `json:"data"`
}

// Conn is one websocket connection held by this process.
type Conn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte

	hub       *Hub
	joined    bool
	closed    bool
	mu        sync.Mutex
	closeOnce sync.Once
}

// Hub routes relayed events to the sockets of the targeted user. Each
// user maps to a logical room every one of their sockets joins.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

var _ Relay = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Register wraps an upgraded websocket for a user and starts its
// pumps. The socket only receives events after it sends join:user.
func (h *Hub) Register(ws *websocket.Conn, userID string) *Conn {
	c := &Conn{
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Relay delivers one event to every joined socket of the target user.
func (h *Hub) Relay(event *upload.StatusEvent) {
	data, err := json.Marshal(serverMessage{Event: "upload-status-change", Data: event})
	if err != nil {
		logger.Error().Err(err).Msg("notify: marshal relay message")
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[event.UserID]))
	for c := range h.rooms[event.UserID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.trySend(data) {
			DeliveredTotal.Inc()
			continue
		}
		// Slow consumer or a socket that disconnected after the room
		// snapshot; drop it, the client reconnects.
		logger.Warn().Str("user_id", c.userID).Msg("notify: evicting websocket")
		c.close()
	}
}

// RoomSize reports how many sockets a user has joined (for tests and
// diagnostics).
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

func (h *Hub) join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[c.userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
}

// readPump handles join/leave messages until the socket disconnects.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debug().Err(err).Msg("notify: ignoring malformed client message")
			continue
		}

		switch msg.Event {
		case "join:user":
			c.mu.Lock()
			if !c.joined {
				c.joined = true
				c.hub.join(c)
			}
			c.mu.Unlock()
		case "leave:user":
			c.mu.Lock()
			if c.joined {
				c.joined = false
				c.hub.leave(c)
			}
			c.mu.Unlock()
		}
	}
}

// writePump drains the send queue and keeps the connection alive.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data for the write pump without blocking. It reports
// false when the connection is closed or its buffer is full. The lock
// is held across the send so a concurrent close cannot slip between
// the closed check and the channel write.
func (c *Conn) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close marks the connection closed under the same lock trySend holds,
// so the send channel is never closed while a fanout is writing to it.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.joined {
			c.joined = false
			c.hub.leave(c)
		}
		close(c.send)
		c.mu.Unlock()
		c.ws.Close()
	})
}
