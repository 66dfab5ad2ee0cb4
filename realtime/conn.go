package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound frames. Event payloads are small.
	maxMessageSize = 4096
	// sendBuffer is the per-connection outgoing queue. A client that lets
	// it fill is disconnected rather than stalling the hub.
	sendBuffer = 64
)

// outbound is the wire frame sent to clients.
type outbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// inbound is the wire frame received from clients.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one authenticated websocket connection with its room
// memberships and outgoing queue.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity auth.Identity

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, id auth.Identity) *Client {
	c := &Client{
		hub:      hub,
		conn:     conn,
		identity: id,
		send:     make(chan []byte, sendBuffer),
	}
	for _, room := range c.roomSet() {
		hub.join(room, c)
	}
	metrics.ConnectedClients.Inc()
	return c
}

// roomSet derives the rooms this identity belongs in. Faculty get their
// private room plus every section they teach; students get their one
// section room.
func (c *Client) roomSet() []string {
	if c.identity.IsFaculty() {
		rooms := make([]string, 0, len(c.identity.Sections)+1)
		rooms = append(rooms, FacultyRoom(c.identity.ID))
		for _, t := range c.identity.Sections {
			rooms = append(rooms, SectionRoom(t))
		}
		return rooms
	}
	return []string{SectionRoom(c.identity.Triple)}
}

// enqueue queues a frame for delivery. A full queue means the client is
// not keeping up; drop the connection, it can reconnect and ask for a
// fresh status snapshot.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
		return
	default:
	}
	c.mu.Unlock()

	c.hub.log.Warn("realtime client too slow, disconnecting",
		"user_id", c.identity.ID, "role", c.identity.Role)
	c.close()
}

// reply sends a frame to this connection only, bypassing the fabric.
// Used for request/response style inbound events.
func (c *Client) reply(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.hub.log.Error("marshal reply payload", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(outbound{Event: event, Data: raw})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.hub.leave(c)
	metrics.ConnectedClients.Dec()
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. It owns all writes; nothing else may write to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames and dispatches them until the peer
// closes or errors. It returns when the connection is done.
func (c *Client) readPump(ctx context.Context, d *dispatcher) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("realtime read error", "user_id", c.identity.ID, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.reply(eventError, errorPayload{Message: "malformed event frame"})
			continue
		}
		d.dispatch(ctx, c, msg)
	}
}
