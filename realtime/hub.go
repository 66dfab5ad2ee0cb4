// Package realtime implements the websocket bus: authenticated connections,
// room-based fan-out, and cross-worker delivery over a shared message
// fabric. Faculty clients drive the session lifecycle through inbound
// events; students receive status updates for their section room.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/logger"
	"github.com/rollcall-app/rollcall/core/metrics"
	"github.com/rollcall-app/rollcall/pkg/broadcast"
)

// fabricBuffer sizes the hub's fabric subscription. The hub drains it fast,
// so a modest buffer absorbs bursts without dropping.
const fabricBuffer = 256

// Envelope is the fabric wire unit. Payload is pre-marshaled once at the
// emitter so every worker and every connection reuses the same bytes.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FacultyRoom returns the room name for a faculty's private channel.
func FacultyRoom(facultyID string) string { return "faculty:" + facultyID }

// SectionRoom returns the room name for a cohort triple.
func SectionRoom(t attend.Triple) string { return "section:" + t.Key() }

// Hub tracks room membership on this worker and bridges emissions through
// the fabric so they reach subscribers on every worker, including this one.
// It satisfies the coordinator's Bus contract.
type Hub struct {
	fabric broadcast.Broadcaster[Envelope]
	log    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHub creates a hub over the given fabric and starts its delivery loop.
// Pass a MemoryBroadcaster for single-worker deployments and tests, a
// RedisBroadcaster when workers are sharded.
func NewHub(fabric broadcast.Broadcaster[Envelope], opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		fabric: fabric,
		log:    logger.Noop(),
		rooms:  make(map[string]map[*Client]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	// Subscribe before returning so events published right after NewHub
	// are never dropped while the delivery goroutine is still starting.
	sub := h.fabric.Subscribe(ctx)
	go h.run(ctx, sub)
	return h
}

// ToFaculty publishes an event to the faculty's private room.
func (h *Hub) ToFaculty(facultyID, event string, payload any) {
	h.publish(FacultyRoom(facultyID), event, payload)
}

// ToSection publishes an event to the cohort's section room.
func (h *Hub) ToSection(t attend.Triple, event string, payload any) {
	h.publish(SectionRoom(t), event, payload)
}

func (h *Hub) publish(room, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal realtime payload", "room", room, "event", event, "error", err)
		return
	}
	env := Envelope{Room: room, Event: event, Payload: raw}
	if err := h.fabric.Broadcast(context.Background(), broadcast.Message[Envelope]{Data: env}); err != nil {
		h.log.Error("broadcast realtime event", "room", room, "event", event, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(event).Inc()
}

// run consumes the fabric and fans envelopes out to local room members.
// All delivery, local and cross-worker, goes through this single path so
// per-room ordering from one emitter is preserved.
func (h *Hub) run(ctx context.Context, sub broadcast.Subscriber[Envelope]) {
	defer close(h.done)
	defer sub.Close()

	for msg := range sub.Receive(ctx) {
		h.deliver(msg.Data)
	}
}

func (h *Hub) deliver(env Envelope) {
	frame, err := json.Marshal(outbound{Event: env.Event, Data: env.Payload})
	if err != nil {
		h.log.Error("marshal realtime frame", "event", env.Event, "error", err)
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[env.Room]))
	for c := range h.rooms[env.Room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(frame)
	}
}

func (h *Hub) join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		if _, ok := members[c]; !ok {
			continue
		}
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize reports how many local connections a room has. Empty rooms
// report zero; the hub does not know about members on other workers.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close stops the delivery loop and drops every connection.
func (h *Hub) Close() {
	h.cancel()
	<-h.done

	h.mu.Lock()
	clients := make(map[*Client]struct{})
	for _, members := range h.rooms {
		for c := range members {
			clients[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

var _ coordinator.Bus = (*Hub)(nil)
