package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plateau-stream/internal/logger"
	"plateau-stream/internal/metrics"
	"plateau-stream/internal/streamer"
)

// Placement is the wire form of a placed tile
type Placement struct {
	Streamer   string        `json:"streamer"`
	Code       string        `json:"code"`
	TileX      int           `json:"tileX"`
	TileY      int           `json:"tileY"`
	Position   streamer.Vec3 `json:"position"`
	Rotation   streamer.Quat `json:"rotation"`
	Scale      streamer.Vec3 `json:"scale"`
	Format     string        `json:"format"`
	Mesh       []byte        `json:"mesh"`
	ShadowsOff bool          `json:"shadowsOff"`
	ProbesOff  bool          `json:"probesOff"`
	Ts         int64         `json:"ts"`
}

// FromPlacement builds the wire message for p. Tiles are rendered without
// shadow casting or light probes.
func FromPlacement(p streamer.Placement) Placement {
	msg := Placement{
		Streamer:   p.Streamer,
		Code:       p.Code.String(),
		TileX:      p.Tile.X,
		TileY:      p.Tile.Y,
		Position:   p.Position,
		Rotation:   p.Rotation,
		Scale:      p.Scale,
		ShadowsOff: true,
		ProbesOff:  true,
		Ts:         time.Now().UnixMilli(),
	}
	if p.Mesh != nil {
		msg.Format = p.Mesh.Format
		msg.Mesh = p.Mesh.Data
	}
	return msg
}

// Conn represents a WebSocket connection
type Conn struct {
	ws     *websocket.Conn
	send   chan Placement
	hub    *Hub
	roomID string
}

// ReadPump reads messages from the WebSocket connection. Subscribers only
// listen; anything they send is discarded.
func (c *Conn) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L().Warn("subscriber read failed", "room", c.roomID, "err", err)
			}
			break
		}
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Room holds the subscribers of one streamer
type Room struct {
	subs map[*Conn]struct{}
	mu   sync.RWMutex
}

func newRoom() *Room {
	return &Room{subs: make(map[*Conn]struct{})}
}

// addSubscriber adds a subscriber to the room
func (r *Room) addSubscriber(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[conn] = struct{}{}
}

// removeSubscriber removes a subscriber and reports whether it was present
func (r *Room) removeSubscriber(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[conn]; !ok {
		return false
	}
	delete(r.subs, conn)
	return true
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// broadcast sends msg to all subscribers in the room and returns how many
// were dropped for falling behind.
func (r *Room) broadcast(msg Placement) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for conn := range r.subs {
		select {
		case conn.send <- msg:
		default:
			// Drop on backpressure
			close(conn.send)
			delete(r.subs, conn)
			dropped++
		}
	}
	return dropped
}

// Hub manages WebSocket connections and rooms
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	register   chan *Conn
	unregister chan *Conn
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			room, exists := h.rooms[conn.roomID]
			if !exists {
				room = newRoom()
				h.rooms[conn.roomID] = room
			}
			h.mu.Unlock()

			room.addSubscriber(conn)
			metrics.SubscribersGauge.Inc()

		case conn := <-h.unregister:
			h.mu.Lock()
			if room, exists := h.rooms[conn.roomID]; exists {
				if room.removeSubscriber(conn) {
					close(conn.send)
				}
				if room.size() == 0 {
					delete(h.rooms, conn.roomID)
				}
			}
			h.mu.Unlock()
			metrics.SubscribersGauge.Dec()
		}
	}
}

// Publish sends msg to every subscriber of room
func (h *Hub) Publish(room string, msg Placement) {
	h.mu.RLock()
	r, exists := h.rooms[room]
	h.mu.RUnlock()

	if !exists {
		return
	}

	if n := r.broadcast(msg); n > 0 {
		logger.L().Warn("dropped slow subscribers", "room", room, "count", n)
	}
}

// GetRoomCount returns the number of active rooms
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetSubscriberCount returns the number of subscribers in a room
func (h *Hub) GetSubscriberCount(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, exists := h.rooms[roomKey]; exists {
		return room.size()
	}
	return 0
}

// RegisterConn registers a new connection with a room ID. It returns nil once
// the hub has stopped; the caller still owns ws then.
func (h *Hub) RegisterConn(ws *websocket.Conn, room string) *Conn {
	conn := &Conn{
		ws:     ws,
		send:   make(chan Placement, 256),
		hub:    h,
		roomID: room,
	}

	select {
	case h.register <- conn:
		return conn
	case <-h.done:
		return nil
	}
}

// Sink publishes a streamer's placements to room. Publishing never blocks the
// streamer's worker: slow subscribers are dropped instead.
func (h *Hub) Sink(room string) streamer.Sink {
	return streamer.SinkFunc(func(ctx context.Context, p streamer.Placement) error {
		h.Publish(room, FromPlacement(p))
		return nil
	})
}
