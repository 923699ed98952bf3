// Package feed implements the Canonical Feed Emitter: it subscribes to
// normalized SUO events on the EventBus and republishes them to every
// connected WebSocket client, the in-process boundary to the
// out-of-scope external WS/HTTP collaborator (spec §2, component 10).
package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
)

// FrameType distinguishes feed envelope kinds.
type FrameType string

const (
	FrameData FrameType = "data"
	FramePing FrameType = "ping"
)

// Frame is the envelope every WebSocket client receives.
type Frame struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      *suo.SUO  `json:"data,omitempty"`
}

// Client is one connected WebSocket subscriber to the canonical feed.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan Frame
	hub  *Emitter
}

// Emitter is the Canonical Feed Emitter: it owns the set of connected
// clients and the EventBus subscription that feeds them.
type Emitter struct {
	clients    map[string]*Client
	broadcast  chan Frame
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// New creates an Emitter and subscribes it to data.normalized.
func New(b *bus.Bus) *Emitter {
	e := &Emitter{
		clients:    make(map[string]*Client),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	b.Subscribe(bus.TopicDataNormalized, e.handle)
	return e
}

// handle is the bus.Handler that republishes every normalized SUO. It
// never blocks the publisher: broadcast has ample buffer and
// broadcastFrame drops to slow clients rather than stalling the bus.
func (e *Emitter) handle(msg interface{}) error {
	s, ok := msg.(*suo.SUO)
	if !ok || s == nil {
		return nil
	}

	select {
	case e.broadcast <- Frame{Type: FrameData, Timestamp: time.Now(), Data: s}:
	default:
		// broadcast channel saturated; drop rather than stall the bus.
	}
	return nil
}

// Run starts the Emitter's register/unregister/broadcast loop. Call it
// once in its own goroutine.
func (e *Emitter) Run() {
	for {
		select {
		case client := <-e.register:
			e.registerClient(client)
		case client := <-e.unregister:
			e.unregisterClient(client)
		case frame := <-e.broadcast:
			e.broadcastFrame(frame)
		}
	}
}

func (e *Emitter) registerClient(client *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[client.ID] = client
}

func (e *Emitter) unregisterClient(client *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[client.ID]; ok {
		delete(e.clients, client.ID)
		close(client.Send)
	}
}

func (e *Emitter) broadcastFrame(frame Frame) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, client := range e.clients {
		select {
		case client.Send <- frame:
		default:
			// client's send buffer is full; skip this frame for it
		}
	}
}

// ClientCount returns the number of connected feed subscribers.
func (e *Emitter) ClientCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}

// HandleWebSocket is the fiber/websocket upgrade handler for the
// canonical feed endpoint.
func (e *Emitter) HandleWebSocket(c *websocket.Conn) {
	client := &Client{
		ID:   generateClientID(),
		Conn: c,
		Send: make(chan Frame, 256),
		hub:  e,
	}

	e.register <- client

	go client.writePump()
	client.readPump()
}

// readPump discards anything clients send; the feed is publish-only.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.Conn.Close()
	}()

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func generateClientID() string {
	return fmt.Sprintf("feed-%d", time.Now().UnixNano())
}
