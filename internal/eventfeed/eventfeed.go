// Package eventfeed republishes a Distributor's StatusListener callbacks to
// subscribed WebSocket clients. The pub/sub broker uses a single-writer Hub
// design: registry mutation goes through a single event-loop goroutine via
// channels, and Broadcast only takes a lock to copy the target set before
// sending outside it.
package eventfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexusdb/distributor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

// EventKind classifies a broadcast Event.
type EventKind string

const (
	EventConnectionLost       EventKind = "connection_lost"
	EventBackpressure         EventKind = "backpressure"
	EventLateProcedureResponse EventKind = "late_procedure_response"
	EventUncaughtException    EventKind = "uncaught_exception"
)

// Event is the JSON payload pushed to every subscribed WebSocket client.
type Event struct {
	Kind      EventKind `json:"kind"`
	Hostname  string    `json:"hostname,omitempty"`
	Port      int       `json:"port,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	On        bool      `json:"on,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Hub is the pub/sub broker. All connected clients receive every Event —
// the Distributor's status feed is a single broadcast topic rather than
// multiple per-resource topics.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex

	register   chan *client
	unregister chan *client
	stopped    chan struct{}

	logger *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it, and pass
// it to Distributor.AddListener to subscribe it as a StatusListener.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		stopped:    make(chan struct{}),
		logger:     logger.Named("eventfeed"),
	}
}

// Run starts the hub's event loop. Must be called exactly once, in its own
// goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends ev to every connected client. Clients whose send buffer is
// full are disconnected rather than allowed to stall the others.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			h.unregister <- c
		}
	}
}

// ConnectionLost implements distributor.StatusListener.
func (h *Hub) ConnectionLost(hostname string, port int, remaining int, cause distributor.Status) {
	h.Broadcast(Event{
		Kind:      EventConnectionLost,
		Hostname:  hostname,
		Port:      port,
		Remaining: remaining,
		Cause:     cause.String(),
	})
}

// Backpressure implements distributor.StatusListener.
func (h *Hub) Backpressure(on bool) {
	h.Broadcast(Event{Kind: EventBackpressure, On: on})
}

// LateProcedureResponse implements distributor.StatusListener.
func (h *Hub) LateProcedureResponse(resp distributor.Response, hostname string, port int) {
	h.Broadcast(Event{
		Kind:     EventLateProcedureResponse,
		Hostname: hostname,
		Port:     port,
		Message:  resp.StatusString,
	})
}

// UncaughtException implements distributor.StatusListener. The panicking
// callback itself isn't meaningful over the wire, so only its failure is
// broadcast.
func (h *Hub) UncaughtException(_ distributor.CompletionHandler, resp distributor.Response, err error) {
	h.Broadcast(Event{Kind: EventUncaughtException, Message: err.Error()})
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// Events to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan Event, sendBufferSize),
	}
	h.register <- c

	go c.writePump()
	c.readPump()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single connected WebSocket peer. Origin validation is left to
// a reverse proxy in front of the embedding service.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
