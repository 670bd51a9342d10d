package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kverlaen/crewd/internal/bus"
)

// streamedTopics is every topic the hub mirrors to connected observers.
var streamedTopics = []bus.Topic{
	bus.TopicTaskCreated,
	bus.TopicTaskUpdated,
	bus.TopicTaskAssigned,
	bus.TopicTaskClaimed,
	bus.TopicTaskProgress,
	bus.TopicTaskCompleted,
	bus.TopicTaskFailed,
	bus.TopicTaskRetryScheduled,
	bus.TopicTaskAvailable,
	bus.TopicAgentStarted,
	bus.TopicAgentStopped,
	bus.TopicAgentStatus,
	bus.TopicFileLock,
	bus.TopicFileUnlock,
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients and mirrors the mail bus to them.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	mail        *bus.Bus
	unsubscribe []func()
	log         *slog.Logger
}

// NewHub creates a hub subscribed to every bus topic.
func NewHub(mail *bus.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients: make(map[*Client]struct{}),
		mail:    mail,
		log:     log,
	}

	onMessage := func(m bus.Message) {
		frame, err := NewEventFrame(string(m.Topic), m)
		if err != nil {
			h.log.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			h.log.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	}
	for _, topic := range streamedTopics {
		h.unsubscribe = append(h.unsubscribe, mail.Subscribe(topic, onMessage))
	}

	return h
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// register adds a client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.log.Info("ws client connected", "clients", len(h.clients))
}

// unregister removes a client from the hub.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		h.log.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.hub.log.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				c.hub.log.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.log.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame.
func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.handleRequest(ctx, frame)
	default:
		c.hub.log.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// handleRequest processes a request frame (method dispatch). The surface
// is read-only: tasks enter through intake or the planner, never here.
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	switch Method(frame.Method) {
	case MethodPing:
		c.sendOK(frame.ID, map[string]string{"status": "ok"})

	case MethodReplay:
		var params struct {
			Topic string `json:"topic"`
			Since string `json:"since,omitempty"`
			Limit int    `json:"limit,omitempty"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Topic == "" {
			c.sendError(frame.ID, "invalid params")
			return
		}
		since := time.Time{}
		if params.Since != "" {
			t, err := time.Parse(time.RFC3339, params.Since)
			if err != nil {
				c.sendError(frame.ID, "invalid since timestamp")
				return
			}
			since = t
		}
		if params.Limit <= 0 {
			params.Limit = 100
		}
		msgs, err := c.hub.mail.Replay(ctx, bus.Topic(params.Topic), since, params.Limit)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, msgs)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	for _, unsub := range h.unsubscribe {
		unsub()
	}
	h.unsubscribe = nil
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
