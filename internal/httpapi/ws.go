package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is a client-to-server control message.
type wsCommand struct {
	Action  string `json:"action"` // "subscribe" or "unsubscribe"
	IssueID string `json:"issue_id"`
}

// wsMessage is a server-to-client event envelope.
type wsMessage struct {
	Type    string      `json:"type"`
	IssueID string      `json:"issue_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// wsClient is one WebSocket connection and its issue subscriptions.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	issues map[string]bool
	send   chan []byte
	hub    *Hub
	mu     sync.RWMutex
}

func (c *wsClient) subscribed(issueID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issues[issueID]
}

// Hub fans event-bus traffic out to WebSocket clients, filtered by the
// issues each client subscribed to.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool

	subs   []bus.Subscription
	cancel context.CancelFunc
}

// NewHub creates a WebSocket hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "websocket-hub")),
		clients: make(map[*wsClient]bool),
	}
}

// Start wires the hub to the event bus wildcard subjects.
func (h *Hub) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	type route struct {
		subject string
		msgType string
	}
	routes := []route{
		{events.BuildExecutionLogWildcardSubject(), "log"},
		{events.BuildExecutionStateWildcardSubject(), "state"},
		{events.BuildExecutionSettledWildcardSubject(), "done"},
		{events.BuildIssueUpdatedWildcardSubject(), "issue-updated"},
	}
	for _, rt := range routes {
		sub, err := h.bus.Subscribe(rt.subject, busHandler(func(event *bus.Event) {
			h.broadcast(rt.msgType, event)
		}))
		if err != nil {
			h.Stop()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus and closes every client.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// broadcast routes one bus event to all clients subscribed to its issue.
func (h *Hub) broadcast(msgType string, event *bus.Event) {
	issueID := issueIDFromEvent(event)
	if issueID == "" {
		return
	}

	payload, err := json.Marshal(wsMessage{Type: msgType, IssueID: issueID, Data: event.Data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(issueID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow client: drop the frame rather than block the bus.
			h.logger.Debug("websocket client lagging", zap.String("client_id", client.id))
		}
	}
}

// issueIDFromEvent extracts the issue id from a typed event payload.
func issueIDFromEvent(event *bus.Event) string {
	switch data := event.Data.(type) {
	case *events.LogEventData:
		return data.IssueID
	case *events.StateEventData:
		return data.IssueID
	case *events.SettledEventData:
		return data.IssueID
	case *events.IssueUpdatedData:
		return data.IssueID
	case map[string]interface{}:
		if id, ok := data["issue_id"].(string); ok {
			return id
		}
	}
	return ""
}

// HandleConnection handles GET /api/v1/ws.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:     uuid.New().String(),
		conn:   conn,
		issues: make(map[string]bool),
		send:   make(chan []byte, 256),
		hub:    h,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("client_id", client.id))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// readPump consumes subscribe/unsubscribe commands until the peer closes.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			if cmd.IssueID != "" {
				c.mu.Lock()
				c.issues[cmd.IssueID] = true
				c.mu.Unlock()
			}
		case "unsubscribe":
			c.mu.Lock()
			delete(c.issues, cmd.IssueID)
			c.mu.Unlock()
		}
	}
}

// writePump flushes outbound frames and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
