package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeouts, following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send small control messages
	maxMessageSize = 4 * 1024
)

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	send   chan interface{}
	closed bool
	jobID  string // empty = every job
}

func newClient(hub *Hub, conn *websocket.Conn, id string, log *zap.SugaredLogger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		id:     id,
		logger: log,
		send:   make(chan interface{}, MaxClientMessageQueueSize),
	}
}

// wants reports whether the client subscribed to jobID's events
func (c *Client) wants(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID == "" || c.jobID == jobID
}

// enqueue queues msg without blocking. Returns false when the queue is full.
func (c *Client) enqueue(msg interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close closes the send queue once; writePump then closes the connection
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles control messages from the client
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugw("Ignoring malformed client message", "client_id", c.id, "error", err)
			continue
		}
		c.routeMessage(&msg)
	}
}

func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		c.enqueue(map[string]interface{}{"type": "pong", "at": time.Now().UTC()})
	case "subscribe":
		c.mu.Lock()
		c.jobID = msg.JobID
		c.mu.Unlock()
		c.enqueue(map[string]interface{}{"type": "subscribed", "job_id": msg.JobID})
	default:
		c.logger.Debugw("Unknown client message type", "client_id", c.id, "type", msg.Type)
	}
}

// writePump writes queued messages and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debugw("Message write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
