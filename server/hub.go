package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
)

// Hub tracks websocket clients and fans messages out to them.
// It is a notify.Notifier, so the worker, assembler and sweeper events
// reach browsers the same way they reach the webhook.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
	drops      atomic.Int64
	done       chan struct{}
	doneOnce   sync.Once
}

// NewHub creates a hub. Run must be called to accept clients.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.Named("hub"),
		done:       make(chan struct{}),
	}
}

// Run processes client registration until ctx is done, then closes
// every remaining client
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("Hub stopping due to context cancellation")
			return
		case client := <-h.register:
			h.handleClientRegister(client)
		case client := <-h.unregister:
			h.handleClientUnregister(client)
		}
	}
}

// Register adds a client. Returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. Safe to call after the hub stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) handleClientRegister(client *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client connected", "client_id", client.id, "total_clients", total)
}

func (h *Hub) handleClientUnregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Infow("Client disconnected", "client_id", client.id, "total_clients", total)
}

// removeSlowClient drops a client whose send queue is full
func (h *Hub) removeSlowClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	h.mu.Unlock()

	client.close()
	h.logger.Warnw("Client send channel full, removing client",
		"client_id", client.id,
		"total_drops", h.drops.Load(),
	)
}

func (h *Hub) closeAll() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
	if len(clients) > 0 {
		h.logger.Infow("Closed client connections", "count", len(clients))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues msg for every client interested in jobID.
// Returns the number of clients that accepted it.
func (h *Hub) broadcast(jobID string, msg interface{}) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(jobID) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.enqueue(msg) {
			sent++
			continue
		}
		h.drops.Add(1)
		h.removeSlowClient(client)
	}
	return sent
}

// Deliver sends a notification event to connected clients
func (h *Hub) Deliver(e notify.Event) {
	h.broadcast(e.JobID, EventMessage{Type: "event", Event: e})
}

// BroadcastJobUpdate sends a job state change to connected clients
func (h *Hub) BroadcastJobUpdate(job *async.Job) {
	h.broadcast(job.ID, JobUpdateMessage{
		Type:  "job_update",
		JobID: job.ID,
		State: job.State,
		Error: job.Error,
		At:    time.Now().UTC(),
	})
}

// Drops returns how many messages were dropped for slow clients
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}
