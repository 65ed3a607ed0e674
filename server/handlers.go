package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/mundo/version"
)

// HandleQueue reports how many worlds are waiting and in progress
func (s *MundoServer) HandleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), err, "Error al consultar la cola")
		return
	}
	writeJSON(w, http.StatusOK, QueueResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
	})
}

// HandleSystem reports worker, memory and queue metrics
func (s *MundoServer) HandleSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), err, "Error al consultar el sistema")
		return
	}

	resp := SystemResponse{
		Queue:   stats,
		Clients: s.hub.ClientCount(),
		Version: version.Get().String(),
		Uptime:  int64(time.Since(s.startedAt).Seconds()),
	}
	if s.worker != nil {
		m := s.worker.GetSystemMetrics(r.Context())
		resp.Worker = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth serves health check endpoint with version info
func (s *MundoServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	status := "ok"
	code := http.StatusOK
	if s.getState() != ServerStateRunning {
		status = stateString(s.getState())
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"version":    info.Version,
		"commit":     info.CommitHash,
		"build_time": info.BuildTime,
		"clients":    s.hub.ClientCount(),
	})
}

// HandleWebSocket upgrades the connection and streams notification events
func (s *MundoServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	client := newClient(s.hub, conn, fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()), s.logger)

	// Written before writePump starts so there is a single writer
	info := version.Get()
	if err := conn.WriteJSON(map[string]interface{}{
		"type":    "version",
		"version": info.Version,
		"commit":  info.Short(),
	}); err != nil {
		s.logger.Debugw("Failed to send version info", "client_id", client.id, "error", err)
	}

	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}
