// Package server exposes world uploads, job status and downloads over HTTP,
// and streams notification events to websocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/pulse/schedule"
	"github.com/teranos/mundo/upload"
)

// MundoServer serves the world API and owns the background services
// started with it: the worker, the pulse ticker, the webhook and the
// config watcher.
type MundoServer struct {
	queue         *async.Queue
	assembler     *upload.Assembler
	public        *blob.Store
	hub           *Hub
	worker        *async.Worker          // nil when processing runs elsewhere
	ticker        *schedule.Ticker       // nil disables periodic sweeps
	webhook       *notify.Webhook        // nil when no webhook is configured
	configWatcher *am.ConfigWatcher      // nil when running without a config file
	maxUpload     int64                  // request body cap for whole uploads
	maxChunk      int64                  // request body cap for one chunk
	origins       atomic.Pointer[[]string]
	logger        *zap.SugaredLogger
	startedAt     time.Time

	httpServer *http.Server
	handler    http.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// Handler returns the HTTP handler with every route and middleware applied
func (s *MundoServer) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub
func (s *MundoServer) Hub() *Hub {
	return s.hub
}

// reqLogger carries the request id into handler logs
func (s *MundoServer) reqLogger(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

func (s *MundoServer) allowedOrigins() []string {
	if p := s.origins.Load(); p != nil {
		return *p
	}
	return nil
}

// SetAllowedOrigins replaces the CORS and websocket origin list
func (s *MundoServer) SetAllowedOrigins(origins []string) {
	cp := append([]string(nil), origins...)
	s.origins.Store(&cp)
}

// getState returns the current server state
func (s *MundoServer) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *MundoServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
