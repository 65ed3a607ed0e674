package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
)

// startBackgroundServices starts the hub, the worker, the ticker and the webhook
func (s *MundoServer) startBackgroundServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	s.startJobUpdateBroadcaster()

	if s.webhook != nil {
		s.webhook.Start()
	}
	if s.worker != nil {
		s.worker.Start()
	}
	if s.ticker != nil {
		s.ticker.Start()
	}
}

// Start serves on port until Stop is called. When the port is taken the
// fallback port is used.
func (s *MundoServer) Start(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", actualPort))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", actualPort)
	}
	return s.Serve(listener)
}

// Serve starts background services and serves HTTP on listener.
// Returns nil after a graceful Stop.
func (s *MundoServer) Serve(listener net.Listener) error {
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Infow("Server ready", "addr", listener.Addr().String())

	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

// Stop drains HTTP, stops the worker and ticker, and closes every client.
// An in-flight job is requeued by the worker, not abandoned.
func (s *MundoServer) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = errors.Wrap(err, "http shutdown")
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
	}

	// Ticker first so no sweep starts while the worker winds down
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.worker != nil {
		s.logger.Infow("Stopping worker")
		s.worker.Stop()
	}

	// Hub closes every client, which ends their pumps
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}

	// Last, so events from the worker's final transition still go out
	if s.webhook != nil {
		if err := s.webhook.Stop(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "webhook drain")
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "websocket_drops", s.hub.Drops())
	return firstErr
}
