package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	appcfg "github.com/teranos/mundo/am"
	"github.com/teranos/mundo/errors"
)

// upgrader creates a WebSocket upgrader that checks origins against the
// server's allowed list
func (s *MundoServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the request origin against the allowed origins.
// Prefix matching admits any port.
func (s *MundoServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// No origin header: direct clients, curl, tests
	if origin == "" {
		return true
	}

	allowed := s.allowedOrigins()
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	for _, allowedOrigin := range allowed {
		if allowedOrigin == "*" || strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}

	return false
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close() // best-effort check, the real bind reports its own error
	return true
}

// findAvailablePort tries the requested port, then the fallback port
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}

	for _, port := range []int{appcfg.DefaultServerPort, appcfg.FallbackServerPort} {
		if port != requestedPort && isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d, %d, %d)",
		requestedPort, appcfg.DefaultServerPort, appcfg.FallbackServerPort)
}
