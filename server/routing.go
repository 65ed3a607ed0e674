package server

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
)

// setupHTTPRoutes builds the route table
func (s *MundoServer) setupHTTPRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/worlds", s.HandleUpload)                   // Whole-file upload (multipart "world")
	mux.HandleFunc("POST /api/worlds/chunks/init", s.HandleChunkSession) // Open a chunk session
	mux.HandleFunc("POST /api/worlds/chunks", s.HandleChunk)             // One chunk (multipart)
	mux.HandleFunc("GET /api/worlds/{id}", s.HandleStatus)               // Job status
	mux.HandleFunc("GET /api/worlds/{id}/download", s.HandleDownload)    // Ready archive
	mux.HandleFunc("GET /api/queue", s.HandleQueue)                      // Pending/processing counts
	mux.HandleFunc("GET /api/system", s.HandleSystem)                    // Worker and memory metrics
	mux.HandleFunc("GET /api/health", s.HandleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket) // Notification event stream

	return s.requestLogger(s.corsMiddleware(mux))
}

// corsMiddleware adds CORS headers for allowed origins and answers preflights
func (s *MundoServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Draining: reads still work, new uploads are refused
		if r.Method == http.MethodPost && s.getState() != ServerStateRunning {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "El servidor se está deteniendo, inténtalo de nuevo")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestLogger tags each request with an id and logs its outcome
func (s *MundoServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		fields := []interface{}{
			logger.FieldRequestID, requestID,
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			"status", rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldClientIP, clientIP(r),
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			s.logger.Warnw("HTTP request", fields...)
		case r.URL.Path == "/api/health":
			// polled by load balancers
		default:
			s.logger.Debugw("HTTP request", fields...)
		}
	})
}
