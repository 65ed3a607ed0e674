package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	mundotest "github.com/teranos/mundo/internal/testing"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/upload"
)

type testServer struct {
	srv      *MundoServer
	queue    *async.Queue
	public   *blob.Store
	recorder *notify.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := mundotest.CreateTestDB(t)
	queue := async.NewQueue(db)
	public := blob.NewMemStore()
	local := blob.NewMemStore()
	recorder := &notify.Recorder{}

	cfg := am.DefaultConfig()
	cfg.Upload.MaxUploadMB = 1
	cfg.Upload.MaxChunkMB = 1
	cfg.Server.AllowedOrigins = []string{"https://mundos.example"}

	asm := upload.NewAssembler(queue, public, local, recorder, upload.ConfigFrom(cfg), nil)
	srv, err := NewMundoServer(Options{
		Queue:     queue,
		Assembler: asm,
		Public:    public,
		Config:    cfg,
	})
	require.NoError(t, err)

	return &testServer{srv: srv, queue: queue, public: public, recorder: recorder}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// seedJob inserts a job directly in the given state
func (ts *testServer) seedJob(t *testing.T, state async.JobState, stored string) *async.Job {
	t.Helper()
	job := async.NewJob(stored, "castle.zip", "127.0.0.1", 3*1024*1024, time.Hour)
	job.State = state
	if state == async.StateProcessing {
		job.Start()
	}
	if state == async.StateReady {
		job.MarkReady(stored, 1024*1024, time.Hour)
	}
	if state.IsError() {
		job.Fail(state, errors.New("transform exploded"))
	}
	require.NoError(t, ts.queue.Store().CreateJob(context.Background(), job))
	return job
}

func multipartRequest(t *testing.T, target string, fields map[string]string, fileField, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestQueueCounts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, async.StatePending, "mundos_pendientes/a_1.zip")
	ts.seedJob(t, async.StatePending, "mundos_pendientes/b_2.zip")
	ts.seedJob(t, async.StateProcessing, "mundos_pendientes/c_3.zip")
	ts.seedJob(t, async.StateReady, "mundos_procesados/d_comprimido.zip")

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body QueueResponse
	decode(t, rec, &body)
	assert.Equal(t, QueueResponse{Pending: 2, Processing: 1}, body)
}

func TestSystemWithoutWorker(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, async.StatePending, "mundos_pendientes/a_1.zip")

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/system", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body SystemResponse
	decode(t, rec, &body)
	assert.Nil(t, body.Worker)
	require.NotNil(t, body.Queue)
	assert.Equal(t, 1, body.Queue.Pending)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/worlds", nil)
	req.Header.Set("Origin", "https://mundos.example")
	rec := ts.do(t, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://mundos.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = ts.do(t, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDrainingRefusesUploads(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.setState(ServerStateDraining)

	req := multipartRequest(t, "/api/worlds", nil, "world", "castle.zip", []byte("PK"))
	rec := ts.do(t, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", errors.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{"not found", errors.NewNotFoundError("gone"), http.StatusNotFound},
		{"missing chunk", &upload.MissingChunkError{UploadID: "u", Index: 1, Total: 3}, http.StatusConflict},
		{"not ready", errors.Mark(errors.New("pending"), ErrNotReady), http.StatusConflict},
		{"too large", errors.Wrap(&http.MaxBytesError{Limit: 10}, "read"), http.StatusRequestEntityTooLarge},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "slow"), http.StatusGatewayTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorFor(rec, newTestServer(t).srv.logger, errors.New("sqlite: database is locked"), "Ocurrió un error")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sqlite")
	assert.Contains(t, rec.Body.String(), "Ocurrió un error")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:41234"
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.RemoteAddr = "[2001:db8::1]:80"
	assert.Equal(t, "2001:db8::1", clientIP(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "", clientIP(req))
}

func TestNewMundoServerRequiresDependencies(t *testing.T) {
	_, err := NewMundoServer(Options{})
	assert.Error(t, err)
}

func TestServeAndStop(t *testing.T) {
	ts := newTestServer(t)

	listener, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- ts.srv.Serve(listener) }()

	url := "http://" + listener.Addr().String() + "/api/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Stop(ctx))
	require.NoError(t, <-served)
	assert.Equal(t, ServerStateStopped, ts.srv.getState())
}

func TestFindAvailablePortFallsBack(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	taken := busy.Addr().(*net.TCPAddr).Port
	port, err := findAvailablePort(taken)
	if err != nil {
		// both well-known ports are in use on this machine
		t.Skip(err)
	}
	assert.NotEqual(t, taken, port)
}
