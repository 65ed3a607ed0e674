package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventConstructors(t *testing.T) {
	cases := []struct {
		event  Event
		cat    Category
		color  int
		prefix string
	}{
		{Uploaded("j1", "world.zip", 10), CategoryUploaded, ColorUploaded, "📤 Mundo Subido: j1"},
		{Processing("j1", "world.zip"), CategoryProcessing, ColorProcessing, "⏳ Procesando Mundo: j1"},
		{Ready("j1", "world.zip", 10, 4, time.Now()), CategoryReady, ColorReady, "✅ Mundo Procesado: j1"},
		{Failed("j1", "falló", "level.dat missing"), CategoryError, ColorError, "❌ Error en Mundo: j1"},
		{Expired("j1"), CategoryExpired, ColorExpired, "⏰ Mundo Expirado: j1"},
	}
	for _, c := range cases {
		assert.Equal(t, c.cat, c.event.Category)
		assert.Equal(t, c.color, c.event.Color)
		assert.Equal(t, c.prefix, c.event.Title)
		assert.False(t, c.event.Timestamp.IsZero())
	}

	assert.Equal(t, "❌ Error en Mundo: Desconocido", Failed("", "x", "").Title)
}

func TestBuildPayload(t *testing.T) {
	e := Failed("job-7", "La extracción falló", "zip: not a valid zip file")
	p := BuildPayload(e, "mundo", "mundo Notificaciones")

	require.Len(t, p.Embeds, 1)
	assert.Equal(t, "mundo Notificaciones", p.Username)
	assert.Equal(t, "mundo", p.Embeds[0].Footer.Text)
	assert.Equal(t, ColorError, p.Embeds[0].Color)
	require.Len(t, p.Embeds[0].Fields, 1)
	assert.Equal(t, "Detalles del Error", p.Embeds[0].Fields[0].Name)

	long := strings.Repeat("é", 2000)
	p = BuildPayload(Failed("j", "m", long), "mundo", "")
	assert.Len(t, []rune(p.Embeds[0].Fields[0].Value), maxFieldValue)

	p = BuildPayload(Expired("j"), "mundo", "")
	assert.Empty(t, p.Embeds[0].Fields)
}

func newTestWebhook(t *testing.T, url string, retries int) *Webhook {
	t.Helper()
	w := NewWebhook(WebhookConfig{
		URL:          url,
		AppName:      "mundo",
		Username:     "mundo Notificaciones",
		MaxRetries:   retries,
		Timeout:      2 * time.Second,
		AllowPrivate: true,
	}, nil)
	w.initialBackoff = time.Millisecond
	return w
}

func TestWebhookDeliversEmbed(t *testing.T) {
	received := make(chan WebhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, 0)
	w.Start()
	w.Deliver(Ready("job-1", "world.zip", 10, 3.5, time.Now().Add(time.Hour)))

	select {
	case p := <-received:
		require.Len(t, p.Embeds, 1)
		assert.Equal(t, "✅ Mundo Procesado: job-1", p.Embeds[0].Title)
		assert.Equal(t, ColorReady, p.Embeds[0].Color)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received the event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, 5)
	require.NoError(t, w.send(context.Background(), Expired("j")))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	w := newTestWebhook(t, server.URL, 5)
	require.Error(t, w.send(context.Background(), Expired("j")))
	assert.EqualValues(t, 1, calls.Load())
}

func TestWebhookDeliverNeverBlocks(t *testing.T) {
	w := NewWebhook(WebhookConfig{URL: "https://example.com/hook", QueueSize: 1}, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Deliver(Expired("j"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a full queue")
	}

	require.NoError(t, w.Stop(context.Background()))
	w.Deliver(Expired("after-stop")) // must not panic
}

func TestWebhookEmptyURLDisabled(t *testing.T) {
	w := NewWebhook(WebhookConfig{QueueSize: 1}, nil)
	w.Deliver(Expired("j"))
	assert.Len(t, w.queue, 0)

	w.SetURL("https://example.com/hook")
	assert.Equal(t, "https://example.com/hook", w.URL())
	w.Deliver(Expired("j"))
	assert.Len(t, w.queue, 1)
}

func TestFanoutAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	var fn int
	f := Fanout{a, nil, b, NotifierFunc(func(Event) { fn++ }), Nop{}}

	f.Deliver(Uploaded("j1", "w.zip", 1))
	f.Deliver(Expired("j2"))

	assert.Equal(t, []Category{CategoryUploaded, CategoryExpired}, a.Categories())
	assert.Len(t, b.Events(), 2)
	assert.Equal(t, 2, fn)
	assert.Len(t, a.ForJob("j2"), 1)

	a.Reset()
	assert.Empty(t, a.Events())
}
