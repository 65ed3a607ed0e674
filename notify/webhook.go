package notify

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/internal/httpclient"
)

// WebhookConfig configures a Webhook
type WebhookConfig struct {
	URL           string
	AppName       string
	Username      string
	RatePerMinute int // 0 = unlimited
	MaxRetries    int
	Timeout       time.Duration
	QueueSize     int
	AllowPrivate  bool
}

// Webhook posts events to a Discord-compatible webhook from a background
// goroutine. Deliver enqueues without blocking; when the queue is full the
// event is dropped and logged.
type Webhook struct {
	url      atomic.Pointer[string]
	appName  string
	username string
	retries  int
	client   *httpclient.SaferClient
	limiter  *rate.Limiter
	queue    chan Event
	logger   *zap.SugaredLogger

	// initialBackoff is shortened by tests
	initialBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWebhook creates a webhook notifier. Call Start before delivering.
func NewWebhook(cfg WebhookConfig, logger *zap.SugaredLogger) *Webhook {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	block := !cfg.AllowPrivate
	client := httpclient.NewSaferClientWithOptions(cfg.Timeout, httpclient.SaferClientOptions{
		BlockPrivateIP: &block,
	})

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		appName:        cfg.AppName,
		username:       cfg.Username,
		retries:        cfg.MaxRetries,
		client:         client,
		limiter:        rate.NewLimiter(limit, 1),
		queue:          make(chan Event, cfg.QueueSize),
		logger:         logger.Named("notify"),
		initialBackoff: 500 * time.Millisecond,
		ctx:            ctx,
		cancel:         cancel,
	}
	w.SetURL(cfg.URL)
	return w
}

// SetURL swaps the target URL. An empty URL disables delivery.
func (w *Webhook) SetURL(url string) {
	w.url.Store(&url)
}

// URL returns the current target
func (w *Webhook) URL() string {
	if p := w.url.Load(); p != nil {
		return *p
	}
	return ""
}

// Deliver enqueues e without blocking
func (w *Webhook) Deliver(e Event) {
	if w.URL() == "" {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		w.logger.Warnw("Notification queue full, dropping event",
			"job_id", e.JobID,
			"category", e.Category)
	}
}

// Start launches the delivery goroutine
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop drains queued events until ctx expires, then stops the goroutine
func (w *Webhook) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "notification queue not drained")
	}
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for e := range w.queue {
		if err := w.send(w.ctx, e); err != nil {
			w.logger.Errorw("Failed to send notification",
				"job_id", e.JobID,
				"category", e.Category,
				"error", err)
		}
	}
}

// send posts one event, retrying transport errors, 429 and 5xx responses
func (w *Webhook) send(ctx context.Context, e Event) error {
	url := w.URL()
	if url == "" {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	payload := BuildPayload(e, w.appName, w.username)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = w.initialBackoff
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		err := w.client.PostJSON(ctx, url, payload)
		if err == nil {
			return nil
		}
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusTooManyRequests && statusErr.RetryAfter > 0 {
				select {
				case <-time.After(statusErr.RetryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	notifyRetry := func(err error, next time.Duration) {
		w.logger.Debugw("Retrying notification",
			"job_id", e.JobID,
			"error", err,
			"next_in", next)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(w.retries)), ctx)
	return backoff.RetryNotify(operation, b, notifyRetry)
}
