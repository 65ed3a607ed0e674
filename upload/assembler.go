// Package upload turns client submissions into pending world jobs.
//
// A submission is either one complete archive (SubmitFile) or a sequence
// of chunks keyed by an upload id (SubmitChunk). Chunks are staged in the
// local area under chunks/<uploadID>/<index>.part and concatenated in
// ascending index order once the last one arrives. Either way the archive
// lands in the public pending area and a job row is created in pending.
package upload

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
)

const bytesPerMB = 1024 * 1024

// Config bounds what the assembler accepts
type Config struct {
	PendingTTL        time.Duration
	MaxUploadBytes    int64 // 0 = unlimited
	MaxChunkBytes     int64 // 0 = unlimited
	MaxChunks         int   // 0 = unlimited
	AllowedExtensions []string
}

// DefaultConfig matches the built-in configuration defaults
func DefaultConfig() Config {
	return ConfigFrom(am.DefaultConfig())
}

// ConfigFrom extracts upload settings from the application config
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		PendingTTL:        cfg.Upload.PendingTTL(),
		MaxUploadBytes:    int64(cfg.Upload.MaxUploadMB) * bytesPerMB,
		MaxChunkBytes:     int64(cfg.Upload.MaxChunkMB) * bytesPerMB,
		MaxChunks:         cfg.Upload.MaxChunks,
		AllowedExtensions: cfg.GetAllowedExtensions(),
	}
}

// Waker is poked after a job is enqueued. *async.Worker satisfies it.
type Waker interface {
	Wake()
}

// FileUpload is a complete archive submitted in one request
type FileUpload struct {
	Name     string    `validate:"required,max=255"`
	Body     io.Reader `validate:"required"`
	ClientIP string    `validate:"omitempty,ip"`
}

// Assembler accepts uploads and enqueues them as pending jobs
type Assembler struct {
	queue    *async.Queue
	public   *blob.Store
	local    *blob.Store
	notifier notify.Notifier
	waker    Waker
	cfg      Config
	allowed  map[string]bool
	validate *validator.Validate
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionLock
}

// NewAssembler creates an assembler. A nil notifier discards events.
func NewAssembler(queue *async.Queue, public, local *blob.Store, notifier notify.Notifier, cfg Config, log *zap.SugaredLogger) *Assembler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = am.DefaultAllowedExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	return &Assembler{
		queue:    queue,
		public:   public,
		local:    local,
		notifier: notifier,
		cfg:      cfg,
		allowed:  allowed,
		validate: newValidator(),
		logger:   log.Named("upload"),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*sessionLock),
	}
}

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// upload ids become directory names
	v.RegisterValidation("upload_id", func(fl validator.FieldLevel) bool {
		return uploadIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// SetWaker registers the worker to wake after each enqueue
func (a *Assembler) SetWaker(w Waker) {
	a.waker = w
}

// SubmitFile stores a complete archive and enqueues it.
func (a *Assembler) SubmitFile(ctx context.Context, up FileUpload) (*async.Job, error) {
	if err := a.check(up); err != nil {
		return nil, err
	}
	return a.submit(ctx, up.Name, up.Body, up.ClientIP)
}

// submit writes body into the pending area and creates the job row.
// The pending blob never outlives a failed submission.
func (a *Assembler) submit(ctx context.Context, name string, body io.Reader, clientIP string) (*async.Job, error) {
	name = CleanName(name)
	_, ext, err := SplitExt(name)
	if err != nil {
		return nil, err
	}
	if !a.allowed[ext] {
		return nil, invalid("archive type %s is not accepted", ext)
	}

	storedName, err := StoredName(name)
	if err != nil {
		return nil, err
	}
	key := blob.Join(blob.PendingPrefix, storedName)

	if a.cfg.MaxUploadBytes > 0 {
		body = io.LimitReader(body, a.cfg.MaxUploadBytes+1)
	}
	n, err := a.public.Put(key, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to store upload %s", name)
	}
	if n == 0 {
		a.discard(key)
		return nil, invalid("uploaded file %s is empty", name)
	}
	if a.cfg.MaxUploadBytes > 0 && n > a.cfg.MaxUploadBytes {
		a.discard(key)
		return nil, invalid("uploaded file %s exceeds %d MB", name, a.cfg.MaxUploadBytes/bytesPerMB)
	}

	job := async.NewJob(key, name, clientIP, n, a.cfg.PendingTTL)
	if err := a.queue.Enqueue(ctx, job); err != nil {
		a.discard(key)
		return nil, err
	}

	a.logger.Infow("World uploaded",
		logger.FieldJobID, job.ID,
		logger.FieldBlob, key,
		logger.FieldSizeMB, *job.SizeMB,
		logger.FieldClientIP, clientIP)

	a.notifier.Deliver(notify.Uploaded(job.ID, name, *job.SizeMB))
	if a.waker != nil {
		a.waker.Wake()
	}

	return job, nil
}

func (a *Assembler) discard(key string) {
	if err := a.public.Delete(key); err != nil {
		a.logger.Warnw("Failed to remove rejected upload", logger.FieldBlob, key, logger.FieldError, err)
	}
}

// check runs struct validation and folds failures into ErrInvalidUpload
func (a *Assembler) check(v interface{}) error {
	err := a.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
		}
		return invalid("invalid upload fields: %s", strings.Join(fields, ", "))
	}
	return invalid("invalid upload: %v", err)
}
