package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/archive"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/pulse/schedule"
	"github.com/teranos/mundo/server"
	"github.com/teranos/mundo/transform"
	"github.com/teranos/mundo/upload"
	"github.com/teranos/mundo/world"
)

// app is every long-lived component, wired once per process.
// All of them share the worker's queue so queue subscribers see every change.
type app struct {
	cfg      *am.Config
	db       *sql.DB
	public   *blob.Store
	local    *blob.Store
	queue    *async.Queue
	worker   *async.Worker
	pipeline *world.Pipeline

	assembler *upload.Assembler
	sweeper   *schedule.Sweeper
	registry  *schedule.TaskRegistry
	ticker    *schedule.Ticker

	webhook  *notify.Webhook
	hub      *server.Hub
	notifier notify.Fanout
}

// appOptions overrides parts of the wiring
type appOptions struct {
	// Transformer replaces the configured transform command
	Transformer transform.Transformer
	// RequireTransform fails wiring when no transform is available.
	// Commands that never execute jobs leave it unset.
	RequireTransform bool
}

// newApp wires the components from cfg. The returned app owns nothing it
// did not create; the caller still closes database.
func newApp(ctx context.Context, cfg *am.Config, database *sql.DB, opts appOptions, log *zap.SugaredLogger) (*app, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	public, err := blob.NewDiskStore(cfg.Storage.PublicDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open public storage")
	}
	local, err := blob.NewDiskStore(cfg.Storage.LocalDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open local storage")
	}

	t := opts.Transformer
	if t == nil && cfg.Transform.Command != "" {
		t, err = transform.NewCommandTransformer(cfg.Transform.Command, cfg.Transform.Dir, cfg.Transform.Env, log)
		if err != nil {
			return nil, err
		}
	}
	if t == nil && opts.RequireTransform {
		return nil, errors.WithHint(
			errors.New("no transform command configured"),
			"set transform.command in mundo.toml or MUNDO_TRANSFORM_COMMAND")
	}

	a := &app{cfg: cfg, db: database, public: public, local: local}

	a.webhook = notify.NewWebhook(notify.WebhookConfig{
		URL:           cfg.Notify.WebhookURL,
		AppName:       cfg.Notify.AppName,
		Username:      cfg.Notify.Username,
		RatePerMinute: cfg.Notify.RatePerMinute,
		MaxRetries:    cfg.Notify.MaxRetries,
		Timeout:       cfg.Notify.Timeout(),
		QueueSize:     cfg.Notify.QueueSize,
		AllowPrivate:  cfg.Notify.AllowPrivate,
	}, log)
	a.hub = server.NewHub(log)
	a.notifier = notify.Fanout{notify.Logging{Logger: log.Named("events")}, a.webhook, a.hub}

	limits := archive.Limits{
		MaxFiles:    cfg.Upload.ExtractMaxFiles,
		MaxFileSize: int64(cfg.Upload.ExtractMaxFileSizeMB) << 20,
	}
	a.pipeline = world.NewPipeline(public, local, t, limits, log)

	a.worker = async.NewWorker(ctx, database, a.pipeline, public, a.notifier, async.WorkerConfigFrom(cfg), log)
	a.queue = a.worker.Queue()

	a.assembler = upload.NewAssembler(a.queue, public, local, a.notifier, upload.ConfigFrom(cfg), log)
	a.assembler.SetWaker(a.worker)

	a.sweeper = schedule.NewSweeper(a.queue, public, a.pipeline, a.assembler, a.notifier, schedule.SweepConfigFrom(cfg), log)
	a.registry = schedule.NewTaskRegistry()
	if err := a.registry.Register(a.sweeper.Task()); err != nil {
		return nil, err
	}
	a.ticker = schedule.NewTickerWithContext(ctx, a.registry, a.queue, a.worker, schedule.DefaultTickerConfig(), log)

	return a, nil
}

// newServer builds the HTTP server over the app's components
func (a *app) newServer(log *zap.SugaredLogger, watchConfig bool) (*server.MundoServer, error) {
	return server.NewMundoServer(server.Options{
		Queue:       a.queue,
		Assembler:   a.assembler,
		Public:      a.public,
		Hub:         a.hub,
		Worker:      a.worker,
		Ticker:      a.ticker,
		Webhook:     a.webhook,
		Config:      a.cfg,
		Logger:      log,
		WatchConfig: watchConfig,
	})
}
