package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/teranos/mundo/am"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/pulse/schedule"
	"github.com/teranos/mundo/upload"
)

// Options wires a server. Queue, Assembler and Public are required.
type Options struct {
	Queue     *async.Queue
	Assembler *upload.Assembler
	Public    *blob.Store

	Hub     *Hub              // created when nil
	Worker  *async.Worker     // optional
	Ticker  *schedule.Ticker  // optional
	Webhook *notify.Webhook   // optional
	Config  *appcfg.Config    // defaults when nil
	Logger  *zap.SugaredLogger

	// ConfigPath enables hot reload of notifier and origin settings.
	// Empty uses the file viper loaded, if any.
	ConfigPath string
	// WatchConfig starts the config watcher
	WatchConfig bool
}

// NewMundoServer creates a server from opts
func NewMundoServer(opts Options) (*MundoServer, error) {
	if opts.Queue == nil || opts.Assembler == nil || opts.Public == nil {
		return nil, errors.New("server requires a queue, an assembler and a public blob store")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("server")

	cfg := opts.Config
	if cfg == nil {
		cfg = appcfg.DefaultConfig()
	}

	hub := opts.Hub
	if hub == nil {
		hub = NewHub(log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &MundoServer{
		queue:     opts.Queue,
		assembler: opts.Assembler,
		public:    opts.Public,
		hub:       hub,
		worker:    opts.Worker,
		ticker:    opts.Ticker,
		webhook:   opts.Webhook,
		maxUpload: int64(cfg.Upload.MaxUploadMB) << 20,
		maxChunk:  int64(cfg.Upload.MaxChunkMB) << 20,
		logger:    log,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.SetAllowedOrigins(cfg.GetServerAllowedOrigins())
	s.handler = s.setupHTTPRoutes()

	if opts.WatchConfig {
		setupConfigWatcher(s, opts.ConfigPath, log)
	}

	s.setState(ServerStateRunning)
	return s, nil
}

// setupConfigWatcher reloads notifier and origin settings when the config file changes
func setupConfigWatcher(server *MundoServer, configPath string, serverLogger *zap.SugaredLogger) {
	if configPath == "" {
		configPath = appcfg.GetViper().ConfigFileUsed()
	}
	if configPath == "" {
		serverLogger.Infow("No config file found, using defaults (config watching disabled)")
		return
	}

	configWatcher, err := appcfg.NewConfigWatcher(configPath)
	if err != nil {
		serverLogger.Warnw("Failed to create config watcher, manual restart required for config changes", "error", err)
		return
	}

	server.configWatcher = configWatcher
	appcfg.SetGlobalWatcher(configWatcher)

	configWatcher.OnReload(func(newCfg *appcfg.Config) error {
		serverLogger.Infow("Config reloaded, updating notifier and origins",
			"webhook_enabled", newCfg.Notify.WebhookURL != "",
			"allowed_origins", len(newCfg.GetServerAllowedOrigins()),
		)

		if server.webhook != nil {
			server.webhook.SetURL(newCfg.Notify.WebhookURL)
		}
		server.SetAllowedOrigins(newCfg.GetServerAllowedOrigins())
		return nil
	})

	configWatcher.Start()
	serverLogger.Infow("Config watcher started", "path", configPath)
}
