// Package host assembles the trusted side of the editor bridge.
//
// New wires every service from a config.Config in dependency order:
// settings, validator, limiter, stores, window registry, export pipeline,
// dispatcher and transports. Run starts the transports and hot reload,
// and Close releases everything in reverse.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drawhost/internal/clipboard"
	"drawhost/internal/config"
	"drawhost/internal/desktop"
	"drawhost/internal/export"
	"drawhost/internal/filestore"
	"drawhost/internal/ipc"
	"drawhost/internal/logging"
	"drawhost/internal/plugins"
	"drawhost/internal/security"
	"drawhost/internal/settings"
	"drawhost/internal/watcher"
	"drawhost/internal/window"
)

// Option customizes a Host. Options replace OS-bound collaborators.
type Option func(*options)

type options struct {
	dialogs   desktop.Dialogs
	opener    desktop.Opener
	clipboard clipboard.Accessor
	surfaces  export.SurfaceFactory
	loader    *config.Loader
	crash     *logging.CrashHandler
	interval  time.Duration
}

// WithDialogs replaces the native dialogs.
func WithDialogs(d desktop.Dialogs) Option { return func(o *options) { o.dialogs = d } }

// WithOpener replaces the external URL opener.
func WithOpener(op desktop.Opener) Option { return func(o *options) { o.opener = op } }

// WithClipboard replaces the system clipboard.
func WithClipboard(acc clipboard.Accessor) Option { return func(o *options) { o.clipboard = acc } }

// WithSurfaces replaces the renderer process factory.
func WithSurfaces(f export.SurfaceFactory) Option { return func(o *options) { o.surfaces = f } }

// WithLoader enables hot reload from l.
func WithLoader(l *config.Loader) Option { return func(o *options) { o.loader = l } }

// WithCrashHandler shows fatal errors through the host's dialogs.
func WithCrashHandler(h *logging.CrashHandler) Option { return func(o *options) { o.crash = h } }

// WithWatchInterval sets the file watch coalescing interval.
func WithWatchInterval(d time.Duration) Option { return func(o *options) { o.interval = d } }

// Host owns every service behind the bridge.
type Host struct {
	cfg    *config.Config
	log    *logging.Logger
	logger *slog.Logger
	opts   options

	settings   *settings.Store
	validator  *security.Validator
	limiter    *security.RateLimiter
	files      *filestore.Store
	plugins    *plugins.Store
	windows    *window.Registry
	desktop    *desktop.Desktop
	watcher    *watcher.Watcher
	pipeline   *export.Pipeline
	hub        *ipc.Hub
	dispatcher *ipc.Dispatcher
	server     *ipc.Server
	ws         *ipc.WSServer

	exitOnce sync.Once
	exit     chan struct{}

	mu      sync.Mutex
	running bool
	closed  bool
}

// New builds a Host from cfg. Nothing listens until Run.
func New(cfg *config.Config, log *logging.Logger, opts ...Option) (h *Host, err error) {
	if cfg == nil {
		return nil, errors.New("host: nil config")
	}
	if log == nil {
		if log, err = logging.New(nil); err != nil {
			return nil, err
		}
	}
	h = &Host{
		cfg:    cfg,
		log:    log,
		logger: log.WithComponent("host"),
		exit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&h.opts)
	}
	defer func() {
		if err != nil {
			h.teardown()
		}
	}()

	if err := config.EnsureDirectories(cfg); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	if h.settings, err = settings.Open(cfg.Settings.Path); err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	h.validator = security.NewValidator(cfg.App.ProtectedDir, cfg.Files.MaxFileSize, log.WithComponent("security"))
	h.limiter = security.NewRateLimiter(cfg.RateLimit.MaxCalls, cfg.RateWindow())

	h.files = filestore.New(h.validator, filestore.Options{
		MaxFileSize:   cfg.Files.MaxFileSize,
		RetryAttempts: cfg.Files.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
		BackupsEnabled: func() bool {
			return h.settings.Bool(settings.KeyStoreBackup, true)
		},
	}, log.WithComponent("filestore"))
	h.plugins = plugins.New(cfg.Plugins.Dir, cfg.Plugins.Enabled, h.validator, log.WithComponent("plugins"))
	clip := clipboard.NewBridge(h.opts.clipboard, h.validator, log.Logger)

	h.windows = window.NewRegistry(h.settings, log.WithComponent("window"))
	h.desktop = desktop.New(h.opts.dialogs, h.opts.opener, log.Logger)
	if h.opts.crash != nil {
		h.opts.crash.SetOnCrash(func(r logging.CrashReport) {
			h.desktop.ShowError("drawhost stopped unexpectedly", r.PanicValue)
		})
	}

	interval := h.opts.interval
	if interval <= 0 {
		interval = watcher.DefaultInterval
	}
	if h.watcher, err = watcher.New(interval, log.WithComponent("watcher")); err != nil {
		return nil, fmt.Errorf("start file watcher: %w", err)
	}

	surfaces := h.opts.surfaces
	if surfaces == nil {
		surfaces = export.ProcessFactory(cfg.Export.RendererCommand, cfg.Export.RendererArgs, log.WithComponent("renderer"))
	}
	short, long := cfg.SettleDelays()
	h.pipeline = export.NewPipeline(surfaces, export.Options{
		ShortSettle:   short,
		LongSettle:    long,
		AreaThreshold: cfg.Export.AreaThreshold,
		Creator:       cfg.Export.Creator,
		NewID:         func() string { return h.validator.GenerateSecureID(0) },
	}, log.WithComponent("export"))

	h.hub = ipc.NewHub()
	shell := ipc.NewPeerShell(h.hub, h.requestExit, log.Logger)
	h.dispatcher, err = ipc.NewDispatcher(ipc.Deps{
		TrustedURL: cfg.App.TrustedURL,
		Validator:  h.validator,
		Limiter:    h.limiter,
		Files:      h.files,
		Plugins:    h.plugins,
		Clipboard:  clip,
		Windows:    h.windows,
		Desktop:    h.desktop,
		Watcher:    h.watcher,
		Exporter:   h.pipeline,
		Settings:   h.settings,
		Shell:      shell,
	}, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	srvCfg := ipc.DefaultServerConfig("")
	srvCfg.SocketPath = cfg.IPC.SocketPath
	srvCfg.MaxConnections = cfg.IPC.MaxConnections
	srvCfg.ReadTimeout = cfg.IPCTimeout()
	h.server = ipc.NewServer(srvCfg, h.dispatcher, h.hub, log.Logger)
	if cfg.IPC.WebsocketAddr != "" {
		h.ws = ipc.NewWSServer(cfg.IPC.WebsocketAddr, h.dispatcher, h.hub, log.Logger)
	}
	return h, nil
}

// Settings returns the settings store.
func (h *Host) Settings() *settings.Store { return h.settings }

// Hub returns the connected peers.
func (h *Host) Hub() *ipc.Hub { return h.hub }

// WebsocketAddr returns the bound websocket address, or "" when the
// websocket transport is disabled.
func (h *Host) WebsocketAddr() string {
	if h.ws == nil {
		return ""
	}
	return h.ws.Addr()
}

// ClientConfig returns a client configuration for the host socket using
// the configured codec.
func (h *Host) ClientConfig() (ipc.ClientConfig, error) {
	codec, err := ipc.CodecByName(h.cfg.IPC.Codec)
	if err != nil {
		return ipc.ClientConfig{}, err
	}
	c := ipc.DefaultClientConfig("")
	c.SocketPath = h.cfg.IPC.SocketPath
	c.FrameURL = h.cfg.App.TrustedURL
	c.Codec = codec
	return c, nil
}

// Exited is closed once a peer asks the host to quit.
func (h *Host) Exited() <-chan struct{} { return h.exit }

func (h *Host) requestExit() {
	h.exitOnce.Do(func() { close(h.exit) })
}

// Run starts the transports and blocks until ctx is done or a peer
// requests exit.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down", "reason", ctx.Err())
	case <-h.exit:
		h.logger.Info("shutting down", "reason", "exit requested")
	}
	return nil
}

// Start hardens the process and starts listening without blocking.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("host: closed")
	}
	if h.running {
		return errors.New("host: already running")
	}

	security.Harden(h.logger)

	if err := h.server.Start(); err != nil {
		return fmt.Errorf("start socket server: %w", err)
	}
	if h.ws != nil {
		if err := h.ws.Start(); err != nil {
			h.server.Stop()
			return fmt.Errorf("start websocket server: %w", err)
		}
	}
	if l := h.opts.loader; l != nil {
		l.OnChange(h.apply)
		if err := l.Watch(); err != nil {
			h.logger.Warn("config hot reload unavailable", "error", err)
		} else {
			go h.reportReloadErrors(l)
		}
	}
	h.running = true
	h.logger.Info("host started", "socket", h.cfg.IPC.SocketPath, "websocket", h.WebsocketAddr())
	return nil
}

func (h *Host) reportReloadErrors(l *config.Loader) {
	for {
		select {
		case err := <-l.Errors():
			h.logger.Warn("config reload rejected", "error", err)
		case <-h.exit:
			return
		}
	}
}

// apply takes over the settings that can change while peers are
// connected. Transport and storage settings need a restart.
func (h *Host) apply(old, cur *config.Config) {
	if level, err := logging.ParseLevel(cur.Logging.Level); err == nil {
		h.log.SetLevel(level)
	}
	h.limiter.SetPolicy(cur.RateLimit.MaxCalls, cur.RateWindow())
	h.plugins.SetEnabled(cur.Plugins.Enabled)

	if old != nil && (old.IPC != cur.IPC || old.Settings != cur.Settings || old.App != cur.App) {
		h.logger.Warn("restart required for changed transport, storage or trust settings")
	}
	h.logger.Info("configuration reloaded",
		"log_level", cur.Logging.Level,
		"max_calls", cur.RateLimit.MaxCalls,
		"plugins", cur.Plugins.Enabled)
}

// Close stops the transports and releases every service in reverse
// construction order.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.running = false
	h.mu.Unlock()

	h.requestExit()
	var err error
	if h.opts.loader != nil {
		err = h.opts.loader.Close()
	}
	return errors.Join(err, h.teardown())
}

func (h *Host) teardown() error {
	var errs []error
	if h.ws != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, h.ws.Stop(ctx))
		cancel()
	}
	if h.server != nil {
		errs = append(errs, h.server.Stop())
	}
	if h.watcher != nil {
		errs = append(errs, h.watcher.Close())
	}
	if h.settings != nil {
		errs = append(errs, h.settings.Close())
	}
	return errors.Join(errs...)
}
