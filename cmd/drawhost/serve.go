package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"drawhost/internal/config"
	"drawhost/internal/host"
	"drawhost/internal/logging"
)

type serveOptions struct {
	*rootOptions
	websocket string
	noReload  bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host until interrupted or the editor exits",
		Long: `Start the host and listen for the editor on the configured socket.

The process stops on SIGINT or SIGTERM, or when the editor asks it to
quit. Log level, rate limit and plugin settings are reloaded when the
config file changes unless --no-reload is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.websocket, "websocket", "", "also listen for the editor on this loopback address")
	cmd.Flags().BoolVar(&opts.noReload, "no-reload", false, "do not watch the config file for changes")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	loader := config.NewLoader(opts.path())
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.websocket != "" {
		cfg.IPC.WebsocketAddr = opts.websocket
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := newLogger(cfg.Logging, opts.logLevel)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	for _, w := range config.ValidateConfig(cfg).Warnings() {
		log.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Version:   Version,
		Component: "drawhost",
		Logger:    log.Logger,
	})
	defer crash.Recover(map[string]string{"command": "serve"})

	hostOpts := []host.Option{host.WithCrashHandler(crash)}
	if !opts.noReload {
		hostOpts = append(hostOpts, host.WithLoader(loader))
	} else {
		defer loader.Close()
	}
	h, err := host.New(cfg, log, hostOpts...)
	if err != nil {
		return err
	}
	defer h.Close()

	log.Info("drawhost starting", "version", Version, "config", loader.Path())
	return h.Run(ctx)
}
