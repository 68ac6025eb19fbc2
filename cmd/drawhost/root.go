package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"drawhost/internal/config"
	"drawhost/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "drawhost",
		Short: "Privileged host for the diagram editor",
		Long: `drawhost owns the filesystem, clipboard, dialogs, window state, plugins
and export renderer on behalf of the editor UI. The UI connects over a
local socket or a loopback websocket and may only call the actions the
host publishes.

Configuration is read from config.toml (or .yaml/.json) in the platform
config directory. DRAWHOST_* environment variables override file values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is the platform config directory)")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts), newConfigCmd(opts), newVersionCmd())
	return root
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ConfigPath()
}

// newLogger builds the process logger from the logging section.
func newLogger(c config.LoggingConfig, override string) (*logging.Logger, error) {
	levelName := c.Level
	if override != "" {
		levelName = override
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSizeMB,
		MaxAge:     c.MaxAgeDays,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
		Component:  "drawhost",
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drawhost %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
