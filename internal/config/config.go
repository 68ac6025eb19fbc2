// Package config handles configuration loading and validation for drawhost.
//
// Configuration is read from a TOML file by default. YAML and JSON are
// accepted by extension. DRAWHOST_* environment variables override file
// values. User-facing toggles such as spell check or backups are not
// configuration; they live in the settings store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the host configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	App       AppConfig       `toml:"app" json:"app" yaml:"app"`
	Files     FilesConfig     `toml:"files" json:"files" yaml:"files"`
	Plugins   PluginsConfig   `toml:"plugins" json:"plugins" yaml:"plugins"`
	RateLimit RateLimitConfig `toml:"ratelimit" json:"ratelimit" yaml:"ratelimit"`
	Export    ExportConfig    `toml:"export" json:"export" yaml:"export"`
	IPC       IPCConfig       `toml:"ipc" json:"ipc" yaml:"ipc"`
	Settings  SettingsConfig  `toml:"settings" json:"settings" yaml:"settings"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex
}

// AppConfig identifies the application bundle.
type AppConfig struct {
	// ProtectedDir is the installation directory no file operation may
	// touch.
	ProtectedDir string `toml:"protected_dir" json:"protected_dir" yaml:"protected_dir"`

	// TrustedURL is the URL prefix of the bundled UI. Frames outside it
	// are refused.
	TrustedURL string `toml:"trusted_url" json:"trusted_url" yaml:"trusted_url"`
}

// FilesConfig controls document saving.
type FilesConfig struct {
	MaxFileSize    int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`
	RetryAttempts  int   `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoffMs int   `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

// PluginsConfig controls the plugin store.
type PluginsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" json:"dir" yaml:"dir"`
}

// RateLimitConfig sets the per-frame call budget.
type RateLimitConfig struct {
	MaxCalls  int `toml:"max_calls" json:"max_calls" yaml:"max_calls"`
	WindowSec int `toml:"window_sec" json:"window_sec" yaml:"window_sec"`
}

// ExportConfig configures the off-screen renderer.
type ExportConfig struct {
	RendererCommand string   `toml:"renderer_command" json:"renderer_command" yaml:"renderer_command"`
	RendererArgs    []string `toml:"renderer_args" json:"renderer_args" yaml:"renderer_args"`
	ShortSettleMs   int      `toml:"short_settle_ms" json:"short_settle_ms" yaml:"short_settle_ms"`
	LongSettleMs    int      `toml:"long_settle_ms" json:"long_settle_ms" yaml:"long_settle_ms"`
	AreaThreshold   float64  `toml:"area_threshold" json:"area_threshold" yaml:"area_threshold"`
	Creator         string   `toml:"creator" json:"creator" yaml:"creator"`
}

// IPCConfig configures the bridge transports.
type IPCConfig struct {
	SocketPath     string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
	Codec          string `toml:"codec" json:"codec" yaml:"codec"`
	WebsocketAddr  string `toml:"websocket_addr" json:"websocket_addr" yaml:"websocket_addr"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// SettingsConfig locates the settings database.
type SettingsConfig struct {
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig configures host logging.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with platform defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		App: AppConfig{
			ProtectedDir: AppDir(),
			TrustedURL:   defaultTrustedURL(),
		},
		Files: FilesConfig{
			MaxFileSize:    100 * 1024 * 1024,
			RetryAttempts:  3,
			RetryBackoffMs: 100,
		},
		Plugins: PluginsConfig{
			Enabled: true,
			Dir:     filepath.Join(dataDir, "plugins"),
		},
		RateLimit: RateLimitConfig{
			MaxCalls:  100,
			WindowSec: 60,
		},
		Export: ExportConfig{
			ShortSettleMs: 50,
			LongSettleMs:  1000,
			AreaThreshold: 30_000_000,
			Creator:       "drawhost",
		},
		IPC: IPCConfig{
			SocketPath:     filepath.Join(RuntimeDir(), "drawhost.sock"),
			Codec:          "msgpack",
			MaxConnections: 64,
			TimeoutSec:     60,
		},
		Settings: SettingsConfig{
			Path: filepath.Join(dataDir, "settings.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(StateDir(), "drawhost.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

func defaultTrustedURL() string {
	p := filepath.ToSlash(filepath.Join(AppDir(), "www"))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p + "/"
}

// ConfigPath returns the default configuration file path. An existing
// file in any supported format wins over the TOML default.
func ConfigPath() string {
	if p := FindConfigFile(ConfigDir()); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the file at path, falling back to defaults when it does
// not exist, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		_, err = toml.Decode(string(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var b strings.Builder
		b.WriteString("# drawhost configuration\n\n")
		err = toml.NewEncoder(&b).Encode(cfg)
		data = []byte(b.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies DRAWHOST_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DRAWHOST_PROTECTED_DIR", &c.App.ProtectedDir)
	str("DRAWHOST_TRUSTED_URL", &c.App.TrustedURL)
	if v := os.Getenv("DRAWHOST_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Files.MaxFileSize = n
		}
	}
	if v := os.Getenv("DRAWHOST_PLUGINS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Plugins.Enabled = b
		}
	}
	str("DRAWHOST_PLUGINS_DIR", &c.Plugins.Dir)
	num("DRAWHOST_RATE_LIMIT", &c.RateLimit.MaxCalls)
	num("DRAWHOST_RATE_WINDOW_SEC", &c.RateLimit.WindowSec)
	str("DRAWHOST_RENDERER", &c.Export.RendererCommand)
	str("DRAWHOST_SOCKET", &c.IPC.SocketPath)
	str("DRAWHOST_CODEC", &c.IPC.Codec)
	str("DRAWHOST_WEBSOCKET_ADDR", &c.IPC.WebsocketAddr)
	str("DRAWHOST_SETTINGS_DB", &c.Settings.Path)
	str("DRAWHOST_LOG_LEVEL", &c.Logging.Level)
	str("DRAWHOST_LOG_FORMAT", &c.Logging.Format)
	str("DRAWHOST_LOG_OUTPUT", &c.Logging.Output)
	str("DRAWHOST_LOG_FILE", &c.Logging.FilePath)
}

// Validate checks the configuration for errors. Warnings are not
// reported as errors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if errs := ValidateConfig(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// RetryBackoff returns the save retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Files.RetryBackoffMs) * time.Millisecond
}

// RateWindow returns the rate limit window.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSec) * time.Second
}

// SettleDelays returns the short and long export settle delays.
func (c *Config) SettleDelays() (short, long time.Duration) {
	return time.Duration(c.Export.ShortSettleMs) * time.Millisecond,
		time.Duration(c.Export.LongSettleMs) * time.Millisecond
}

// IPCTimeout returns the idle read timeout of socket peers.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Config{
		Version:   c.Version,
		App:       c.App,
		Files:     c.Files,
		Plugins:   c.Plugins,
		RateLimit: c.RateLimit,
		Export:    c.Export,
		IPC:       c.IPC,
		Settings:  c.Settings,
		Logging:   c.Logging,
	}
	clone.Export.RendererArgs = append([]string(nil), c.Export.RendererArgs...)
	return clone
}
