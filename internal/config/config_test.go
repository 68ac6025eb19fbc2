package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DRAWHOST_DATA_DIR", dir)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, filepath.Join(dir, "plugins"), cfg.Plugins.Dir)
	assert.Equal(t, filepath.Join(dir, "settings.db"), cfg.Settings.Path)
	assert.Equal(t, "msgpack", cfg.IPC.Codec)
	assert.Equal(t, 100, cfg.RateLimit.MaxCalls)
	assert.Equal(t, time.Minute, cfg.RateWindow())
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff())

	short, long := cfg.SettleDelays()
	assert.Equal(t, 50*time.Millisecond, short)
	assert.Equal(t, time.Second, long)

	warnings := ValidateConfig(cfg).Warnings()
	require.NotEmpty(t, warnings)
	assert.Equal(t, "export.renderer_command", warnings[len(warnings)-1].Field)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Files, cfg.Files)
}

func TestLoadFormats(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	files := map[string]string{
		"config.toml": `
[ratelimit]
max_calls = 7

[logging]
level = "debug"
`,
		"config.yaml": `
ratelimit:
  max_calls: 7
logging:
  level: debug
`,
		"config.json": `{"ratelimit":{"max_calls":7},"logging":{"level":"debug"}}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 7, cfg.RateLimit.MaxCalls)
			assert.Equal(t, 60, cfg.RateLimit.WindowSec)
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "text", cfg.Logging.Format)
		})
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ratelimit\nmax_calls ="), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	t.Setenv("DRAWHOST_TRUSTED_URL", "http://127.0.0.1:8080/app/")
	t.Setenv("DRAWHOST_RATE_LIMIT", "12")
	t.Setenv("DRAWHOST_PLUGINS_ENABLED", "false")
	t.Setenv("DRAWHOST_MAX_FILE_SIZE", "1024")
	t.Setenv("DRAWHOST_CODEC", "json")
	t.Setenv("DRAWHOST_LOG_LEVEL", "warn")
	t.Setenv("DRAWHOST_RATE_WINDOW_SEC", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/app/", cfg.App.TrustedURL)
	assert.Equal(t, 12, cfg.RateLimit.MaxCalls)
	assert.Equal(t, 60, cfg.RateLimit.WindowSec)
	assert.False(t, cfg.Plugins.Enabled)
	assert.Equal(t, int64(1024), cfg.Files.MaxFileSize)
	assert.Equal(t, "json", cfg.IPC.Codec)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateErrors(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"version", func(c *Config) { c.Version = Version + 1 }},
		{"app.trusted_url", func(c *Config) { c.App.TrustedURL = "" }},
		{"app.trusted_url", func(c *Config) { c.App.TrustedURL = "https://example.com/" }},
		{"files.max_file_size", func(c *Config) { c.Files.MaxFileSize = 0 }},
		{"files.retry_attempts", func(c *Config) { c.Files.RetryAttempts = 0 }},
		{"plugins.dir", func(c *Config) { c.Plugins.Dir = "" }},
		{"ratelimit.window_sec", func(c *Config) { c.RateLimit.WindowSec = 0 }},
		{"ipc.codec", func(c *Config) { c.IPC.Codec = "xml" }},
		{"ipc.websocket_addr", func(c *Config) { c.IPC.WebsocketAddr = "0.0.0.0:9000" }},
		{"logging.level", func(c *Config) { c.Logging.Level = "loud" }},
		{"logging.output", func(c *Config) { c.Logging.Output = "syslog" }},
		{"logging.file_path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }},
		{"settings.path", func(c *Config) { c.Settings.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestValidateAcceptsLoopbackWebsocket(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()
	cfg.IPC.WebsocketAddr = "127.0.0.1:0"
	cfg.App.TrustedURL = "http://localhost:3000/"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	for _, name := range []string{"config.toml", "config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Export.RendererCommand = "/usr/bin/drawhost-render"
			cfg.Export.RendererArgs = []string{"--headless"}
			cfg.RateLimit.MaxCalls = 42

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(cfg, path))
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.App, loaded.App)
			assert.Equal(t, cfg.Files, loaded.Files)
			assert.Equal(t, cfg.Export, loaded.Export)
			assert.Equal(t, cfg.RateLimit, loaded.RateLimit)
			assert.Equal(t, cfg.IPC, loaded.IPC)
			assert.Equal(t, cfg.Logging, loaded.Logging)
		})
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Export.RendererArgs = []string{"a"}
	clone := cfg.Clone()
	clone.Export.RendererArgs[0] = "b"
	clone.RateLimit.MaxCalls = 1
	assert.Equal(t, "a", cfg.Export.RendererArgs[0])
	assert.Equal(t, 100, cfg.RateLimit.MaxCalls)
}

func TestLoadOrCreate(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.RateLimit, again.RateLimit)
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, FindConfigFile(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{}"), 0600))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), FindConfigFile(dir))
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Settings.Path = filepath.Join(dir, "data", "settings.db")
	cfg.IPC.SocketPath = filepath.Join(dir, "run", "drawhost.sock")
	cfg.Plugins.Dir = filepath.Join(dir, "plugins")

	require.NoError(t, EnsureDirectories(cfg))
	assert.DirExists(t, filepath.Join(dir, "data"))
	assert.DirExists(t, filepath.Join(dir, "run"))
	assert.DirExists(t, filepath.Join(dir, "plugins"))
}

func TestLoaderWatchReloads(t *testing.T) {
	t.Setenv("DRAWHOST_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ratelimit]\nmax_calls = 5\n"), 0600))

	l := NewLoader(path)
	defer l.Close()
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RateLimit.MaxCalls)

	changed := make(chan [2]int, 4)
	l.OnChange(func(old, cur *Config) {
		changed <- [2]int{old.RateLimit.MaxCalls, cur.RateLimit.MaxCalls}
	})
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[ratelimit]\nmax_calls = 9\n"), 0600))
	select {
	case c := <-changed:
		assert.Equal(t, [2]int{5, 9}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
	assert.Equal(t, 9, l.Config().RateLimit.MaxCalls)

	require.NoError(t, os.WriteFile(path, []byte("[ipc]\ncodec = \"xml\"\n"), 0600))
	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("reload error not reported")
	}
	assert.Equal(t, 9, l.Config().RateLimit.MaxCalls)
}
