package host

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawhost/internal/clipboard"
	"drawhost/internal/config"
	"drawhost/internal/desktop"
	"drawhost/internal/export"
	"drawhost/internal/filestore"
	"drawhost/internal/ipc"
	"drawhost/internal/logging"
	"drawhost/internal/settings"
)

type memClipboard struct {
	mu   sync.Mutex
	text string
}

func (m *memClipboard) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

func (m *memClipboard) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

func (m *memClipboard) WriteImage([]byte) error { return nil }

type recordingDialogs struct {
	mu     sync.Mutex
	errors []string
}

func (d *recordingDialogs) Open(context.Context, desktop.OpenOptions) ([]string, error) {
	return nil, nil
}

func (d *recordingDialogs) Save(context.Context, desktop.SaveOptions) (string, error) {
	return "", nil
}

func (d *recordingDialogs) Error(_, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, message)
}

type nopOpener struct{}

func (nopOpener) Open(context.Context, string) error { return nil }

func noRenderer(context.Context) (export.Surface, error) {
	return nil, errors.New("no renderer in tests")
}

const trustedURL = "file:///opt/drawhost/app/"

// testConfig points every path at a fresh directory. Socket paths are
// kept short for the unix socket length limit.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets only")
	}
	data := t.TempDir()
	run, err := os.MkdirTemp("", "dh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(run) })

	t.Setenv("DRAWHOST_DATA_DIR", data)
	t.Setenv("DRAWHOST_SOCKET", filepath.Join(run, "h.sock"))
	t.Setenv("DRAWHOST_PROTECTED_DIR", t.TempDir())
	t.Setenv("DRAWHOST_TRUSTED_URL", trustedURL)

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(&logging.Config{Level: logging.LevelInfo, Writer: io.Discard})
	require.NoError(t, err)
	return l
}

func newTestHost(t *testing.T, cfg *config.Config, opts ...Option) *Host {
	t.Helper()
	log := testLogger(t)
	opts = append([]Option{
		WithClipboard(&memClipboard{}),
		WithDialogs(&recordingDialogs{}),
		WithOpener(nopOpener{}),
		WithSurfaces(noRenderer),
		WithWatchInterval(20 * time.Millisecond),
	}, opts...)
	h, err := New(cfg, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func dialHost(t *testing.T, h *Host) *ipc.Client {
	t.Helper()
	ccfg, err := h.ClientConfig()
	require.NoError(t, err)
	ccfg.WindowID = "main"
	ccfg.ConnectTimeout = time.Second
	c, err := ipc.Dial(context.Background(), ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHostServesBridge(t *testing.T) {
	cfg := testConfig(t)
	h := newTestHost(t, cfg)
	require.NoError(t, h.Start())
	assert.Error(t, h.Start())

	c := dialHost(t, h)
	ctx := context.Background()

	resp, err := c.Call(ctx, ipc.ActionIsPluginsEnabled, nil)
	require.NoError(t, err)
	var enabled bool
	require.NoError(t, resp.Decode(&enabled))
	assert.True(t, enabled)

	resp, err = c.Call(ctx, ipc.ActionClipboard, map[string]string{"method": clipboard.MethodWriteText, "data": "hello"})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	resp, err = c.Call(ctx, ipc.ActionClipboard, map[string]string{"method": clipboard.MethodReadText})
	require.NoError(t, err)
	var text string
	require.NoError(t, resp.Decode(&text))
	assert.Equal(t, "hello", text)

	doc := filepath.Join(t.TempDir(), "a.drawio")
	resp, err = c.Call(ctx, ipc.ActionSaveFile, map[string]any{
		"fileObject": map[string]string{"path": doc},
		"data":       "<mxfile/>",
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.FileExists(t, doc)

	assert.Equal(t, 1, h.Hub().Len())
}

func TestHostBackupsFollowSetting(t *testing.T) {
	cfg := testConfig(t)
	h := newTestHost(t, cfg)
	require.NoError(t, h.Start())
	c := dialHost(t, h)
	ctx := context.Background()

	doc := filepath.Join(t.TempDir(), "b.drawio")
	save := func(body string) {
		resp, err := c.Call(ctx, ipc.ActionSaveFile, map[string]any{
			"fileObject": map[string]string{"path": doc},
			"data":       body,
			"overwrite":  true,
		})
		require.NoError(t, err)
		require.NoError(t, resp.Err())
	}
	backup := filestore.BackupPath(doc, false)

	save("<mxfile>1</mxfile>")
	save("<mxfile>2</mxfile>")
	assert.FileExists(t, backup)

	require.NoError(t, os.Remove(backup))
	require.NoError(t, h.Settings().SetBool(settings.KeyStoreBackup, false))
	save("<mxfile>3</mxfile>")
	assert.NoFileExists(t, backup)
}

func TestHostExitRequest(t *testing.T) {
	cfg := testConfig(t)
	h := newTestHost(t, cfg)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	var c *ipc.Client
	require.Eventually(t, func() bool {
		ccfg, _ := h.ClientConfig()
		ccfg.WindowID = "main"
		var err error
		c, err = ipc.Dial(context.Background(), ccfg)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer c.Close()

	_, err := c.Call(context.Background(), ipc.ActionExit, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after exit")
	}
	select {
	case <-h.Exited():
	default:
		t.Fatal("exit channel not closed")
	}
}

func TestHostRunStopsOnContext(t *testing.T) {
	cfg := testConfig(t)
	h := newTestHost(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.IPC.SocketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, h.Start())
}

func TestHostWebsocketTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.WebsocketAddr = "127.0.0.1:0"
	h := newTestHost(t, cfg)
	assert.Equal(t, "127.0.0.1:0", h.WebsocketAddr())

	require.NoError(t, h.Start())
	assert.NotEqual(t, "127.0.0.1:0", h.WebsocketAddr())
}

func TestHostHotReload(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[plugins]\nenabled = true\n"), 0600))

	loader := config.NewLoader(path)
	loaded, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, cfg.IPC.SocketPath, loaded.IPC.SocketPath)

	log := testLogger(t)
	h, err := New(loaded, log,
		WithClipboard(&memClipboard{}),
		WithDialogs(&recordingDialogs{}),
		WithOpener(nopOpener{}),
		WithSurfaces(noRenderer),
		WithLoader(loader))
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Start())
	c := dialHost(t, h)

	require.NoError(t, os.WriteFile(path, []byte("[plugins]\nenabled = false\n\n[logging]\nlevel = \"debug\"\n"), 0600))

	require.Eventually(t, func() bool {
		resp, err := c.Call(context.Background(), ipc.ActionIsPluginsEnabled, nil)
		if err != nil {
			return false
		}
		var enabled bool
		return resp.Decode(&enabled) == nil && !enabled
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, logging.LevelDebug, log.Level())
}

func TestCrashHandlerShowsDialog(t *testing.T) {
	cfg := testConfig(t)
	dialogs := &recordingDialogs{}
	exited := make(chan int, 1)
	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Dir:  t.TempDir(),
		Exit: func(code int) { exited <- code },
	})
	newTestHost(t, cfg, WithDialogs(dialogs), WithCrashHandler(crash))

	crash.HandlePanic("renderer exploded", nil)
	assert.Equal(t, 1, <-exited)
	dialogs.mu.Lock()
	defer dialogs.mu.Unlock()
	assert.Equal(t, []string{"renderer exploded"}, dialogs.errors)
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
