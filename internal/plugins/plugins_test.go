package plugins

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawhost/internal/hosterr"
	"drawhost/internal/security"
)

type fixture struct {
	store   *Store
	src     string
	install string
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		src:     filepath.Join(root, "downloads"),
		install: filepath.Join(root, "app"),
		logs:    &bytes.Buffer{},
	}
	require.NoError(t, os.MkdirAll(f.src, 0755))
	require.NoError(t, os.MkdirAll(f.install, 0755))

	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	v := security.NewValidator(f.install, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.store = New(filepath.Join(root, "plugins"), enabled, v, logger)
	return f
}

func (f *fixture) source(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(f.src, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestInstall(t *testing.T) {
	f := newFixture(t, true)
	src := f.source(t, "shapes.js", "Draw.loadPlugin(function(ui) {});")

	got, err := f.store.Install(src)
	require.NoError(t, err)
	assert.Equal(t, &Installed{Name: "shapes.js", SourceDir: f.src}, got)

	data, err := os.ReadFile(filepath.Join(f.store.Dir(), "shapes.js"))
	require.NoError(t, err)
	assert.Equal(t, "Draw.loadPlugin(function(ui) {});", string(data))

	_, err = f.store.Install(src)
	assert.Equal(t, hosterr.PluginExists, hosterr.KindOf(err))
}

func TestInstallSanitizesName(t *testing.T) {
	f := newFixture(t, true)
	src := f.source(t, "my  plugin|v2.js", "// ok")

	got, err := f.store.Install(src)
	require.NoError(t, err)
	assert.Equal(t, "my pluginv2.js", got.Name)

	p, ok := f.store.File("my pluginv2.js")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(f.store.Dir(), "my pluginv2.js"), p)
}

func TestInstallRejectsTraversal(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.store.Install("/tmp/evil/../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, hosterr.PathTraversal, hosterr.KindOf(err))

	names, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstallRejections(t *testing.T) {
	f := newFixture(t, true)
	inside := filepath.Join(f.install, "bundled.js")
	require.NoError(t, os.WriteFile(inside, []byte("//"), 0644))

	tests := []struct {
		name   string
		source string
		kind   hosterr.Kind
	}{
		{"protected dir", inside, hosterr.SecurityViolation},
		{"relative", "plugin.js", hosterr.SecurityViolation},
		{"missing", filepath.Join(f.src, "missing.js"), hosterr.PluginInstallFailed},
		{"not a script", f.source(t, "passwd", "root:x:0:0"), hosterr.PluginInstallFailed},
		{"directory", f.src, hosterr.PluginInstallFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Install(tt.source)
			require.Error(t, err)
			assert.Equal(t, tt.kind, hosterr.KindOf(err))
		})
	}
}

func TestDisabled(t *testing.T) {
	f := newFixture(t, false)
	src := f.source(t, "a.js", "//")

	_, err := f.store.Install(src)
	assert.Equal(t, hosterr.SecurityViolation, hosterr.KindOf(err))

	names, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	f.store.SetEnabled(true)
	_, err = f.store.Install(src)
	require.NoError(t, err)

	f.store.SetEnabled(false)
	_, ok := f.store.File("a.js")
	assert.False(t, ok)
	assert.NoError(t, f.store.Uninstall("a.js"))
	_, err = os.Stat(filepath.Join(f.store.Dir(), "a.js"))
	assert.NoError(t, err, "disabled uninstall leaves the file")
}

func TestUninstall(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.store.Install(f.source(t, "a.js", "//"))
	require.NoError(t, err)

	require.NoError(t, f.store.Uninstall("a.js"))
	_, ok := f.store.File("a.js")
	assert.False(t, ok)

	assert.NoError(t, f.store.Uninstall("a.js"), "absent plugin is a no-op")
}

func TestFileConfined(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.store.Install(f.source(t, "a.js", "//"))
	require.NoError(t, err)

	for _, name := range []string{"", "../a.js", "..", "sub/a.js", "missing.js"} {
		_, ok := f.store.File(name)
		assert.False(t, ok, "name %q", name)
	}
}

func TestDottedNamesStayInstallable(t *testing.T) {
	f := newFixture(t, true)
	got, err := f.store.Install(f.source(t, "my..plugin.js", "//"))
	require.NoError(t, err)
	assert.Equal(t, "my..plugin.js", got.Name)

	p, ok := f.store.File("my..plugin.js")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.store.Dir(), "my..plugin.js"), p)

	require.NoError(t, f.store.Uninstall("my..plugin.js"))
	assert.NoFileExists(t, p)
}

func TestList(t *testing.T) {
	f := newFixture(t, true)
	for _, n := range []string{"b.js", "a.js"} {
		_, err := f.store.Install(f.source(t, n, "//"))
		require.NoError(t, err)
	}
	require.NoError(t, os.Mkdir(filepath.Join(f.store.Dir(), "cache"), 0755))

	names, err := f.store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "b.js"}, names)
}

func TestSuspiciousCodeIsLoggedNotBlocked(t *testing.T) {
	f := newFixture(t, true)
	src := f.source(t, "sneaky.js", "require('child_process').exec(process.env.X)")

	_, err := f.store.Install(src)
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "plugin contains suspicious code")
}
