package filestore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawhost/internal/hosterr"
	"drawhost/internal/security"
)

const diagram = "<mxfile><diagram id=\"a\">x</diagram></mxfile>"

type fixture struct {
	store   *Store
	docs    string
	install string
	sleeps  []time.Duration
	backups bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		docs:    filepath.Join(root, "docs"),
		install: filepath.Join(root, "app"),
		backups: true,
	}
	require.NoError(t, os.MkdirAll(f.docs, 0755))
	require.NoError(t, os.MkdirAll(f.install, 0755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := security.NewValidator(f.install, 1024, logger)
	f.store = New(v, Options{BackupsEnabled: func() bool { return f.backups }}, logger)
	f.store.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.docs, name)
}

func TestSaveNewFileThenRead(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	st, err := f.store.Save(Handle{Path: p}, []byte(diagram), nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(diagram)), st.Size)
	assert.False(t, st.IsDir)

	data, err := f.store.Read(p)
	require.NoError(t, err)
	assert.Equal(t, diagram, string(data))

	_, err = os.Stat(BackupPath(p, false))
	assert.True(t, os.IsNotExist(err), "new files get no backup")
}

func TestSaveConflict(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")
	require.NoError(t, os.WriteFile(p, []byte("<mxfile>old</mxfile>"), 0644))

	st, err := f.store.Stat(p)
	require.NoError(t, err)
	stale := *st
	stale.MtimeMs -= 1000

	_, err = f.store.Save(Handle{Path: p}, []byte(diagram), &stale, false)
	require.Error(t, err)
	assert.Equal(t, hosterr.FileConflict, hosterr.KindOf(err))

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "<mxfile>old</mxfile>", string(got))

	_, err = f.store.Save(Handle{Path: p}, []byte(diagram), &stale, true)
	require.NoError(t, err)
}

func TestSaveWithMatchingStatCreatesBackup(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")
	require.NoError(t, os.WriteFile(p, []byte("<mxfile>old</mxfile>"), 0644))
	require.NoError(t, os.WriteFile(BackupPath(p, true), []byte("<mxfile>legacy</mxfile>"), 0644))

	prior, err := f.store.Stat(p)
	require.NoError(t, err)

	st, err := f.store.Save(Handle{Path: p}, []byte(diagram), prior, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.MtimeMs, prior.MtimeMs)

	bkp, err := os.ReadFile(BackupPath(p, false))
	require.NoError(t, err)
	assert.Equal(t, "<mxfile>old</mxfile>", string(bkp))

	_, err = os.Stat(BackupPath(p, true))
	assert.True(t, os.IsNotExist(err), "legacy backup removed")
}

func TestSaveBackupsDisabled(t *testing.T) {
	f := newFixture(t)
	f.backups = false
	p := f.path("d.drawio")
	require.NoError(t, os.WriteFile(p, []byte("<mxfile>old</mxfile>"), 0644))

	_, err := f.store.Save(Handle{Path: p}, []byte(diagram), nil, false)
	require.NoError(t, err)

	_, err = os.Stat(BackupPath(p, false))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveVerificationRetries(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	reads := 0
	f.store.readBack = func(path string) ([]byte, error) {
		reads++
		if reads < 2 {
			return []byte("<mxfile>torn"), nil
		}
		return os.ReadFile(path)
	}

	_, err := f.store.Save(Handle{Path: p}, []byte(diagram), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, reads)
	assert.Equal(t, []time.Duration{DefaultRetryBackoff}, f.sleeps)
}

func TestSaveVerificationGivesUp(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	reads := 0
	f.store.readBack = func(string) ([]byte, error) {
		reads++
		return []byte("<mxfile>torn"), nil
	}

	st, err := f.store.Save(Handle{Path: p}, []byte(diagram), nil, false)
	require.Error(t, err)
	assert.Nil(t, st)
	assert.Equal(t, DefaultRetryAttempts, reads)
	assert.Equal(t, []time.Duration{DefaultRetryBackoff, 2 * DefaultRetryBackoff}, f.sleeps)
}

func TestSaveRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		data string
		kind hosterr.Kind
	}{
		{"protected dir", filepath.Join(f.install, "main.js"), diagram, hosterr.SecurityViolation},
		{"relative path", "d.drawio", diagram, hosterr.SecurityViolation},
		{"unknown content", f.path("a.drawio"), "MZ\x90\x00", hosterr.FileInvalid},
		{"too large", f.path("b.drawio"), "<mxfile>" + string(make([]byte, 2048)), hosterr.FileTooLarge},
		{"script", f.path("c.drawio"), "<mxfile><script>x</script>", hosterr.SecurityViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Save(Handle{Path: tt.path}, []byte(tt.data), nil, false)
			require.Error(t, err)
			assert.Equal(t, tt.kind, hosterr.KindOf(err))
			_, statErr := os.Stat(tt.path)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestSaveExistingTargetTooLarge(t *testing.T) {
	f := newFixture(t)
	p := f.path("big.drawio")
	require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0644))

	_, err := f.store.Save(Handle{Path: p}, []byte(diagram), nil, true)
	assert.Equal(t, hosterr.FileTooLarge, hosterr.KindOf(err))
}

func TestWriteBinary(t *testing.T) {
	f := newFixture(t)
	p := f.path("out.png")
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}

	require.NoError(t, f.store.Write(p, png, "base64"))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, png, got)

	_, err = os.Stat(BackupPath(p, false))
	assert.True(t, os.IsNotExist(err))

	err = f.store.Write(f.path("x.exe"), []byte("MZ"), "base64")
	assert.Equal(t, hosterr.FileInvalid, hosterr.KindOf(err))
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Read(f.path("missing.drawio"))
	assert.Equal(t, hosterr.FileNotFound, hosterr.KindOf(err))

	junk := f.path("junk.bin")
	require.NoError(t, os.WriteFile(junk, []byte("\x7fELF"), 0644))
	_, err = f.store.Read(junk)
	assert.Equal(t, hosterr.FileInvalid, hosterr.KindOf(err))

	inside := filepath.Join(f.install, "app.asar")
	require.NoError(t, os.WriteFile(inside, []byte("<mxfile/>"), 0644))
	_, err = f.store.Read(inside)
	assert.Equal(t, hosterr.SecurityViolation, hosterr.KindOf(err))

	big := f.path("big.xml")
	require.NoError(t, os.WriteFile(big, append([]byte("<?xml "), make([]byte, 2048)...), 0644))
	_, err = f.store.Read(big)
	assert.Equal(t, hosterr.FileTooLarge, hosterr.KindOf(err))
}

func TestReadAccessDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	f := newFixture(t)
	p := f.path("locked.drawio")
	require.NoError(t, os.WriteFile(p, []byte(diagram), 0000))

	_, err := f.store.Read(p)
	assert.Equal(t, hosterr.FileAccessDenied, hosterr.KindOf(err))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)

	p := f.path("d.drawio")
	require.NoError(t, os.WriteFile(p, []byte(diagram), 0644))
	require.NoError(t, f.store.Delete(p))
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	other := f.path(".bashrc")
	require.NoError(t, os.WriteFile(other, []byte("export PATH=$PATH"), 0644))
	err = f.store.Delete(other)
	assert.Equal(t, hosterr.SecurityViolation, hosterr.KindOf(err))
	_, err = os.Stat(other)
	assert.NoError(t, err, "unrecognized content is kept")

	err = f.store.Delete(f.path("gone.drawio"))
	assert.Equal(t, hosterr.FileNotFound, hosterr.KindOf(err))
}

func TestStatWritableExists(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")
	require.NoError(t, os.WriteFile(p, []byte(diagram), 0644))

	st, err := f.store.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(len(diagram)), st.Size)
	assert.NotZero(t, st.MtimeMs)
	assert.NotZero(t, st.BirthtimeMs)

	ok, err := f.store.Writable(p)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := f.store.Exists(f.docs, "d.drawio")
	require.NoError(t, err)
	assert.Equal(t, Existence{Exists: true, Path: p}, e)

	e, err = f.store.Exists(f.docs, "nope.drawio")
	require.NoError(t, err)
	assert.False(t, e.Exists)

	_, err = f.store.Exists(f.install, "main.js")
	assert.Equal(t, hosterr.SecurityViolation, hosterr.KindOf(err))
}

func TestDraftNaming(t *testing.T) {
	p := filepath.Join("dir", "d.drawio")
	assert.Equal(t, filepath.Join("dir", ".$d.drawio.dtmp"), DraftPath(p, 0, false))
	assert.Equal(t, filepath.Join("dir", ".$d.drawio_2.dtmp"), DraftPath(p, 2, false))
	assert.Equal(t, filepath.Join("dir", "~$d.drawio_1.dtmp"), DraftPath(p, 1, true))
	assert.Equal(t, filepath.Join("dir", ".$d.drawio.bkp"), BackupPath(p, false))
	assert.Equal(t, filepath.Join("dir", "~$d.drawio.bkp"), BackupPath(p, true))

	assert.True(t, isDraftOf(DraftPath(p, 0, false), p))
	assert.True(t, isDraftOf(DraftPath(p, 3, false), p))
	assert.False(t, isDraftOf(DraftPath(p, 0, true), p))
	assert.False(t, isDraftOf(filepath.Join("other", ".$d.drawio.dtmp"), p))
	assert.False(t, isDraftOf(filepath.Join("dir", ".$d.drawio_x.dtmp"), p))
	assert.False(t, isDraftOf(filepath.Join("dir", ".$d.drawio_0.dtmp"), p))
}

func TestSaveDraftTwice(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	first, err := f.store.SaveDraft(Handle{Path: p}, []byte(diagram))
	require.NoError(t, err)
	second, err := f.store.SaveDraft(Handle{Path: p}, []byte(diagram))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, DraftPath(p, 0, false), first)
	assert.Equal(t, DraftPath(p, 1, false), second)

	for _, d := range []string{first, second} {
		e, err := f.store.Exists(d)
		require.NoError(t, err)
		assert.True(t, e.Exists)
	}
}

func TestSaveDraftReusesHandleName(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	first, err := f.store.SaveDraft(Handle{Path: p}, []byte("<mxfile>1</mxfile>"))
	require.NoError(t, err)

	again, err := f.store.SaveDraft(Handle{Path: p, DraftFileName: first}, []byte("<mxfile>2</mxfile>"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "<mxfile>2</mxfile>", string(got))

	foreign, err := f.store.SaveDraft(Handle{Path: p, DraftFileName: "/etc/passwd"}, []byte(diagram))
	require.NoError(t, err)
	assert.Equal(t, DraftPath(p, 1, false), foreign)
}

func TestSaveDraftRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SaveDraft(Handle{Path: f.path("d.drawio")}, []byte("plain text"))
	assert.Equal(t, hosterr.FileInvalid, hosterr.KindOf(err))
}

func TestDraftsMigratesLegacyAndSkipsUnreadable(t *testing.T) {
	f := newFixture(t)
	p := f.path("d.drawio")

	require.NoError(t, os.WriteFile(DraftPath(p, 0, false), []byte("<mxfile>current</mxfile>"), 0644))
	require.NoError(t, os.WriteFile(DraftPath(p, 1, false), []byte("garbage"), 0644))
	require.NoError(t, os.WriteFile(DraftPath(p, 0, true), []byte("<mxfile>legacy</mxfile>"), 0644))

	drafts, err := f.store.Drafts(Handle{Path: p})
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	assert.Equal(t, "<mxfile>current</mxfile>", drafts[0].Data)
	assert.Equal(t, DraftPath(p, 0, false), drafts[0].Path)
	assert.Equal(t, "<mxfile>legacy</mxfile>", drafts[1].Data)
	assert.Equal(t, DraftPath(p, 2, false), drafts[1].Path)
	assert.NotZero(t, drafts[1].Modified)
	assert.NotZero(t, drafts[1].Created)

	_, err = os.Stat(DraftPath(p, 0, true))
	assert.True(t, os.IsNotExist(err), "legacy draft migrated")
}

func TestDraftsNone(t *testing.T) {
	f := newFixture(t)
	drafts, err := f.store.Drafts(Handle{Path: f.path("d.drawio")})
	require.NoError(t, err)
	assert.Empty(t, drafts)
}
