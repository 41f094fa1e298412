package filefix

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/progress"
)

const testBackupRoot = ".gamefix_backup"

type testEnv struct {
	t         *testing.T
	root      string
	archives  string
	documents string
	in        *Installer
	target    fixes.Target
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	e := &testEnv{
		t:         t,
		root:      filepath.Join(base, "game"),
		archives:  filepath.Join(base, "archives"),
		documents: filepath.Join(base, "documents"),
	}
	require.NoError(t, os.MkdirAll(e.root, 0o755))
	require.NoError(t, os.MkdirAll(e.archives, 0o755))
	require.NoError(t, os.MkdirAll(e.documents, 0o755))

	e.in = New(Config{
		BackupRootName: testBackupRoot,
		StagingDir:     filepath.Join(base, "staging"),
		TempDir:        base,
		DocumentsDir:   e.documents,
		VerifyWorkers:  2,
	}, nil)
	e.target = fixes.Target{ID: 1, Name: "Test Game", Root: e.root, BuildID: 1}
	return e
}

func (e *testEnv) write(rel, content string) {
	e.t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(e.t, os.WriteFile(p, []byte(content), 0o644))
}

func (e *testEnv) read(rel string) string {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	require.NoError(e.t, err)
	return string(data)
}

func (e *testEnv) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

// zip writes an archive and returns its path, usable as a fix Url.
func (e *testEnv) zip(name string, files map[string][]byte) string {
	e.t.Helper()
	p := filepath.Join(e.archives, name)
	f, err := os.Create(p)
	require.NoError(e.t, err)
	w := zip.NewWriter(f)
	for entry, content := range files {
		fw, err := w.Create(entry)
		require.NoError(e.t, err)
		_, err = fw.Write(content)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, w.Close())
	require.NoError(e.t, f.Close())
	return p
}

func (e *testEnv) record(guid uuid.UUID) *manifest.FileRecord {
	e.t.Helper()
	rec, err := manifest.NewStore(e.root, testBackupRoot).Load(guid)
	require.NoError(e.t, err)
	file, ok := rec.(*manifest.FileRecord)
	require.True(e.t, ok)
	return file
}

func (e *testEnv) installed(guid uuid.UUID) bool {
	return manifest.NewStore(e.root, testBackupRoot).IsInstalled(guid)
}

// snapshot maps every path under dir to its content; directories map to "/".
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel] = "/"
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func sizes(list manifest.FileList) map[string]int64 {
	out := make(map[string]int64, len(list))
	for k, v := range list {
		if v == nil {
			out[k] = -1
			continue
		}
		out[k] = *v
	}
	return out
}

func fileFix(name, url string) *fixes.FileFix {
	return &fixes.FileFix{
		Base: fixes.Base{Guid: uuid.New(), Name: name, Version: "1.0"},
		Url:  url,
	}
}

func files(kv ...string) map[string][]byte {
	out := map[string][]byte{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = []byte(kv[i+1])
	}
	return out
}

func TestInstallAndUninstallScenario(t *testing.T) {
	e := newTestEnv(t)
	e.write("install folder/start game.exe", "original exe")
	e.write("install folder/file to delete.txt", "stock file")
	e.write("install folder/file to backup.txt", "user settings")
	e.write("install folder/other.txt", "untouched")
	before := snapshot(t, e.root)

	fix := fileFix("test fix", e.zip("fix.zip", files(
		"start game.exe", "fixed exe",
		"new/added.dll", "dll",
	)))
	fix.InstallFolder = "install folder"
	fix.FilesToDelete = []string{"install folder/file to delete.txt", "install folder/not there.txt"}
	fix.FilesToBackup = []string{"install folder/file to backup.txt"}
	fix.WineDllOverrides = []string{"dxgi=n,b"}

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)

	assert.Equal(t, "fixed exe", e.read("install folder/start game.exe"))
	assert.Equal(t, "dll", e.read("install folder/new/added.dll"))
	assert.Equal(t, "untouched", e.read("install folder/other.txt"))
	assert.Equal(t, "user settings", e.read("install folder/file to backup.txt"))
	assert.False(t, e.exists("install folder/file to delete.txt"))

	vaultDir := testBackupRoot + "/test_fix/install folder/"
	assert.Equal(t, "original exe", e.read(vaultDir+"start game.exe"))
	assert.Equal(t, "stock file", e.read(vaultDir+"file to delete.txt"))
	assert.Equal(t, "user settings", e.read(vaultDir+"file to backup.txt"))

	require.NotNil(t, rec.BackupFolder)
	assert.Equal(t, "test_fix", *rec.BackupFolder)
	assert.Equal(t, map[string]int64{
		"install folder/":               -1,
		"install folder/start game.exe": 9,
		"install folder/new/":           -1,
		"install folder/new/added.dll":  3,
	}, sizes(rec.FilesList))
	assert.Equal(t, []string{"dxgi=n,b"}, rec.WineDllOverrides)
	assert.Equal(t, "1.0", rec.Version)
	assert.Equal(t, 1, rec.GameID)
	assert.Nil(t, rec.InstalledSharedFix)

	stored := e.record(fix.Guid)
	assert.Equal(t, sizes(rec.FilesList), sizes(stored.FilesList))
	assert.Equal(t, rec.Checksums, stored.Checksums)

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, stored))
	assert.Equal(t, before, snapshot(t, e.root))
	assert.False(t, e.installed(fix.Guid))
}

func TestRoundTripRestoresTreeExactly(t *testing.T) {
	e := newTestEnv(t)
	e.write("bin/game.exe", "stock")
	e.write("bin/d3d11.dll", "system dll")
	e.write("data/pak0.pak", "pak")
	before := snapshot(t, e.root)

	fix := fileFix("Widescreen Fix", e.zip("ws.zip", files(
		"bin/d3d11.dll", "wrapper",
		"bin/scripts/ws.asi", "asi",
		"bin/scripts/ws.ini", "ini",
	)))
	fix.FilesToDelete = []string{"data/pak0.pak"}

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)
	assert.Equal(t, "wrapper", e.read("bin/d3d11.dll"))
	assert.False(t, e.exists("data/pak0.pak"))
	assert.Contains(t, rec.FilesList, "bin/scripts/")
	assert.Contains(t, rec.FilesList, "bin/")

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, rec))
	assert.Equal(t, before, snapshot(t, e.root))
}

func TestRoundTripKeepsExistingEmptyDirs(t *testing.T) {
	e := newTestEnv(t)
	e.write("game.exe", "stock")
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "install folder", "empty sub"), 0o755))
	before := snapshot(t, e.root)

	fix := fileFix("dir fix", e.zip("dirs.zip", files(
		"empty sub/mod.dll", "mod",
		"fresh/new.txt", "new",
	)))
	fix.InstallFolder = "install folder"

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)
	assert.Contains(t, rec.FilesList, "install folder/empty sub/")
	assert.False(t, rec.Created("install folder/"))
	assert.False(t, rec.Created("install folder/empty sub/"))
	assert.True(t, rec.Created("install folder/fresh/"))

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, e.record(fix.Guid)))
	assert.Equal(t, before, snapshot(t, e.root))
}

func TestDeleteListedFileShippedByArchive(t *testing.T) {
	e := newTestEnv(t)
	e.write("b.txt", "stock b")
	before := snapshot(t, e.root)

	fix := fileFix("delete shipped", e.zip("shipped.zip", files(
		"a.txt", "alpha",
		"b.txt", "beta",
		"c.txt", "gamma",
	)))
	fix.FilesToDelete = []string{"a.txt", "b.txt"}

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)
	assert.False(t, e.exists("a.txt"))
	assert.False(t, e.exists("b.txt"))
	assert.Equal(t, []string{"c.txt"}, rec.Files())

	report, err := e.in.Verify(context.Background(), e.target, e.record(fix.Guid))
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Checked)

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, rec))
	assert.Equal(t, before, snapshot(t, e.root))
}

func TestInstallIntoDocuments(t *testing.T) {
	e := newTestEnv(t)
	fix := fileFix("config fix", e.zip("cfg.zip", files("settings.ini", "fov=90")))
	fix.InstallFolder = "{documents}/My Games/Test"

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(e.documents, "My Games", "Test", "settings.ini"))
	require.NoError(t, err)
	assert.Equal(t, "fov=90", string(data))
	assert.Contains(t, rec.FilesList, "{documents}/My Games/Test/settings.ini")
	assert.Contains(t, rec.FilesList, "{documents}/My Games/")

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, rec))
	entries, err := os.ReadDir(e.documents)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerify(t *testing.T) {
	e := newTestEnv(t)
	fix := fileFix("verify fix", e.zip("v.zip", files(
		"a.txt", "alpha",
		"b.txt", "beta",
		"c.txt", "gamma",
	)))
	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)

	report, err := e.in.Verify(context.Background(), e.target, rec)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Checked)

	e.write("b.txt", "tampered")
	require.NoError(t, os.Remove(filepath.Join(e.root, "c.txt")))

	report, err = e.in.Verify(context.Background(), e.target, rec)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"b.txt"}, report.Mismatched)
	assert.Equal(t, []string{"c.txt"}, report.Missing)
}

func TestVerifyFallsBackToSize(t *testing.T) {
	e := newTestEnv(t)
	e.write("legacy.dll", "12345")
	size := int64(5)
	rec := &manifest.FileRecord{
		FilesList: manifest.FileList{"legacy.dll": &size},
		Base:      manifest.Base{Guid: uuid.New()},
	}

	report, err := e.in.Verify(context.Background(), e.target, rec)
	require.NoError(t, err)
	assert.True(t, report.OK())

	e.write("legacy.dll", "123")
	report, err = e.in.Verify(context.Background(), e.target, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy.dll"}, report.Mismatched)
}

func TestSharedFixReferenceCounting(t *testing.T) {
	e := newTestEnv(t)
	shared := fileFix("Shared Runtime", e.zip("shared.zip", files("runtime.dll", "runtime v1")))
	shared.InstallFolder = "runtime"

	parentA := fileFix("fix a", e.zip("a.zip", files("a.txt", "a")))
	parentA.SharedFixGuid = &shared.Guid
	parentB := fileFix("fix b", e.zip("b.zip", files("b.txt", "b")))
	parentB.SharedFixGuid = &shared.Guid

	recA, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: parentA, Shared: shared})
	require.NoError(t, err)
	require.NotNil(t, recA.InstalledSharedFix)
	assert.Equal(t, shared.Guid, recA.InstalledSharedFix.Guid)
	assert.Contains(t, recA.InstalledSharedFix.FilesList, "runtime/runtime.dll")

	recB, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: parentB, Shared: shared})
	require.NoError(t, err)
	require.NotNil(t, recB.InstalledSharedFix)
	assert.Equal(t, sizes(recA.InstalledSharedFix.FilesList), sizes(recB.InstalledSharedFix.FilesList))
	assert.Nil(t, recB.InstalledSharedFix.BackupFolder)

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, recA))
	assert.False(t, e.exists("a.txt"))
	assert.Equal(t, "runtime v1", e.read("runtime/runtime.dll"))

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, recB))
	assert.False(t, e.exists("b.txt"))
	assert.False(t, e.exists("runtime/runtime.dll"))
	assert.False(t, e.exists("runtime"))
	assert.Empty(t, snapshot(t, e.root))
}

func TestSharedFixMissingFromCatalog(t *testing.T) {
	e := newTestEnv(t)
	sharedGuid := uuid.New()
	fix := fileFix("needs shared", e.zip("n.zip", files("n.txt", "n")))
	fix.SharedFixGuid = &sharedGuid

	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.ErrorIs(t, err, ErrSharedFixMissing)
	assert.Empty(t, snapshot(t, e.root))
}

func TestUninstallPreservesUserFiles(t *testing.T) {
	e := newTestEnv(t)
	fix := fileFix("mod loader", e.zip("mods.zip", files(
		"mods/loader.dll", "loader",
		"mods/readme.txt", "readme",
	)))
	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)

	e.write("mods/my mod.pak", "user content")
	require.NoError(t, e.in.Uninstall(context.Background(), e.target, rec))

	assert.False(t, e.exists("mods/loader.dll"))
	assert.False(t, e.exists("mods/readme.txt"))
	assert.Equal(t, "user content", e.read("mods/my mod.pak"))
	assert.False(t, e.installed(fix.Guid))
}

func TestInstallHashMismatch(t *testing.T) {
	e := newTestEnv(t)
	e.write("game.exe", "stock")
	before := snapshot(t, e.root)

	fix := fileFix("hashed", e.zip("h.zip", files("game.exe", "patched")))
	fix.Sha256 = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.ErrorIs(t, err, hashutil.ErrHashMismatch)
	assert.Equal(t, before, snapshot(t, e.root))
	assert.False(t, e.installed(fix.Guid))

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix, Force: true})
	require.NoError(t, err)
	assert.Equal(t, "patched", e.read("game.exe"))
	assert.True(t, e.installed(rec.Guid))
}

func TestInstallSourceMissing(t *testing.T) {
	e := newTestEnv(t)
	fix := fileFix("gone", filepath.Join(e.archives, "missing.zip"))

	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.ErrorIs(t, err, ErrSourceMissing)
	assert.Empty(t, snapshot(t, e.root))
}

func TestInstallWithoutArchive(t *testing.T) {
	e := newTestEnv(t)
	e.write("intro.bik", "video")

	fix := fileFix("skip intro", "")
	fix.FilesToDelete = []string{"intro.bik"}

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)
	assert.False(t, e.exists("intro.bik"))
	assert.Empty(t, rec.Files())

	require.NoError(t, e.in.Uninstall(context.Background(), e.target, rec))
	assert.Equal(t, "video", e.read("intro.bik"))
}

func TestInstallRollsBackOnFailure(t *testing.T) {
	e := newTestEnv(t)
	e.write("a.txt", "original a")
	e.write("dir", "a file where the fix wants a directory")
	before := snapshot(t, e.root)

	fix := fileFix("broken", e.zip("broken.zip", files(
		"a.txt", "fix a",
		"dir/b.txt", "fix b",
	)))

	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, e.root))
	assert.False(t, e.installed(fix.Guid))
}

func TestInstallCancelled(t *testing.T) {
	e := newTestEnv(t)
	e.write("a.txt", "original")
	before := snapshot(t, e.root)

	fix := fileFix("cancelled", e.zip("c.zip", files("a.txt", "fix")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.in.Install(ctx, Request{Target: e.target, Fix: fix})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, snapshot(t, e.root))
}

func TestInstallVariants(t *testing.T) {
	e := newTestEnv(t)
	fix := fileFix("renderer", e.zip("variants.zip", files(
		"dx11/mod.dll", "dx11 build",
		"dx12/mod.dll", "dx12 build",
	)))
	fix.Variants = []string{"dx11", "dx12"}

	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.ErrorIs(t, err, ErrVariantRequired)

	_, err = e.in.Install(context.Background(), Request{Target: e.target, Fix: fix, Variant: "vulkan"})
	require.ErrorIs(t, err, ErrUnknownVariant)

	rec, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix, Variant: "dx12"})
	require.NoError(t, err)
	assert.Equal(t, "dx12 build", e.read("mod.dll"))
	assert.Equal(t, []string{"mod.dll"}, rec.Files())
}

func TestInstallReportsProgress(t *testing.T) {
	e := newTestEnv(t)
	var phases []string
	e.in = New(e.in.cfg, func(ev progress.Event) {
		phases = append(phases, ev.Phase)
	})

	fix := fileFix("progress", e.zip("p.zip", files("a.txt", "a", "b.txt", "b")))
	_, err := e.in.Install(context.Background(), Request{Target: e.target, Fix: fix})
	require.NoError(t, err)

	assert.Contains(t, phases, progress.PhaseExtracting)
	assert.Contains(t, phases, progress.PhaseInstalling)
	assert.Equal(t, progress.PhaseDone, phases[len(phases)-1])
}
