package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/gamefix/internal/audit"
	"github.com/breeze-rmm/gamefix/internal/deps"
	"github.com/breeze-rmm/gamefix/internal/filefix"
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/patch"
	"github.com/breeze-rmm/gamefix/internal/preflight"
	"github.com/breeze-rmm/gamefix/internal/regfix"
)

const backupRoot = ".gamefix_backup"

type fakeRegistry struct {
	mu       sync.Mutex
	values   map[string]string
	types    map[string]fixes.RegistryValueType
	failData string
}

func (f *fakeRegistry) GetValue(key, name string) (string, fixes.RegistryValueType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key+`\`+name]
	if !ok {
		return "", "", regfix.ErrValueNotFound
	}
	return v, f.types[key+`\`+name], nil
}

func (f *fakeRegistry) SetValue(key, name, data string, typ fixes.RegistryValueType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failData != "" && data == f.failData {
		return errors.New("access denied")
	}
	f.values[key+`\`+name] = data
	f.types[key+`\`+name] = typ
	return nil
}

func (f *fakeRegistry) DeleteValue(key, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key+`\`+name]; !ok {
		return regfix.ErrValueNotFound
	}
	delete(f.values, key+`\`+name)
	delete(f.types, key+`\`+name)
	return nil
}

func (f *fakeRegistry) KeyExists(key string) (bool, error) {
	return true, nil
}

func (f *fakeRegistry) DeleteKey(key string) error {
	return nil
}

type harness struct {
	t        *testing.T
	base     string
	target   fixes.Target
	hosts    string
	reg      *fakeRegistry
	catalog  *fixes.Catalog
	auditLog *audit.Logger
	env      Env
	m        *Manager
}

func newHarness(t *testing.T, list ...fixes.Fix) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		t:      t,
		base:   base,
		target: fixes.Target{ID: 10, Name: "Test Game", Root: filepath.Join(base, "game"), BuildID: 100},
		hosts:  filepath.Join(base, "hosts"),
		reg:    &fakeRegistry{values: map[string]string{}, types: map[string]fixes.RegistryValueType{}},
	}
	require.NoError(t, os.MkdirAll(h.target.Root, 0o755))
	require.NoError(t, os.WriteFile(h.hosts, []byte("127.0.0.1 localhost\n"), 0o644))

	var err error
	h.auditLog, err = audit.NewLogger(audit.Options{Dir: filepath.Join(base, "audit")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.auditLog.Close() })

	h.catalog = &fixes.Catalog{Lists: []fixes.FixesList{{GameID: h.target.ID, GameName: h.target.Name, Fixes: list}}}
	h.env = Env{
		BackupRootName: backupRoot,
		StagingDir:     filepath.Join(base, "staging"),
		TempDir:        base,
		HostsPath:      h.hosts,
		IsAdmin:        true,
		DocumentsDir:   filepath.Join(base, "documents"),
		Registry:       h.reg,
		VerifyWorkers:  2,
	}
	h.m = New(h.env, h.catalog, WithAudit(h.auditLog))
	return h
}

func (h *harness) zip(name string, files map[string]string) string {
	h.t.Helper()
	p := filepath.Join(h.base, name)
	f, err := os.Create(p)
	require.NoError(h.t, err)
	w := zip.NewWriter(f)
	for entry, content := range files {
		fw, err := w.Create(entry)
		require.NoError(h.t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(h.t, err)
	}
	require.NoError(h.t, w.Close())
	require.NoError(h.t, f.Close())
	return p
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.target.Root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) read(path string) string {
	h.t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) installed(guid uuid.UUID) bool {
	return manifest.NewStore(h.target.Root, backupRoot).IsInstalled(guid)
}

func newFileFix(name, url string) *fixes.FileFix {
	return &fixes.FileFix{Base: fixes.Base{Guid: uuid.New(), Name: name, Version: "1.0"}, Url: url}
}

func newTextFix(name string, depends ...uuid.UUID) *fixes.TextFix {
	return &fixes.TextFix{Base: fixes.Base{Guid: uuid.New(), Name: name, Version: "1.0", Dependencies: depends}, Text: name}
}

func TestFileFixLifecycle(t *testing.T) {
	h := newHarness(t)
	h.write("bin/game.exe", "stock exe")
	fix := newFileFix("exe fix", h.zip("fix.zip", map[string]string{
		"bin/game.exe": "fixed exe",
		"bin/new.dll":  "dll",
	}))
	h.catalog.Lists[0].Fixes = []fixes.Fix{fix}

	status, err := h.m.Status(h.target, fix)
	require.NoError(t, err)
	assert.Equal(t, StatusNotInstalled, status)

	r := h.m.Install(context.Background(), h.target, fix, InstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, Success, r.Kind)
	assert.ElementsMatch(t, []string{"bin/game.exe", "bin/new.dll"}, r.Files)
	assert.Equal(t, "fixed exe", h.read(filepath.Join(h.target.Root, "bin", "game.exe")))

	status, err = h.m.Status(h.target, fix)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, status)

	r = h.m.Verify(context.Background(), h.target, fix)
	assert.True(t, r.IsSuccess, r.Message)

	h.write("bin/new.dll", "tampered")
	r = h.m.Verify(context.Background(), h.target, fix)
	assert.Equal(t, VerifyMismatch, r.Kind)
	assert.Equal(t, []string{"bin/new.dll"}, r.Files)

	records, err := h.m.Installed(h.target)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fix.Guid, records[0].Common().Guid)

	r = h.m.Uninstall(context.Background(), h.target, fix, UninstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, "stock exe", h.read(filepath.Join(h.target.Root, "bin", "game.exe")))
	assert.NoFileExists(t, filepath.Join(h.target.Root, "bin", "new.dll"))
	assert.NoDirExists(t, filepath.Join(h.target.Root, backupRoot))

	require.NoError(t, h.auditLog.Close())
	n, err := audit.VerifyFile(h.auditLog.Path())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestInstallTwiceIsAlreadyInstalled(t *testing.T) {
	fix := newTextFix("readme")
	h := newHarness(t, fix)

	require.True(t, h.m.Install(context.Background(), h.target, fix, InstallOptions{}).IsSuccess)
	r := h.m.Install(context.Background(), h.target, fix, InstallOptions{})
	assert.False(t, r.IsSuccess)
	assert.Equal(t, AlreadyInstalled, r.Kind)
}

func TestDependencies(t *testing.T) {
	a := newTextFix("a")
	b := newTextFix("b", a.Guid)
	c := newTextFix("c", b.Guid)
	h := newHarness(t, a, b, c)

	r := h.m.Install(context.Background(), h.target, c, InstallOptions{})
	assert.Equal(t, DependencyUnmet, r.Kind)
	assert.Equal(t, []uuid.UUID{b.Guid}, r.Fixes)
	assert.NoDirExists(t, filepath.Join(h.target.Root, backupRoot))

	results := h.m.InstallWithDependencies(context.Background(), h.target, c, InstallOptions{})
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.IsSuccess, res.Message)
	}
	assert.True(t, h.installed(a.Guid))
	assert.True(t, h.installed(c.Guid))

	r = h.m.Uninstall(context.Background(), h.target, a, UninstallOptions{})
	assert.Equal(t, DependencyUnmet, r.Kind)
	assert.Equal(t, []uuid.UUID{b.Guid}, r.Fixes)
	assert.True(t, h.installed(a.Guid))

	r = h.m.Uninstall(context.Background(), h.target, a, UninstallOptions{IgnoreDependents: true})
	assert.True(t, r.IsSuccess, r.Message)
	assert.False(t, h.installed(a.Guid))
}

func TestInstallIgnoringDependencies(t *testing.T) {
	a := newTextFix("a")
	b := newTextFix("b", a.Guid)
	h := newHarness(t, a, b)

	r := h.m.Install(context.Background(), h.target, b, InstallOptions{IgnoreDependencies: true})
	assert.True(t, r.IsSuccess, r.Message)
	assert.False(t, h.installed(a.Guid))
}

func TestHashMismatchThenForce(t *testing.T) {
	h := newHarness(t)
	fix := newFileFix("hashed", h.zip("hashed.zip", map[string]string{"a.txt": "a"}))
	fix.MD5 = "00000000000000000000000000000000"

	r := h.m.Install(context.Background(), h.target, fix, InstallOptions{})
	assert.Equal(t, HashMismatch, r.Kind)
	assert.False(t, h.installed(fix.Guid))

	r = h.m.Install(context.Background(), h.target, fix, InstallOptions{Force: true})
	assert.True(t, r.IsSuccess, r.Message)
}

func TestSourceMissing(t *testing.T) {
	h := newHarness(t)
	fix := newFileFix("missing", "https://example.invalid/fixes/missing.zip")

	r := h.m.Install(context.Background(), h.target, fix, InstallOptions{})
	assert.Equal(t, SourceMissing, r.Kind)

	archive := h.zip("override.zip", map[string]string{"a.txt": "a"})
	r = h.m.Install(context.Background(), h.target, fix, InstallOptions{ArchivePath: archive})
	assert.True(t, r.IsSuccess, r.Message)
}

func TestFileFixUpdateAndStatus(t *testing.T) {
	h := newHarness(t)
	fix := newFileFix("versioned", h.zip("v1.zip", map[string]string{"a.txt": "v1"}))
	require.True(t, h.m.Install(context.Background(), h.target, fix, InstallOptions{}).IsSuccess)

	next := *fix
	next.Version = "1.10"
	next.Url = h.zip("v2.zip", map[string]string{"a.txt": "v2", "b.txt": "b"})

	status, err := h.m.Status(h.target, &next)
	require.NoError(t, err)
	assert.Equal(t, StatusOutdated, status)

	r := h.m.Update(context.Background(), h.target, &next, UpdateOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, "v2", h.read(filepath.Join(h.target.Root, "a.txt")))

	status, err = h.m.Status(h.target, &next)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, status)

	rebuilt := h.target
	rebuilt.BuildID = 101
	status, err = h.m.Status(rebuilt, &next)
	require.NoError(t, err)
	assert.Equal(t, StatusBuildChanged, status)
}

func TestUpdateNotInstalled(t *testing.T) {
	fix := newTextFix("never")
	h := newHarness(t, fix)
	r := h.m.Update(context.Background(), h.target, fix, UpdateOptions{})
	assert.Equal(t, NotInstalled, r.Kind)

	r = h.m.Uninstall(context.Background(), h.target, fix, UninstallOptions{})
	assert.Equal(t, NotInstalled, r.Kind)

	r = h.m.Verify(context.Background(), h.target, fix)
	assert.Equal(t, NotInstalled, r.Kind)
}

func TestHostsFixLifecycle(t *testing.T) {
	h := newHarness(t)
	fix := &fixes.HostsFix{
		Base:    fixes.Base{Guid: uuid.New(), Name: "block telemetry", Version: "1"},
		Entries: []string{"0.0.0.0 telemetry.example.com", "127.0.0.1 localhost"},
	}

	r := h.m.Install(context.Background(), h.target, fix, InstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, []string{"0.0.0.0 telemetry.example.com"}, r.Files)
	assert.Contains(t, h.read(h.hosts), "telemetry.example.com")

	next := *fix
	next.Version = "2"
	next.Entries = []string{"0.0.0.0 ads.example.com"}
	r = h.m.Update(context.Background(), h.target, &next, UpdateOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.NotContains(t, h.read(h.hosts), "telemetry.example.com")
	assert.Contains(t, h.read(h.hosts), "ads.example.com")

	r = h.m.Uninstall(context.Background(), h.target, &next, UninstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, "127.0.0.1 localhost\n", h.read(h.hosts))
}

func TestHostsFixRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	h.env.IsAdmin = false
	m := New(h.env, h.catalog)

	fix := &fixes.HostsFix{Base: fixes.Base{Guid: uuid.New(), Name: "hosts"}, Entries: []string{"0.0.0.0 x.example"}}
	r := m.Install(context.Background(), h.target, fix, InstallOptions{})
	assert.Equal(t, AdminRequired, r.Kind)
	assert.Equal(t, "127.0.0.1 localhost\n", h.read(h.hosts))
}

func TestMachineRegistryFixNeedsElevation(t *testing.T) {
	h := newHarness(t)
	fix := &fixes.RegistryFix{
		Base:         fixes.Base{Guid: uuid.New(), Name: "machine", Version: "1"},
		Key:          `HKEY_LOCAL_MACHINE\Software\Game`,
		ValueName:    "Mode",
		NewValueData: "1",
	}
	require.True(t, h.m.Install(context.Background(), h.target, fix, InstallOptions{}).IsSuccess)

	h.env.IsAdmin = false
	m := New(h.env, h.catalog)
	r := m.Uninstall(context.Background(), h.target, fix, UninstallOptions{})
	assert.Equal(t, AdminRequired, r.Kind)
	assert.Equal(t, []uuid.UUID{fix.Guid}, r.Fixes)
	assert.True(t, h.installed(fix.Guid))
	assert.Equal(t, "1", h.reg.values[`HKEY_LOCAL_MACHINE\Software\Game\Mode`])

	user := &fixes.RegistryFix{
		Base:         fixes.Base{Guid: uuid.New(), Name: "user", Version: "1"},
		Key:          `HKEY_CURRENT_USER\Software\Game`,
		ValueName:    "Mode",
		NewValueData: "2",
	}
	r = m.Install(context.Background(), h.target, user, InstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
}

func TestRegistryUpdateRestoresPreviousOnFailure(t *testing.T) {
	h := newHarness(t)
	key := `HKEY_CURRENT_USER\Software\Game`
	h.reg.values[key+`\Fps`] = "30"
	h.reg.types[key+`\Fps`] = fixes.RegistryDword

	fix := &fixes.RegistryFix{
		Base:         fixes.Base{Guid: uuid.New(), Name: "fps", Version: "1"},
		Key:          key,
		ValueName:    "Fps",
		NewValueData: "60",
		ValueType:    fixes.RegistryString,
	}
	require.True(t, h.m.Install(context.Background(), h.target, fix, InstallOptions{}).IsSuccess)
	assert.Equal(t, "60", h.reg.values[key+`\Fps`])

	h.reg.failData = "144"
	next := *fix
	next.Version = "2"
	next.NewValueData = "144"
	r := h.m.Update(context.Background(), h.target, &next, UpdateOptions{})
	assert.Equal(t, IoError, r.Kind)
	assert.Equal(t, "60", h.reg.values[key+`\Fps`])

	rec, err := manifest.NewStore(h.target.Root, backupRoot).Load(fix.Guid)
	require.NoError(t, err)
	regRec := rec.(*manifest.RegistryRecord)
	assert.Equal(t, "60", regRec.NewValueData)
	require.NotNil(t, regRec.OriginalValue)
	assert.Equal(t, "30", *regRec.OriginalValue)

	r = h.m.Uninstall(context.Background(), h.target, fix, UninstallOptions{})
	require.True(t, r.IsSuccess, r.Message)
	assert.Equal(t, "30", h.reg.values[key+`\Fps`])
	assert.Equal(t, fixes.RegistryDword, h.reg.types[key+`\Fps`])
}

func TestDisabledAndUnsupportedFixes(t *testing.T) {
	h := newHarness(t)
	disabled := newTextFix("off")
	disabled.IsDisabled = true
	r := h.m.Install(context.Background(), h.target, disabled, InstallOptions{})
	assert.Equal(t, Unsupported, r.Kind)

	foreign := newTextFix("elsewhere")
	foreign.SupportedOS = fixes.OSFlags(1 << 10)
	r = h.m.Install(context.Background(), h.target, foreign, InstallOptions{})
	assert.Equal(t, Unsupported, r.Kind)
}

func TestCancelledInstallLeavesNothing(t *testing.T) {
	h := newHarness(t)
	fix := newFileFix("cancel", h.zip("c.zip", map[string]string{"a.txt": "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.m.Install(ctx, h.target, fix, InstallOptions{})
	assert.Equal(t, Cancelled, r.Kind)
	assert.False(t, h.installed(fix.Guid))
	assert.NoFileExists(t, filepath.Join(h.target.Root, "a.txt"))
}

func TestPreflightFailure(t *testing.T) {
	h := newHarness(t)
	m := New(h.env, h.catalog, WithPreflight(preflight.Options{MinFreeBytes: math.MaxUint64}))
	fix := newFileFix("big", h.zip("big.zip", map[string]string{"a.txt": "a"}))

	r := m.Install(context.Background(), h.target, fix, InstallOptions{})
	assert.Equal(t, PreflightFailed, r.Kind)
	assert.False(t, h.installed(fix.Guid))
}

func TestConcurrentInstallsOnOneTarget(t *testing.T) {
	fix := newTextFix("race")
	h := newHarness(t, fix)

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.m.Install(context.Background(), h.target, fix, InstallOptions{})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.IsSuccess {
			successes++
		} else {
			assert.Equal(t, AlreadyInstalled, r.Kind)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ResultKind
	}{
		{nil, Success},
		{fmt.Errorf("stage: %w", context.Canceled), Cancelled},
		{&hashutil.MismatchError{}, HashMismatch},
		{fmt.Errorf("x: %w", filefix.ErrSourceMissing), SourceMissing},
		{errors.Join(patch.ErrSignatureMismatch, errors.New("rollback failed")), PatchSignatureMismatch},
		{fmt.Errorf("check: %w", &preflight.ErrPreflightFailed{Check: "disk_space"}), PreflightFailed},
		{regfix.ErrUnsupported, Unsupported},
		{regfix.ErrAdminRequired, AdminRequired},
		{manifest.ErrNotInstalled, NotInstalled},
		{deps.ErrCycle, DependencyUnmet},
		{os.ErrPermission, IoError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
