// Package engine is the fix manager. It checks dependencies, serializes work
// per target, runs preflight checks and dispatches each fix to the installer
// for its kind. Every operation returns a Result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/breeze-rmm/gamefix/internal/audit"
	"github.com/breeze-rmm/gamefix/internal/deps"
	"github.com/breeze-rmm/gamefix/internal/filefix"
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/hostsfix"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/preflight"
	"github.com/breeze-rmm/gamefix/internal/privilege"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/regfix"
)

var log = logging.L("engine")

// Status is the installation state of one fix on one target.
type Status string

const (
	StatusNotInstalled Status = "NotInstalled"
	StatusInstalled    Status = "Installed"
	StatusOutdated     Status = "Outdated"
	StatusBuildChanged Status = "BuildChanged"
)

type InstallOptions struct {
	Variant            string
	Force              bool
	IgnoreDependencies bool
	// ArchivePath overrides the staged archive of a FileFix.
	ArchivePath string
}

type UpdateOptions struct {
	Variant            string
	Force              bool
	IgnoreDependencies bool
	ArchivePath        string
}

type UninstallOptions struct {
	IgnoreDependents bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgress sets the callback receiving progress events.
func WithProgress(cb progress.Callback) Option {
	return func(m *Manager) { m.progress = cb }
}

// WithAudit records every mutation in the audit log.
func WithAudit(l *audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// WithPreflight runs the given checks before file fixes are installed or updated.
func WithPreflight(opts preflight.Options) Option {
	return func(m *Manager) { m.preflight = &opts }
}

// Manager applies fixes from a catalog to targets. It is safe for
// concurrent use; operations on the same target root run one at a time.
type Manager struct {
	env       Env
	catalog   *fixes.Catalog
	progress  progress.Callback
	audit     *audit.Logger
	preflight *preflight.Options

	files    *filefix.Installer
	registry *regfix.Installer
	hosts    *hostsfix.Installer

	mu    sync.Mutex
	gates map[string]*semaphore.Weighted
}

// New creates a Manager. A nil catalog is treated as empty.
func New(env Env, catalog *fixes.Catalog, opts ...Option) *Manager {
	if catalog == nil {
		catalog = &fixes.Catalog{}
	}
	m := &Manager{
		env:     env,
		catalog: catalog,
		gates:   make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.files = filefix.New(filefix.Config{
		BackupRootName:  env.BackupRootName,
		StagingDir:      env.StagingDir,
		TempDir:         env.TempDir,
		DocumentsDir:    env.DocumentsDir,
		LocalAppDataDir: env.LocalAppDataDir,
		VerifyWorkers:   env.VerifyWorkers,
	}, m.progress)
	m.registry = regfix.New(regfix.Config{
		BackupRootName: env.BackupRootName,
		IsAdmin:        env.IsAdmin,
	}, env.Registry)
	m.hosts = hostsfix.New(hostsfix.Config{
		BackupRootName: env.BackupRootName,
		HostsPath:      env.HostsPath,
		IsAdmin:        env.IsAdmin,
	})
	return m
}

// Install applies fix to target. Missing dependencies fail the install
// unless opts.IgnoreDependencies is set.
func (m *Manager) Install(ctx context.Context, target fixes.Target, fix fixes.Fix, opts InstallOptions) Result {
	base := fix.Common()
	if r, ok := runnable(fix); !ok {
		return r
	}
	if r, ok := m.permitted(fix); !ok {
		return r
	}

	store := m.store(target)
	if store.IsInstalled(base.Guid) {
		return alreadyInstalled(fix)
	}
	if !opts.IgnoreDependencies {
		if r, ok := m.checkDependencies(target, fix); !ok {
			return r
		}
	}

	release, err := m.acquire(ctx, target.Root)
	if err != nil {
		return failure(err)
	}
	defer release()

	// Another caller may have installed it while we waited.
	if store.IsInstalled(base.Guid) {
		return alreadyInstalled(fix)
	}
	if err := m.runPreflight(ctx, target, fix); err != nil {
		m.audit.Log(audit.EventFixInstallFailed, base.Guid, target.ID, errorDetails(err))
		return failure(err)
	}

	start := time.Now()
	files, err := m.install(ctx, target, fix, opts)
	if err != nil {
		log.Warnw("install failed",
			logging.KeyFixGuid, base.Guid.String(),
			logging.KeyFixName, base.Name,
			logging.KeyGameID, target.ID,
			logging.KeyError, err)
		m.audit.Log(audit.EventFixInstallFailed, base.Guid, target.ID, errorDetails(err))
		return failure(err)
	}

	log.Infow("install complete",
		logging.KeyFixGuid, base.Guid.String(),
		logging.KeyFixName, base.Name,
		logging.KeyGameID, target.ID,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	m.audit.Log(audit.EventFixInstalled, base.Guid, target.ID, map[string]any{
		"kind":    string(fix.Kind()),
		"version": string(base.Version),
		"files":   len(files),
	})
	return success(fmt.Sprintf("%s installed", base.Name), files)
}

// InstallWithDependencies installs the missing dependencies of fix and then
// fix itself, dependencies first. It stops at the first failure. Variant
// and archive options apply to fix only.
func (m *Manager) InstallWithDependencies(ctx context.Context, target fixes.Target, fix fixes.Fix, opts InstallOptions) []Result {
	installed, err := m.store(target).InstalledSet()
	if err != nil {
		return []Result{failure(err)}
	}
	order, err := deps.New(m.catalog.FixesFor(target.ID), installed).InstallOrder(fix)
	if err != nil {
		return []Result{failure(err)}
	}

	results := make([]Result, 0, len(order))
	for _, next := range order {
		o := InstallOptions{Force: opts.Force}
		if next.Common().Guid == fix.Common().Guid {
			o = opts
		}
		r := m.Install(ctx, target, next, o)
		results = append(results, r)
		if !r.IsSuccess {
			break
		}
	}
	return results
}

// Update moves an installed fix to the version described by fix.
func (m *Manager) Update(ctx context.Context, target fixes.Target, fix fixes.Fix, opts UpdateOptions) Result {
	base := fix.Common()
	if r, ok := runnable(fix); !ok {
		return r
	}
	if r, ok := m.permitted(fix); !ok {
		return r
	}
	if !opts.IgnoreDependencies {
		if r, ok := m.checkDependencies(target, fix); !ok {
			return r
		}
	}

	release, err := m.acquire(ctx, target.Root)
	if err != nil {
		return failure(err)
	}
	defer release()

	rec, err := m.store(target).Load(base.Guid)
	if err != nil {
		return failure(err)
	}
	if err := m.runPreflight(ctx, target, fix); err != nil {
		return failure(err)
	}

	start := time.Now()
	files, err := m.update(ctx, target, fix, rec, opts)
	if err != nil {
		log.Warnw("update failed",
			logging.KeyFixGuid, base.Guid.String(),
			logging.KeyFixName, base.Name,
			logging.KeyError, err)
		m.audit.Log(audit.EventFixRolledBack, base.Guid, target.ID, map[string]any{
			"operation": "update",
			"from":      rec.Common().Version,
			"to":        string(base.Version),
			"error":     err.Error(),
		})
		return failure(err)
	}

	log.Infow("update complete",
		logging.KeyFixGuid, base.Guid.String(),
		logging.KeyFixName, base.Name,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	m.audit.Log(audit.EventFixUpdated, base.Guid, target.ID, map[string]any{
		"from": rec.Common().Version,
		"to":   string(base.Version),
	})
	return success(fmt.Sprintf("%s updated to %s", base.Name, base.Version), files)
}

// Uninstall reverts everything fix changed on target. Installed fixes that
// depend on it fail the uninstall unless opts.IgnoreDependents is set.
func (m *Manager) Uninstall(ctx context.Context, target fixes.Target, fix fixes.Fix, opts UninstallOptions) Result {
	base := fix.Common()
	store := m.store(target)
	if !store.IsInstalled(base.Guid) {
		return Result{Kind: NotInstalled, Message: fmt.Sprintf("%s is not installed", base.Name)}
	}
	if r, ok := m.permitted(fix); !ok {
		return r
	}

	if !opts.IgnoreDependents {
		installed, err := store.InstalledSet()
		if err != nil {
			return failure(err)
		}
		dependents := deps.New(m.catalog.FixesFor(target.ID), installed).InstalledDependentsOf(base.Guid)
		if len(dependents) > 0 {
			return dependencyResult(fmt.Sprintf("%s is required by installed fixes", base.Name), dependents)
		}
	}

	release, err := m.acquire(ctx, target.Root)
	if err != nil {
		return failure(err)
	}
	defer release()

	rec, err := store.Load(base.Guid)
	if err != nil {
		return failure(err)
	}
	files := recordFiles(rec)
	if err := m.uninstall(ctx, target, rec); err != nil {
		log.Warnw("uninstall failed", logging.KeyFixGuid, base.Guid.String(), logging.KeyError, err)
		m.audit.Log(audit.EventFixUninstallFailed, base.Guid, target.ID, errorDetails(err))
		return failure(err)
	}

	m.audit.Log(audit.EventFixUninstalled, base.Guid, target.ID, map[string]any{
		"kind":    string(rec.Kind()),
		"version": rec.Common().Version,
	})
	return success(fmt.Sprintf("%s uninstalled", base.Name), files)
}

// Verify checks that everything fix installed is still in place. It does
// not mutate the target.
func (m *Manager) Verify(ctx context.Context, target fixes.Target, fix fixes.Fix) Result {
	base := fix.Common()
	rec, err := m.store(target).Load(base.Guid)
	if err != nil {
		return failure(err)
	}

	var bad []string
	switch r := rec.(type) {
	case *manifest.FileRecord:
		report, err := m.files.Verify(ctx, target, r)
		if err != nil {
			return failure(err)
		}
		bad = append(append(bad, report.Mismatched...), report.Missing...)
	case *manifest.RegistryRecord:
		ok, err := m.registry.Verify(r)
		if err != nil {
			return failure(err)
		}
		if !ok {
			bad = append(bad, r.Key+`\`+r.ValueName)
		}
	case *manifest.HostsRecord:
		missing, err := m.hosts.Verify(r)
		if err != nil {
			return failure(err)
		}
		bad = missing
	case *manifest.TextRecord:
	}

	m.audit.Log(audit.EventFixVerified, base.Guid, target.ID, map[string]any{
		"ok":         len(bad) == 0,
		"mismatched": len(bad),
	})
	if len(bad) > 0 {
		return Result{
			Kind:    VerifyMismatch,
			Message: fmt.Sprintf("%d installed entries of %s differ", len(bad), base.Name),
			Files:   bad,
		}
	}
	return success(fmt.Sprintf("%s verified", base.Name), nil)
}

// Status reports whether fix is installed on target and whether the
// installed copy is current.
func (m *Manager) Status(target fixes.Target, fix fixes.Fix) (Status, error) {
	rec, err := m.store(target).Load(fix.Common().Guid)
	if errors.Is(err, manifest.ErrNotInstalled) {
		return StatusNotInstalled, nil
	}
	if err != nil {
		return "", err
	}

	base := rec.Common()
	if fixes.CompareVersions(base.Version, string(fix.Common().Version)) < 0 {
		return StatusOutdated, nil
	}
	if base.BuildID != 0 && target.BuildID != 0 && base.BuildID != target.BuildID {
		return StatusBuildChanged, nil
	}
	return StatusInstalled, nil
}

// Installed returns every record on target.
func (m *Manager) Installed(target fixes.Target) ([]manifest.Record, error) {
	return m.store(target).List()
}

func (m *Manager) install(ctx context.Context, target fixes.Target, fix fixes.Fix, opts InstallOptions) ([]string, error) {
	switch f := fix.(type) {
	case *fixes.FileFix:
		rec, err := m.files.Install(ctx, m.fileRequest(target, f, opts.Variant, opts.Force, opts.ArchivePath))
		if err != nil {
			return nil, err
		}
		return recordFiles(rec), nil
	case *fixes.RegistryFix:
		rec, err := m.registry.Install(ctx, target, f)
		if err != nil {
			return nil, err
		}
		return recordFiles(rec), nil
	case *fixes.HostsFix:
		rec, err := m.hosts.Install(ctx, target, f)
		if err != nil {
			return nil, err
		}
		return rec.Entries, nil
	case *fixes.TextFix:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, m.store(target).Save(&manifest.TextRecord{Base: recordBase(target, fix)})
	default:
		return nil, fmt.Errorf("unsupported fix type %T", fix)
	}
}

func (m *Manager) update(ctx context.Context, target fixes.Target, fix fixes.Fix, rec manifest.Record, opts UpdateOptions) ([]string, error) {
	if f, ok := fix.(*fixes.FileFix); ok {
		if old, ok := rec.(*manifest.FileRecord); ok {
			next, err := m.files.Update(ctx, m.fileRequest(target, f, opts.Variant, opts.Force, opts.ArchivePath), old)
			if err != nil {
				return nil, err
			}
			return recordFiles(next), nil
		}
	}

	// Registry, hosts and text fixes are replaced whole. The previous state
	// is put back when the new one cannot be applied.
	if err := m.uninstall(ctx, target, rec); err != nil {
		return nil, err
	}
	files, err := m.install(ctx, target, fix, InstallOptions{
		Variant:     opts.Variant,
		Force:       opts.Force,
		ArchivePath: opts.ArchivePath,
	})
	if err == nil {
		return files, nil
	}
	if prev := descriptorFor(rec); prev != nil {
		if _, rbErr := m.install(context.WithoutCancel(ctx), target, prev, InstallOptions{}); rbErr != nil {
			return nil, errors.Join(err, fmt.Errorf("restore previous version: %w", rbErr))
		}
	}
	return nil, err
}

func (m *Manager) uninstall(ctx context.Context, target fixes.Target, rec manifest.Record) error {
	switch r := rec.(type) {
	case *manifest.FileRecord:
		return m.files.Uninstall(ctx, target, r)
	case *manifest.RegistryRecord:
		return m.registry.Uninstall(ctx, target, r)
	case *manifest.HostsRecord:
		return m.hosts.Uninstall(ctx, target, r)
	case *manifest.TextRecord:
		if err := ctx.Err(); err != nil {
			return err
		}
		store := m.store(target)
		if err := store.Delete(r.Guid); err != nil {
			return err
		}
		store.RemoveIfEmpty()
		return nil
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
}

func (m *Manager) fileRequest(target fixes.Target, fix *fixes.FileFix, variant string, force bool, archivePath string) filefix.Request {
	req := filefix.Request{
		Target:      target,
		Fix:         fix,
		Variant:     variant,
		Force:       force,
		ArchivePath: archivePath,
	}
	if fix.SharedFixGuid != nil {
		if s, ok := m.catalog.SharedFix(*fix.SharedFixGuid); ok {
			req.Shared = s
		}
	}
	return req
}

func (m *Manager) checkDependencies(target fixes.Target, fix fixes.Fix) (Result, bool) {
	installed, err := m.store(target).InstalledSet()
	if err != nil {
		return failure(err), false
	}
	unmet := deps.New(m.catalog.FixesFor(target.ID), installed).UninstalledDependenciesOf(fix)
	if len(unmet) > 0 {
		return dependencyResult(fmt.Sprintf("%s needs fixes that are not installed", fix.Common().Name), unmet), false
	}
	return Result{}, true
}

func (m *Manager) runPreflight(ctx context.Context, target fixes.Target, fix fixes.Fix) error {
	if m.preflight == nil || fix.Kind() != fixes.KindFile {
		return nil
	}
	result := preflight.Run(ctx, target.Root, *m.preflight)
	if err := result.FirstError(); err != nil {
		log.Warnw("preflight failed", logging.KeyFixGuid, fix.Common().Guid.String(), logging.KeyError, err)
		return err
	}
	return nil
}

// acquire takes the gate of root, waiting until it is free or ctx is done.
func (m *Manager) acquire(ctx context.Context, root string) (func(), error) {
	key := filepath.Clean(root)
	m.mu.Lock()
	gate, ok := m.gates[key]
	if !ok {
		gate = semaphore.NewWeighted(1)
		m.gates[key] = gate
	}
	m.mu.Unlock()

	if err := gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { gate.Release(1) }, nil
}

func (m *Manager) store(target fixes.Target) *manifest.Store {
	return manifest.NewStore(target.Root, m.env.BackupRootName)
}

func runnable(fix fixes.Fix) (Result, bool) {
	base := fix.Common()
	if base.IsDisabled {
		return Result{Kind: Unsupported, Message: fmt.Sprintf("%s is disabled", base.Name)}, false
	}
	if !fixes.SupportedHere(fix) {
		return Result{Kind: Unsupported, Message: fmt.Sprintf("%s does not support this operating system", base.Name)}, false
	}
	return Result{}, true
}

// permitted rejects fixes that edit system state when the process is not
// elevated.
func (m *Manager) permitted(fix fixes.Fix) (Result, bool) {
	if m.env.IsAdmin || !privilege.RequiresElevation(fix) {
		return Result{}, true
	}
	return Result{
		Kind:    AdminRequired,
		Message: fmt.Sprintf("%s needs administrator rights", fix.Common().Name),
		Fixes:   []uuid.UUID{fix.Common().Guid},
	}, false
}

func alreadyInstalled(fix fixes.Fix) Result {
	return Result{
		Kind:    AlreadyInstalled,
		Message: fmt.Sprintf("%s is already installed", fix.Common().Name),
		Fixes:   []uuid.UUID{fix.Common().Guid},
	}
}

func dependencyResult(message string, list []fixes.Fix) Result {
	guids := make([]uuid.UUID, 0, len(list))
	for _, f := range list {
		guids = append(guids, f.Common().Guid)
	}
	return Result{Kind: DependencyUnmet, Message: message, Fixes: guids}
}

func errorDetails(err error) map[string]any {
	return map[string]any{
		"kind":  string(Classify(err)),
		"error": err.Error(),
	}
}

func recordBase(target fixes.Target, fix fixes.Fix) manifest.Base {
	return manifest.Base{
		BuildID: target.BuildID,
		GameID:  target.ID,
		Guid:    fix.Common().Guid,
		Version: string(fix.Common().Version),
	}
}

// recordFiles lists what a record touched, including its nested shared fix.
func recordFiles(rec manifest.Record) []string {
	switch r := rec.(type) {
	case *manifest.FileRecord:
		files := r.Files()
		if r.InstalledSharedFix != nil {
			files = append(files, r.InstalledSharedFix.Files()...)
		}
		return files
	case *manifest.RegistryRecord:
		return []string{r.Key + `\` + r.ValueName}
	case *manifest.HostsRecord:
		return r.Entries
	default:
		return nil
	}
}

// descriptorFor rebuilds the descriptor that produced a non-file record.
func descriptorFor(rec manifest.Record) fixes.Fix {
	base := fixes.Base{Guid: rec.Common().Guid, Version: fixes.Version(rec.Common().Version)}
	switch r := rec.(type) {
	case *manifest.RegistryRecord:
		return &fixes.RegistryFix{
			Base:         base,
			Key:          r.Key,
			ValueName:    r.ValueName,
			NewValueData: r.NewValueData,
			ValueType:    r.ValueType,
		}
	case *manifest.HostsRecord:
		return &fixes.HostsFix{Base: base, Entries: append([]string(nil), r.Entries...)}
	case *manifest.TextRecord:
		return &fixes.TextFix{Base: base}
	default:
		return nil
	}
}
