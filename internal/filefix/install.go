package filefix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/breeze-rmm/gamefix/internal/archive"
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/patch"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/source"
	"github.com/breeze-rmm/gamefix/internal/vault"
)

const deltaExt = ".octodelta"

// tree is one fix payload to lay down: the main fix or its shared fix.
type tree struct {
	fix     *fixes.FileFix
	folder  string
	variant string
	archive string
	force   bool
}

// staged is an extracted archive waiting to be copied into the target.
type staged struct {
	dir     string
	entries []archive.Entry
}

func (s *staged) cleanup() {
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}

// Install lays down req.Fix and, when needed, its shared fix, then writes the
// fix record. On error nothing is left behind.
func (in *Installer) Install(ctx context.Context, req Request) (*manifest.FileRecord, error) {
	o := in.newOp(ctx, req.Target, req.Fix.Guid, req.Fix.Name)
	rec, err := o.install(req)
	if err != nil {
		return nil, o.fail(err)
	}
	o.j.commit()

	log.Infow("fix installed",
		logging.KeyFixGuid, rec.Guid.String(),
		logging.KeyFixName, req.Fix.Name,
		logging.KeyGameID, req.Target.ID,
		"files", len(rec.Files()),
		"shared", rec.InstalledSharedFix != nil)
	o.rep.Report(progress.PhaseDone, 1, 1, "installed")
	return rec, nil
}

func (o *op) install(req Request) (*manifest.FileRecord, error) {
	rec, v, err := o.installTree(tree{
		fix:     req.Fix,
		folder:  req.Fix.InstallFolder,
		variant: req.Variant,
		archive: req.ArchivePath,
		force:   req.Force,
	})
	if err != nil {
		return nil, err
	}

	if req.Fix.SharedFixGuid != nil {
		nested, err := o.attachShared(req)
		if err != nil {
			return nil, err
		}
		rec.InstalledSharedFix = nested
	}

	if err := o.deleteFiles(rec, v, req.Fix.FilesToDelete); err != nil {
		return nil, err
	}
	finalize(rec, v)

	if err := o.checkCtx(); err != nil {
		return nil, err
	}
	if err := o.store.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// attachShared returns the nested record for the fix's shared fix, installing
// the shared fix only when no other installed fix already brought it in.
func (o *op) attachShared(req Request) (*manifest.FileRecord, error) {
	guid := *req.Fix.SharedFixGuid
	existing, err := o.coord.Installed(guid, req.Fix.Guid)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Infow("shared fix already installed", logging.KeyFixGuid, req.Fix.Guid.String(), "shared", guid.String())
		return existing, nil
	}

	if req.Shared == nil || req.Shared.Guid != guid {
		return nil, fmt.Errorf("%s: %w", guid, ErrSharedFixMissing)
	}
	folder := req.Fix.SharedFixInstallFolder
	if folder == "" {
		folder = req.Shared.InstallFolder
	}

	sharedOp := *o
	sharedOp.rep = o.rep.For(req.Shared.Guid, req.Shared.Name)
	nested, v, err := sharedOp.installTree(tree{
		fix:     req.Shared,
		folder:  folder,
		archive: req.SharedArchivePath,
		force:   req.Force,
	})
	if err != nil {
		return nil, fmt.Errorf("shared fix %s: %w", req.Shared.Name, err)
	}
	if err := o.deleteFiles(nested, v, req.Shared.FilesToDelete); err != nil {
		return nil, err
	}
	finalize(nested, v)
	return nested, nil
}

// installTree stages the fix archive and copies it into the target,
// preserving every file it displaces.
func (o *op) installTree(t tree) (*manifest.FileRecord, *vault.Vault, error) {
	st, err := o.stage(t)
	if err != nil {
		return nil, nil, err
	}
	defer st.cleanup()

	rec := newRecord(o.target, t.fix)
	v := o.vaultFor(vault.FolderName(t.fix.Name))
	prefix := folderKey(t.folder)
	patches := keySet(t.fix.FilesToPatch)

	for _, p := range t.fix.FilesToBackup {
		key := manifest.Key(p, false)
		if patches[key] {
			continue
		}
		if err := o.backupCopy(v, key); err != nil {
			return nil, nil, err
		}
	}

	if err := o.ensureDir(rec, prefix); err != nil {
		return nil, nil, err
	}
	for i, e := range st.entries {
		if err := o.checkCtx(); err != nil {
			return nil, nil, err
		}
		key := path.Join(prefix, e.Rel)
		if e.IsDir {
			err = o.ensureDir(rec, key)
		} else {
			err = o.placeFile(rec, v, key, filepath.Join(st.dir, filepath.FromSlash(e.Rel)), e.Size)
		}
		if err != nil {
			return nil, nil, err
		}
		o.rep.Report(progress.PhaseInstalling, i+1, len(st.entries), key)
	}

	for _, key := range sortedKeys(patches) {
		if err := o.checkCtx(); err != nil {
			return nil, nil, err
		}
		if err := o.applyPatch(rec, v, key); err != nil {
			return nil, nil, err
		}
	}
	return rec, v, nil
}

// stage locates, checks and extracts the archive of t. A fix without an
// archive stages nothing.
func (o *op) stage(t tree) (*staged, error) {
	if t.variant != "" && !t.fix.HasVariant(t.variant) {
		return nil, fmt.Errorf("%q: %w", t.variant, ErrUnknownVariant)
	}
	if t.variant == "" && len(t.fix.Variants) > 0 {
		return nil, ErrVariantRequired
	}

	archivePath := t.archive
	if archivePath == "" {
		if t.fix.Url == "" {
			return &staged{}, nil
		}
		archivePath = source.StagedPath(o.in.cfg.StagingDir, t.fix.Url)
	}
	if !fsutil.Exists(archivePath) {
		return nil, fmt.Errorf("%s: %w", archivePath, ErrSourceMissing)
	}

	o.rep.Report(progress.PhaseHashing, 0, 1, filepath.Base(archivePath))
	if err := hashutil.Verify(o.ctx, archivePath, t.fix.ExpectedHash()); err != nil {
		if !t.force || !errors.Is(err, hashutil.ErrHashMismatch) {
			return nil, err
		}
		log.Warnw("archive hash mismatch ignored", logging.KeyFixGuid, t.fix.Guid.String(), logging.KeyError, err)
	}

	dir, err := os.MkdirTemp(o.in.cfg.TempDir, "gamefix-stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	st := &staged{dir: dir}

	entries, err := archive.Extract(o.ctx, archivePath, dir, archive.Options{
		Variant: t.variant,
		Progress: func(done, total int) {
			o.rep.Report(progress.PhaseExtracting, done, total, "")
		},
	})
	if err != nil {
		st.cleanup()
		return nil, err
	}
	st.entries = entries
	return st, nil
}

// ensureDir records key as a directory of the fix, creating it when absent.
// Directories it creates are marked so uninstall removes only those.
func (o *op) ensureDir(rec *manifest.FileRecord, key string) error {
	if isBaseKey(key) {
		return nil
	}
	p, err := o.resolve(key)
	if err != nil {
		return err
	}
	rec.AddDir(key)

	info, err := os.Stat(p)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s: a file is in the way of a fix directory", key)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", key, err)
	}

	for parent := path.Dir(key); parent != "." && !isBaseKey(parent); parent = path.Dir(parent) {
		pp, err := o.resolve(parent)
		if err != nil {
			return err
		}
		if fsutil.Exists(pp) {
			break
		}
		rec.AddDir(parent)
		rec.MarkCreated(parent)
	}
	rec.MarkCreated(key)

	existing := filepath.Dir(p)
	for !fsutil.Exists(existing) && existing != filepath.Dir(existing) {
		existing = filepath.Dir(existing)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	o.j.add("create "+key, func() error {
		if fsutil.IsEmptyDir(p) {
			if err := os.Remove(p); err != nil {
				return err
			}
		}
		fsutil.CleanupEmptyDirs(existing, filepath.Dir(p))
		return nil
	})
	return nil
}

// placeFile copies src to key, moving any file already there into the vault.
func (o *op) placeFile(rec *manifest.FileRecord, v *vault.Vault, key, src string, size int64) error {
	dest, err := o.resolve(key)
	if err != nil {
		return err
	}

	info, err := os.Lstat(dest)
	existed := err == nil
	if existed && info.IsDir() {
		return fmt.Errorf("%s: a directory is in the way of a fix file", key)
	}
	if existed {
		if _, _, err := v.BackupIfNeeded(key, vault.Move); err != nil {
			return err
		}
	}
	o.j.add("write "+key, func() error {
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if existed {
			return v.RestoreFile(key)
		}
		return nil
	})

	if err := fsutil.CopyFile(src, dest); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	sum, err := hashutil.Checksum(o.ctx, dest)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", key, err)
	}
	rec.AddFile(key, size, sum)
	return nil
}

// backupCopy preserves a copy of key, leaving the original in place.
func (o *op) backupCopy(v *vault.Vault, key string) error {
	_, stored, err := v.BackupIfNeeded(key, vault.Copy)
	if err != nil {
		return err
	}
	if stored {
		o.j.add("back up "+key, func() error { return v.Discard(key) })
	}
	return nil
}

// applyPatch preserves the original of key and rewrites it with the delta
// that the archive placed next to it.
func (o *op) applyPatch(rec *manifest.FileRecord, v *vault.Vault, key string) error {
	target, err := o.resolve(key)
	if err != nil {
		return err
	}
	if !fsutil.Exists(target) {
		return fmt.Errorf("file to patch %s: %w", key, ErrSourceMissing)
	}
	delta := target + deltaExt
	if !fsutil.Exists(delta) {
		return fmt.Errorf("delta for %s: %w", key, ErrSourceMissing)
	}

	_, stored, err := v.BackupIfNeeded(key, vault.Copy)
	if err != nil {
		return err
	}
	o.j.add("patch "+key, func() error {
		if stored {
			return v.RestoreFile(key)
		}
		return nil
	})

	if err := patch.ApplyFileTo(target, delta, target); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	sum, err := hashutil.Checksum(o.ctx, target)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", key, err)
	}
	rec.AddFile(key, info.Size(), sum)
	return nil
}

// deleteFiles moves each listed root-relative file into the vault. A file
// the fix itself just wrote is dropped from rec as well.
func (o *op) deleteFiles(rec *manifest.FileRecord, v *vault.Vault, paths []string) error {
	for _, key := range sortedKeys(keySet(paths)) {
		if err := o.checkCtx(); err != nil {
			return err
		}
		p, err := o.resolve(key)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if errors.Is(err, os.ErrNotExist) {
			log.Debugw("file to delete not present", "key", key)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", key, err)
		}
		if info.IsDir() {
			continue
		}
		if _, written := rec.FilesList[key]; written {
			if err := o.j.trash(p); err != nil {
				return err
			}
			rec.RemoveEntry(key)
			continue
		}

		_, stored, err := v.BackupIfNeeded(key, vault.Move)
		if err != nil {
			return err
		}
		if stored {
			o.j.add("delete "+key, func() error { return v.RestoreFile(key) })
			continue
		}
		if err := o.j.trash(p); err != nil {
			return err
		}
	}
	return nil
}
