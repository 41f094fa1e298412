package filefix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/vault"
)

// Update moves an installed fix from old to req.Fix by applying only the
// difference: files gone from the new archive are removed and their
// originals restored, unchanged files are not touched, changed and new
// files are written. The record is replaced last.
func (in *Installer) Update(ctx context.Context, req Request, old *manifest.FileRecord) (*manifest.FileRecord, error) {
	o := in.newOp(ctx, req.Target, req.Fix.Guid, req.Fix.Name)
	rec, after, err := o.update(req, old)
	if err != nil {
		return nil, o.fail(err)
	}
	o.j.commit()
	for _, fn := range after {
		fn()
	}

	log.Infow("fix updated",
		logging.KeyFixGuid, rec.Guid.String(),
		logging.KeyFixName, req.Fix.Name,
		"from", old.Version,
		"to", rec.Version)
	o.rep.Report(progress.PhaseDone, 1, 1, "updated")
	return rec, nil
}

func (o *op) update(req Request, old *manifest.FileRecord) (*manifest.FileRecord, []func(), error) {
	rec, v, err := o.updateTree(tree{
		fix:     req.Fix,
		folder:  req.Fix.InstallFolder,
		variant: req.Variant,
		archive: req.ArchivePath,
		force:   req.Force,
	}, old)
	if err != nil {
		return nil, nil, err
	}

	var after []func()
	oldNested := old.InstalledSharedFix
	switch {
	case req.Fix.SharedFixGuid == nil:
		if oldNested != nil {
			after = append(after, func() { o.release(oldNested) })
		}

	case oldNested != nil && oldNested.Guid == *req.Fix.SharedFixGuid:
		if req.Shared == nil || fixes.CompareVersions(string(req.Shared.Version), oldNested.Version) == 0 {
			rec.InstalledSharedFix = oldNested.Clone()
			break
		}
		folder := req.Fix.SharedFixInstallFolder
		if folder == "" {
			folder = req.Shared.InstallFolder
		}
		sharedOp := *o
		sharedOp.rep = o.rep.For(req.Shared.Guid, req.Shared.Name)
		nested, nv, err := sharedOp.updateTree(tree{
			fix:     req.Shared,
			folder:  folder,
			archive: req.SharedArchivePath,
			force:   req.Force,
		}, oldNested)
		if err != nil {
			return nil, nil, fmt.Errorf("shared fix %s: %w", req.Shared.Name, err)
		}
		if err := o.deleteFiles(nested, nv, req.Shared.FilesToDelete); err != nil {
			return nil, nil, err
		}
		finalize(nested, nv)
		rec.InstalledSharedFix = nested
		after = append(after, func() {
			if _, err := o.coord.Rewrite(nested, req.Fix.Guid); err != nil {
				log.Warnw("failed to rewrite shared fix references", "shared", nested.Guid.String(), logging.KeyError, err)
			}
		})

	default:
		nested, err := o.attachShared(req)
		if err != nil {
			return nil, nil, err
		}
		rec.InstalledSharedFix = nested
		if oldNested != nil {
			after = append(after, func() { o.release(oldNested) })
		}
	}

	if err := o.deleteFiles(rec, v, req.Fix.FilesToDelete); err != nil {
		return nil, nil, err
	}
	finalize(rec, v)

	var stale []string
	for _, dir := range mergeDirs(old) {
		if _, ok := rec.FilesList[dir]; !ok {
			stale = append(stale, dir)
		}
	}
	if len(stale) > 0 {
		after = append(after, func() { o.removeEmptyDirs(stale) })
	}

	if err := o.checkCtx(); err != nil {
		return nil, nil, err
	}
	if err := o.store.Save(rec); err != nil {
		return nil, nil, err
	}
	return rec, after, nil
}

// updateTree brings the files of one fix payload from old to t.
func (o *op) updateTree(t tree, old *manifest.FileRecord) (*manifest.FileRecord, *vault.Vault, error) {
	st, err := o.stage(t)
	if err != nil {
		return nil, nil, err
	}
	defer st.cleanup()

	rec := newRecord(o.target, t.fix)
	folder := vault.FolderName(t.fix.Name)
	if old.BackupFolder != nil {
		folder = *old.BackupFolder
	}
	v := o.vaultFor(folder)
	prefix := folderKey(t.folder)
	patches := keySet(t.fix.FilesToPatch)

	incoming := map[string]bool{}
	for _, e := range st.entries {
		if !e.IsDir {
			incoming[path.Join(prefix, e.Rel)] = true
		}
	}

	for _, p := range t.fix.FilesToBackup {
		key := manifest.Key(p, false)
		if patches[key] {
			continue
		}
		if err := o.backupCopy(v, key); err != nil {
			return nil, nil, err
		}
	}

	for _, key := range old.Files() {
		if err := o.checkCtx(); err != nil {
			return nil, nil, err
		}
		if incoming[key] || patches[key] {
			continue
		}
		if err := o.retire(v, key); err != nil {
			return nil, nil, err
		}
	}

	if err := o.ensureDir(rec, prefix); err != nil {
		return nil, nil, err
	}
	changed := 0
	for i, e := range st.entries {
		if err := o.checkCtx(); err != nil {
			return nil, nil, err
		}
		key := path.Join(prefix, e.Rel)
		src := filepath.Join(st.dir, filepath.FromSlash(e.Rel))
		switch {
		case e.IsDir:
			err = o.ensureDir(rec, key)
		case hasEntry(old, key):
			var kept bool
			kept, err = o.keepIfUnchanged(rec, old, key, src)
			if err == nil && !kept {
				changed++
				err = o.overwrite(rec, key, src, e.Size)
			}
		default:
			changed++
			err = o.placeFile(rec, v, key, src, e.Size)
		}
		if err != nil {
			return nil, nil, err
		}
		o.rep.Report(progress.PhaseUpdating, i+1, len(st.entries), key)
	}

	for _, key := range sortedKeys(patches) {
		if err := o.checkCtx(); err != nil {
			return nil, nil, err
		}
		deltaKey := key + deltaExt
		deltaSame := old.Checksums[deltaKey] != "" && old.Checksums[deltaKey] == rec.Checksums[deltaKey]
		switch {
		case hasEntry(old, key) && deltaSame:
			carry(rec, old, key)
			continue
		case hasEntry(old, key):
			if err := o.retire(v, key); err != nil {
				return nil, nil, err
			}
		}
		changed++
		if err := o.applyPatch(rec, v, key); err != nil {
			return nil, nil, err
		}
	}

	for _, d := range rec.Dirs() {
		if old.Created(d) {
			rec.MarkCreated(d)
		}
	}

	log.Debugw("fix tree updated", logging.KeyFixGuid, t.fix.Guid.String(), "changed", changed, "files", len(rec.Files()))
	return rec, v, nil
}

func hasEntry(rec *manifest.FileRecord, key string) bool {
	_, ok := rec.FilesList[key]
	return ok
}

// carry copies the entry of key from old into rec.
func carry(rec, old *manifest.FileRecord, key string) {
	var size int64
	if s := old.FilesList[key]; s != nil {
		size = *s
	}
	rec.AddFile(key, size, old.Checksums[key])
	if old.FilesList[key] == nil {
		rec.FilesList[key] = nil
	}
}

// keepIfUnchanged carries key forward untouched when the installed file
// still has the content the new archive would write.
func (o *op) keepIfUnchanged(rec, old *manifest.FileRecord, key, src string) (bool, error) {
	dest, err := o.resolve(key)
	if err != nil {
		return false, err
	}
	if !fsutil.Exists(dest) {
		return false, nil
	}

	want, err := hashutil.Checksum(o.ctx, src)
	if err != nil {
		return false, err
	}
	have := old.Checksums[key]
	if have == "" {
		if have, err = hashutil.Checksum(o.ctx, dest); err != nil {
			return false, err
		}
	}
	if have != want {
		return false, nil
	}

	var size int64
	if s := old.FilesList[key]; s != nil {
		size = *s
	} else if info, err := os.Stat(dest); err == nil {
		size = info.Size()
	}
	rec.AddFile(key, size, want)
	return true, nil
}

// overwrite replaces a file the fix itself installed. The vault keeps the
// pre-install original, so the old content is only set aside until commit.
func (o *op) overwrite(rec *manifest.FileRecord, key, src string, size int64) error {
	dest, err := o.resolve(key)
	if err != nil {
		return err
	}
	if fsutil.Exists(dest) {
		if err := o.j.trash(dest); err != nil {
			return err
		}
	}
	o.j.add("write "+key, func() error {
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
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

// retire removes a file the new version no longer ships and puts back the
// original it displaced, if any.
func (o *op) retire(v *vault.Vault, key string) error {
	p, err := o.resolve(key)
	if err != nil {
		return err
	}
	if fsutil.Exists(p) {
		if err := o.j.trash(p); err != nil {
			return err
		}
	}
	if !v.Has(key) {
		return nil
	}
	if err := v.RestoreFile(key); err != nil {
		return err
	}
	o.j.add("restore "+key, func() error {
		_, _, err := v.BackupIfNeeded(key, vault.Move)
		return err
	})
	return nil
}
