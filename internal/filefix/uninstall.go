package filefix

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/progress"
)

// Uninstall removes what rec installed, restores every preserved file and
// deletes the record last. The nested shared fix is removed only when no
// other installed fix references it. Directories still holding files that
// the fix did not install are kept.
func (in *Installer) Uninstall(ctx context.Context, target fixes.Target, rec *manifest.FileRecord) error {
	o := in.newOp(ctx, target, rec.Guid, "")

	if err := o.removeFiles(rec); err != nil {
		return err
	}
	if err := o.restoreVault(rec); err != nil {
		return err
	}

	dirs := []*manifest.FileRecord{rec}
	if nested := rec.InstalledSharedFix; nested != nil {
		refs, err := o.coord.RefCount(nested.Guid, rec.Guid)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := o.removeFiles(nested); err != nil {
				return fmt.Errorf("shared fix %s: %w", nested.Guid, err)
			}
			if err := o.restoreVault(nested); err != nil {
				return fmt.Errorf("shared fix %s: %w", nested.Guid, err)
			}
			dirs = append(dirs, nested)
			log.Infow("shared fix removed", "shared", nested.Guid.String(), logging.KeyFixGuid, rec.Guid.String())
		} else {
			log.Infow("shared fix still referenced", "shared", nested.Guid.String(), "references", refs)
		}
	}
	o.removeEmptyDirs(mergeDirs(dirs...))

	if err := o.store.Delete(rec.Guid); err != nil {
		return err
	}
	o.store.RemoveIfEmpty()

	log.Infow("fix uninstalled", logging.KeyFixGuid, rec.Guid.String(), logging.KeyGameID, target.ID)
	o.rep.Report(progress.PhaseDone, 1, 1, "uninstalled")
	return nil
}

// removeFiles deletes every tracked file still present.
func (o *op) removeFiles(rec *manifest.FileRecord) error {
	files := rec.Files()
	for i, key := range files {
		if err := o.checkCtx(); err != nil {
			return err
		}
		p, err := o.resolve(key)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", key, err)
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
		o.rep.Report(progress.PhaseUninstalling, i+1, len(files), key)
	}
	return nil
}

// restoreVault puts back every file preserved for rec.
func (o *op) restoreVault(rec *manifest.FileRecord) error {
	if rec.BackupFolder == nil {
		return nil
	}
	if err := o.vaultFor(*rec.BackupFolder).Restore(); err != nil {
		return fmt.Errorf("failed to restore backups: %w", err)
	}
	return nil
}

// release removes a shared fix that lost its last reference. Failures are
// logged; the parent operation has already committed.
func (o *op) release(nested *manifest.FileRecord) {
	refs, err := o.coord.RefCount(nested.Guid)
	if err != nil {
		log.Warnw("cannot count shared fix references", "shared", nested.Guid.String(), logging.KeyError, err)
		return
	}
	if refs > 0 {
		return
	}
	if err := o.removeFiles(nested); err != nil {
		log.Warnw("failed to remove shared fix files", "shared", nested.Guid.String(), logging.KeyError, err)
		return
	}
	if err := o.restoreVault(nested); err != nil {
		log.Warnw("failed to restore shared fix backups", "shared", nested.Guid.String(), logging.KeyError, err)
		return
	}
	o.removeEmptyDirs(mergeDirs(nested))
	log.Infow("shared fix released", "shared", nested.Guid.String())
}
