// Package vault keeps the pre-install copies of files a fix overwrites,
// backs up or deletes, under <root>/<backupRoot>/<folder>/<key>.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("vault")

// Mode selects how a file enters the vault.
type Mode int

const (
	// Copy leaves the original in place.
	Copy Mode = iota
	// Move takes the original out of the target tree.
	Move
)

// Resolver maps a vault key to the absolute path of the file it preserves.
type Resolver func(key string) (string, error)

// Vault is the backup folder of one fix.
type Vault struct {
	root    string
	dir     string
	resolve Resolver
}

// New returns the vault for folder under root's backup root. Keys are
// root-relative slash paths unless a Resolver is set.
func New(root, backupRoot, folder string) *Vault {
	v := &Vault{
		root: root,
		dir:  filepath.Join(root, backupRoot, folder),
	}
	v.resolve = func(key string) (string, error) {
		return fsutil.ContainedPath(v.root, key)
	}
	return v
}

// WithResolver replaces the key resolver and returns the vault.
func (v *Vault) WithResolver(r Resolver) *Vault {
	v.resolve = r
	return v
}

// FolderName is the backup folder name used for a fix.
func FolderName(fixName string) string {
	name := strings.ToLower(strings.TrimSpace(fixName))
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "fix"
	}
	return name
}

// Dir is the vault's directory.
func (v *Vault) Dir() string {
	return v.dir
}

// Exists reports whether the vault directory exists.
func (v *Vault) Exists() bool {
	return fsutil.Exists(v.dir)
}

// Has reports whether key is already preserved.
func (v *Vault) Has(key string) bool {
	p, err := fsutil.ContainedPath(v.dir, key)
	return err == nil && fsutil.Exists(p)
}

// BackupIfNeeded preserves the file behind key. It returns the backup path and
// whether this call stored it. Missing originals and keys already preserved
// are not backed up again.
func (v *Vault) BackupIfNeeded(key string, mode Mode) (string, bool, error) {
	src, err := v.resolve(key)
	if err != nil {
		return "", false, err
	}
	dest, err := fsutil.ContainedPath(v.dir, key)
	if err != nil {
		return "", false, err
	}
	if fsutil.Exists(dest) {
		return dest, false, nil
	}

	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.IsDir() {
		return "", false, nil
	}

	switch mode {
	case Move:
		err = fsutil.MoveFile(src, dest)
	default:
		err = fsutil.CopyFile(src, dest)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to back up %s: %w", key, err)
	}

	log.Debugw("file backed up", "key", key, "move", mode == Move)
	return dest, true, nil
}

// RestoreFile moves the preserved copy of key back into place and drops it
// from the vault. A key with no backup is a no-op.
func (v *Vault) RestoreFile(key string) error {
	backup, err := fsutil.ContainedPath(v.dir, key)
	if err != nil {
		return err
	}
	if !fsutil.Exists(backup) {
		return nil
	}
	dest, err := v.resolve(key)
	if err != nil {
		return err
	}
	if err := fsutil.MoveFile(backup, dest); err != nil {
		return fmt.Errorf("failed to restore %s: %w", key, err)
	}
	fsutil.CleanupEmptyDirs(v.dir, filepath.Dir(backup))
	if fsutil.IsEmptyDir(v.dir) {
		_ = os.Remove(v.dir)
	}
	return nil
}

// Discard drops the preserved copy of key without restoring it.
func (v *Vault) Discard(key string) error {
	backup, err := fsutil.ContainedPath(v.dir, key)
	if err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard backup of %s: %w", key, err)
	}
	fsutil.CleanupEmptyDirs(v.dir, filepath.Dir(backup))
	if fsutil.IsEmptyDir(v.dir) {
		_ = os.Remove(v.dir)
	}
	return nil
}

// Keys lists every preserved key, sorted.
func (v *Vault) Keys() ([]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	var keys []string
	err := filepath.WalkDir(v.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(v.dir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Restore puts every preserved file back and removes the vault directory.
// It is a no-op when nothing was backed up. Every key is attempted; failures
// are joined and the vault is kept when any occurred.
func (v *Vault) Restore() error {
	keys, err := v.Keys()
	if err != nil {
		return err
	}

	var errs []error
	for _, key := range keys {
		if err := v.RestoreFile(key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := os.RemoveAll(v.dir); err != nil {
		return fmt.Errorf("failed to remove backup folder: %w", err)
	}
	if len(keys) > 0 {
		log.Infow("backups restored", "folder", filepath.Base(v.dir), "files", len(keys))
	}
	return nil
}
