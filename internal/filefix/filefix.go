// Package filefix installs, updates, uninstalls and verifies file fixes.
//
// Every change to the target tree is journaled. An operation that fails or
// is cancelled is undone before it returns, and the fix record is written
// only after all file work succeeded.
package filefix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/shared"
	"github.com/breeze-rmm/gamefix/internal/vault"
)

var log = logging.L("filefix")

var (
	// ErrSourceMissing is returned when the archive, or a file a delta applies to, is absent.
	ErrSourceMissing = errors.New("source file missing")
	// ErrVariantRequired is returned when a fix has variants and none was chosen.
	ErrVariantRequired = errors.New("fix has variants, one must be selected")
	// ErrUnknownVariant is returned when the chosen variant is not offered by the fix.
	ErrUnknownVariant = errors.New("unknown variant")
	// ErrSharedFixMissing is returned when a referenced shared fix is not in the catalog.
	ErrSharedFixMissing = errors.New("shared fix not found")
)

// Config holds the target-independent settings of an Installer.
type Config struct {
	BackupRootName  string
	StagingDir      string
	TempDir         string
	DocumentsDir    string
	LocalAppDataDir string
	VerifyWorkers   int
}

// Installer applies file fixes to target installations.
type Installer struct {
	cfg      Config
	progress progress.Callback
}

// New creates an Installer. cb may be nil.
func New(cfg Config, cb progress.Callback) *Installer {
	if cfg.VerifyWorkers < 1 {
		cfg.VerifyWorkers = 4
	}
	return &Installer{cfg: cfg, progress: cb}
}

// Request describes one install or update.
type Request struct {
	Target fixes.Target
	Fix    *fixes.FileFix
	// Shared is the descriptor of Fix.SharedFixGuid, nil when the fix has none.
	Shared  *fixes.FileFix
	Variant string
	Force   bool
	// ArchivePath overrides the staged archive location of Fix.
	ArchivePath string
	// SharedArchivePath overrides the staged archive location of Shared.
	SharedArchivePath string
}

// op is the state of one running operation against one target.
type op struct {
	ctx    context.Context
	in     *Installer
	target fixes.Target
	store  *manifest.Store
	coord  *shared.Coordinator
	j      *journal
	rep    *progress.Reporter
}

func (in *Installer) newOp(ctx context.Context, target fixes.Target, guid uuid.UUID, name string) *op {
	store := manifest.NewStore(target.Root, in.cfg.BackupRootName)
	return &op{
		ctx:    ctx,
		in:     in,
		target: target,
		store:  store,
		coord:  shared.New(store),
		j:      newJournal(store.Dir()),
		rep:    progress.NewReporter(in.progress, guid, name),
	}
}

// fail undoes the operation and returns err with any undo failures joined
// after it.
func (o *op) fail(err error) error {
	o.rep.Report(progress.PhaseRollingBack, 0, len(o.j.steps), err.Error())
	rbErr := o.j.rollback()
	o.store.RemoveIfEmpty()
	if rbErr != nil {
		log.Errorw("rollback incomplete", logging.KeyError, err, "rollbackError", rbErr)
		return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
	}
	log.Warnw("operation rolled back", logging.KeyError, err)
	return err
}

// folderKey turns an install folder into the key prefix of its files.
// Token folders keep their token as the first key element.
func folderKey(folder string) string {
	folder = strings.ReplaceAll(strings.TrimSpace(folder), "\\", "/")
	if strings.HasPrefix(folder, fixes.TokenGameFolder) {
		folder = strings.TrimPrefix(folder, fixes.TokenGameFolder)
	}
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return ""
	}
	return path.Clean(folder)
}

// resolve maps a key to an absolute path.
func (o *op) resolve(key string) (string, error) {
	base := o.target.Root
	rel := key
	for token, dir := range map[string]string{
		fixes.TokenDocuments:    o.in.cfg.DocumentsDir,
		fixes.TokenLocalAppData: o.in.cfg.LocalAppDataDir,
	} {
		if key == token || strings.HasPrefix(key, token+"/") {
			if dir == "" {
				return "", fmt.Errorf("no directory configured for %s", token)
			}
			base, rel = dir, strings.TrimPrefix(strings.TrimPrefix(key, token), "/")
			break
		}
	}
	if rel == "" {
		return filepath.Abs(base)
	}
	return fsutil.ContainedPath(base, rel)
}

func (o *op) vaultFor(folder string) *vault.Vault {
	return vault.New(o.target.Root, o.in.cfg.BackupRootName, folder).WithResolver(o.resolve)
}

func (o *op) checkCtx() error {
	return o.ctx.Err()
}

func newRecord(target fixes.Target, fix *fixes.FileFix) *manifest.FileRecord {
	rec := &manifest.FileRecord{
		FilesList:   manifest.FileList{},
		CreatedDirs: []string{},
		Base: manifest.Base{
			BuildID: target.BuildID,
			GameID:  target.ID,
			Guid:    fix.Guid,
			Version: string(fix.Version),
		},
	}
	if len(fix.WineDllOverrides) > 0 {
		rec.WineDllOverrides = append([]string(nil), fix.WineDllOverrides...)
	}
	return rec
}

// finalize records the backup folder when anything was preserved.
func finalize(rec *manifest.FileRecord, v *vault.Vault) {
	if v.Exists() {
		name := filepath.Base(v.Dir())
		rec.BackupFolder = &name
	} else {
		rec.BackupFolder = nil
	}
}

func keySet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		set[manifest.Key(p, false)] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// mergeDirs returns the directory keys the records created, deepest first.
func mergeDirs(records ...*manifest.FileRecord) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, rec := range records {
		if rec == nil {
			continue
		}
		for _, d := range rec.Dirs() {
			if rec.Created(d) && !seen[d] {
				seen[d] = true
				dirs = append(dirs, d)
			}
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})
	return dirs
}

// isBaseKey reports whether key names the target root or a token directory.
// Those are never created or removed by the installer.
func isBaseKey(key string) bool {
	key = strings.TrimSuffix(key, "/")
	return key == "" || key == "." || key == fixes.TokenDocuments || key == fixes.TokenLocalAppData
}

// removeEmptyDirs deletes each directory key that exists and is empty.
func (o *op) removeEmptyDirs(dirs []string) {
	for _, key := range dirs {
		if isBaseKey(key) {
			continue
		}
		p, err := o.resolve(strings.TrimSuffix(key, "/"))
		if err != nil {
			log.Warnw("skipping directory", "key", key, logging.KeyError, err)
			continue
		}
		if !fsutil.IsEmptyDir(p) {
			continue
		}
		if err := os.Remove(p); err != nil {
			log.Warnw("failed to remove directory", "path", p, logging.KeyError, err)
		}
	}
}
