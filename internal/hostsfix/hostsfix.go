// Package hostsfix adds and removes lines in the system hosts file. A record
// holds exactly the lines its install added.
package hostsfix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
)

var log = logging.L("hostsfix")

// ErrAdminRequired is returned when the hosts file is edited without elevation.
var ErrAdminRequired = errors.New("administrator rights required to edit the hosts file")

// DefaultPath is the hosts file of the running OS.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return root + `\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// Config holds the settings of an Installer.
type Config struct {
	BackupRootName string
	HostsPath      string
	IsAdmin        bool
}

// Installer edits one hosts file.
type Installer struct {
	cfg Config
}

// New returns an Installer. An empty HostsPath selects DefaultPath.
func New(cfg Config) *Installer {
	if cfg.HostsPath == "" {
		cfg.HostsPath = DefaultPath()
	}
	return &Installer{cfg: cfg}
}

// hostsFile is the parsed hosts file with its original line ending and the
// number of line endings that closed it.
type hostsFile struct {
	lines    []string
	eol      string
	trailing int
	mode     os.FileMode
}

func (in *Installer) read() (*hostsFile, error) {
	hf := &hostsFile{eol: "\n", mode: 0o644}
	data, err := os.ReadFile(in.cfg.HostsPath)
	if errors.Is(err, os.ErrNotExist) {
		hf.trailing = 1
		return hf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}
	if info, err := os.Stat(in.cfg.HostsPath); err == nil {
		hf.mode = info.Mode().Perm()
	}

	text := string(data)
	if strings.Contains(text, "\r\n") {
		hf.eol = "\r\n"
	}
	norm := strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimRight(norm, "\n")
	hf.trailing = len(norm) - len(text)
	if text != "" {
		hf.lines = strings.Split(text, "\n")
	}
	return hf, nil
}

// write rewrites the hosts file in place; it is often a bind mount or
// otherwise not replaceable by rename.
func (in *Installer) write(hf *hostsFile) error {
	content := strings.Join(hf.lines, hf.eol) + strings.Repeat(hf.eol, hf.trailing)
	if err := os.WriteFile(in.cfg.HostsPath, []byte(content), hf.mode); err != nil {
		return fmt.Errorf("failed to write hosts file: %w", err)
	}
	return nil
}

func (hf *hostsFile) has(line string) bool {
	for _, l := range hf.lines {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

// removeOne drops the last occurrence of line.
func (hf *hostsFile) removeOne(line string) bool {
	for i := len(hf.lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(hf.lines[i]) == line {
			hf.lines = append(hf.lines[:i], hf.lines[i+1:]...)
			return true
		}
	}
	return false
}

// Install appends the entries that are not already present and records
// exactly those.
func (in *Installer) Install(ctx context.Context, target fixes.Target, fix *fixes.HostsFix) (*manifest.HostsRecord, error) {
	if !in.cfg.IsAdmin {
		return nil, ErrAdminRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hf, err := in.read()
	if err != nil {
		return nil, err
	}
	original := append([]string(nil), hf.lines...)

	rec := &manifest.HostsRecord{
		Entries: []string{},
		Base: manifest.Base{
			BuildID: target.BuildID,
			GameID:  target.ID,
			Guid:    fix.Guid,
			Version: string(fix.Version),
		},
	}
	for _, entry := range fix.Entries {
		line := strings.TrimSpace(entry)
		if line == "" || hf.has(line) {
			continue
		}
		hf.lines = append(hf.lines, line)
		rec.Entries = append(rec.Entries, line)
	}

	if len(rec.Entries) > 0 {
		if err := in.write(hf); err != nil {
			return nil, err
		}
	}

	store := manifest.NewStore(target.Root, in.cfg.BackupRootName)
	if err := store.Save(rec); err != nil {
		if len(rec.Entries) > 0 {
			hf.lines = original
			if rbErr := in.write(hf); rbErr != nil {
				return nil, errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
		}
		return nil, err
	}

	log.Infow("hosts fix installed", logging.KeyFixGuid, fix.Guid.String(), logging.KeyFixName, fix.Name, "added", len(rec.Entries))
	return rec, nil
}

// Uninstall removes one occurrence of every recorded line, then deletes the
// record. Lines the user removed already are ignored.
func (in *Installer) Uninstall(ctx context.Context, target fixes.Target, rec *manifest.HostsRecord) error {
	if !in.cfg.IsAdmin {
		return ErrAdminRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(rec.Entries) > 0 {
		hf, err := in.read()
		if err != nil {
			return err
		}
		removed := 0
		for _, line := range rec.Entries {
			if hf.removeOne(strings.TrimSpace(line)) {
				removed++
			}
		}
		if removed > 0 {
			if err := in.write(hf); err != nil {
				return err
			}
		}
		if removed < len(rec.Entries) {
			log.Warnw("some hosts entries were already gone", logging.KeyFixGuid, rec.Guid.String(), "missing", len(rec.Entries)-removed)
		}
	}

	store := manifest.NewStore(target.Root, in.cfg.BackupRootName)
	if err := store.Delete(rec.Guid); err != nil {
		return err
	}
	store.RemoveIfEmpty()

	log.Infow("hosts fix uninstalled", logging.KeyFixGuid, rec.Guid.String())
	return nil
}

// Verify returns the recorded lines missing from the hosts file.
func (in *Installer) Verify(rec *manifest.HostsRecord) ([]string, error) {
	hf, err := in.read()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, line := range rec.Entries {
		if !hf.has(strings.TrimSpace(line)) {
			missing = append(missing, line)
		}
	}
	return missing, nil
}
