package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("manifest")

const recordExt = ".json"

// ErrNotInstalled is returned when no record exists for a fix.
var ErrNotInstalled = errors.New("fix is not installed")

// Store persists one record file per fix guid under a target's backup root.
type Store struct {
	dir string
}

// NewStore returns the store for the target rooted at root.
func NewStore(root, backupRootName string) *Store {
	return &Store{dir: filepath.Join(root, backupRootName)}
}

// Dir is the backup root holding records and backup folders.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record file path for guid.
func (s *Store) Path(guid uuid.UUID) string {
	return filepath.Join(s.dir, guid.String()+recordExt)
}

// Load reads the record for guid, or ErrNotInstalled.
func (s *Store) Load(guid uuid.UUID) (Record, error) {
	data, err := os.ReadFile(s.Path(guid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", guid, ErrNotInstalled)
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return Decode(data)
}

// IsInstalled reports whether a record file exists for guid.
func (s *Store) IsInstalled(guid uuid.UUID) bool {
	_, err := os.Stat(s.Path(guid))
	return err == nil
}

// Save writes rec atomically: temp file, fsync, rename over the old record.
func (s *Store) Save(rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup root: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, s.Path(rec.Common().Guid))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}

	log.Debugw("record saved", logging.KeyFixGuid, rec.Common().Guid.String(), "kind", string(rec.Kind()))
	return nil
}

// Delete removes the record for guid. Missing records are not an error.
func (s *Store) Delete(guid uuid.UUID) error {
	if err := os.Remove(s.Path(guid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every installed record, ordered by guid.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup root: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := uuid.Parse(strings.TrimSuffix(name, recordExt)); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var records []Record
	var errs []error
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		rec, err := Decode(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

// InstalledSet returns the guids of every installed record.
func (s *Store) InstalledSet() (map[uuid.UUID]bool, error) {
	records, err := s.List()
	set := make(map[uuid.UUID]bool, len(records))
	for _, rec := range records {
		set[rec.Common().Guid] = true
	}
	return set, err
}

// RemoveIfEmpty deletes the backup root when nothing is left in it.
func (s *Store) RemoveIfEmpty() {
	entries, err := os.ReadDir(s.dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(s.dir); err != nil {
		log.Debugw("backup root not removed", "path", s.dir, logging.KeyError, err)
	}
}
