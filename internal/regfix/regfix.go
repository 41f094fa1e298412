// Package regfix installs and removes registry fixes. The value a fix
// replaces is stashed in its record so uninstall can put it back.
package regfix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
)

var log = logging.L("regfix")

var (
	// ErrUnsupported is returned when no registry exists on this platform.
	ErrUnsupported = errors.New("registry fixes are not supported on this platform")
	// ErrValueNotFound is returned by Registry.GetValue for absent values.
	ErrValueNotFound = errors.New("registry value not found")
	// ErrAdminRequired is returned for machine-wide keys without elevation.
	ErrAdminRequired = errors.New("administrator rights required")
	// ErrKeyNotEmpty is returned by Registry.DeleteKey for keys that still
	// hold values or subkeys.
	ErrKeyNotEmpty = errors.New("registry key not empty")
)

// Registry reads and writes single registry values. Dword data is carried
// as a decimal string. SetValue creates missing keys.
type Registry interface {
	GetValue(key, name string) (string, fixes.RegistryValueType, error)
	SetValue(key, name, data string, typ fixes.RegistryValueType) error
	DeleteValue(key, name string) error
	KeyExists(key string) (bool, error)
	DeleteKey(key string) error
}

// Config holds the settings of an Installer.
type Config struct {
	BackupRootName string
	IsAdmin        bool
}

// Installer applies registry fixes through a Registry.
type Installer struct {
	cfg Config
	reg Registry
}

// New returns an Installer. A nil reg selects the system registry.
func New(cfg Config, reg Registry) *Installer {
	if reg == nil {
		reg = System()
	}
	return &Installer{cfg: cfg, reg: reg}
}

// RequiresAdmin reports whether key lives in a machine-wide hive.
func RequiresAdmin(key string) bool {
	hive, _, _ := strings.Cut(key, `\`)
	switch strings.ToUpper(hive) {
	case "HKEY_LOCAL_MACHINE", "HKLM", "HKEY_USERS", "HKU", "HKEY_CLASSES_ROOT", "HKCR":
		return true
	}
	return false
}

// Expand replaces the game folder token with the target root.
func Expand(s string, target fixes.Target) string {
	return strings.ReplaceAll(s, fixes.TokenGameFolder, target.Root)
}

// Install writes the fix value and saves a record holding the value it
// replaced. When the record cannot be saved the old value is put back.
func (in *Installer) Install(ctx context.Context, target fixes.Target, fix *fixes.RegistryFix) (*manifest.RegistryRecord, error) {
	if err := in.checkAccess(fix.Key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	valueType := fix.ValueType
	if valueType == "" {
		valueType = fixes.RegistryString
	}
	rec := &manifest.RegistryRecord{
		Key:          fix.Key,
		ValueName:    Expand(fix.ValueName, target),
		NewValueData: Expand(fix.NewValueData, target),
		ValueType:    valueType,
		Base: manifest.Base{
			BuildID: target.BuildID,
			GameID:  target.ID,
			Guid:    fix.Guid,
			Version: string(fix.Version),
		},
	}

	original, originalType, err := in.reg.GetValue(rec.Key, rec.ValueName)
	switch {
	case err == nil:
		rec.OriginalValue = &original
		rec.OriginalValueType = originalType
	case errors.Is(err, ErrValueNotFound):
		created, err := in.missingKeys(rec.Key)
		if err != nil {
			return nil, err
		}
		rec.CreatedKeys = created
	default:
		return nil, fmt.Errorf("failed to read %s\\%s: %w", rec.Key, rec.ValueName, err)
	}

	if err := in.reg.SetValue(rec.Key, rec.ValueName, rec.NewValueData, rec.ValueType); err != nil {
		return nil, fmt.Errorf("failed to write %s\\%s: %w", rec.Key, rec.ValueName, err)
	}

	store := manifest.NewStore(target.Root, in.cfg.BackupRootName)
	if err := store.Save(rec); err != nil {
		if rbErr := in.restore(rec); rbErr != nil {
			return nil, errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return nil, err
	}

	log.Infow("registry fix installed",
		logging.KeyFixGuid, fix.Guid.String(),
		logging.KeyFixName, fix.Name,
		"key", rec.Key,
		"value", rec.ValueName,
		"hadOriginal", rec.OriginalValue != nil)
	return rec, nil
}

// Uninstall restores the stashed value, or deletes the value when none
// existed, then deletes the record.
func (in *Installer) Uninstall(ctx context.Context, target fixes.Target, rec *manifest.RegistryRecord) error {
	if err := in.checkAccess(rec.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := in.restore(rec); err != nil {
		return err
	}

	store := manifest.NewStore(target.Root, in.cfg.BackupRootName)
	if err := store.Delete(rec.Guid); err != nil {
		return err
	}
	store.RemoveIfEmpty()

	log.Infow("registry fix uninstalled", logging.KeyFixGuid, rec.Guid.String(), "key", rec.Key, "value", rec.ValueName)
	return nil
}

// Verify reports whether the registry still holds the value the fix wrote.
func (in *Installer) Verify(rec *manifest.RegistryRecord) (bool, error) {
	value, _, err := in.reg.GetValue(rec.Key, rec.ValueName)
	if errors.Is(err, ErrValueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == rec.NewValueData, nil
}

func (in *Installer) restore(rec *manifest.RegistryRecord) error {
	if rec.OriginalValue != nil {
		typ := rec.OriginalValueType
		if typ == "" {
			typ = rec.ValueType
		}
		if err := in.reg.SetValue(rec.Key, rec.ValueName, *rec.OriginalValue, typ); err != nil {
			return fmt.Errorf("failed to restore %s\\%s: %w", rec.Key, rec.ValueName, err)
		}
		return nil
	}
	if err := in.reg.DeleteValue(rec.Key, rec.ValueName); err != nil && !errors.Is(err, ErrValueNotFound) {
		return fmt.Errorf("failed to delete %s\\%s: %w", rec.Key, rec.ValueName, err)
	}
	for _, key := range rec.CreatedKeys {
		err := in.reg.DeleteKey(key)
		if errors.Is(err, ErrKeyNotEmpty) {
			log.Debugw("registry key kept, no longer empty", "key", key)
			break
		}
		if err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	return nil
}

// missingKeys returns key and those of its ancestors that do not exist yet,
// deepest first. The hive itself is never included.
func (in *Installer) missingKeys(key string) ([]string, error) {
	var missing []string
	for {
		parent, _, ok := cutLast(key)
		if !ok {
			return missing, nil
		}
		exists, err := in.reg.KeyExists(key)
		if err != nil {
			return nil, fmt.Errorf("failed to open key %s: %w", key, err)
		}
		if exists {
			return missing, nil
		}
		missing = append(missing, key)
		key = parent
	}
}

func cutLast(key string) (string, string, bool) {
	i := strings.LastIndex(key, `\`)
	if i < 0 {
		return key, "", false
	}
	return key[:i], key[i+1:], true
}

func (in *Installer) checkAccess(key string) error {
	if RequiresAdmin(key) && !in.cfg.IsAdmin {
		return fmt.Errorf("%s: %w", key, ErrAdminRequired)
	}
	return nil
}
