//go:build windows

package regfix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"

	"github.com/breeze-rmm/gamefix/internal/fixes"
)

type windowsRegistry struct{}

// System returns the registry of the running OS.
func System() Registry {
	return windowsRegistry{}
}

func (windowsRegistry) GetValue(key, name string) (string, fixes.RegistryValueType, error) {
	k, err := openKey(key, registry.QUERY_VALUE, false)
	if errors.Is(err, registry.ErrNotExist) {
		return "", "", ErrValueNotFound
	}
	if err != nil {
		return "", "", err
	}
	defer k.Close()

	_, valType, err := k.GetValue(name, nil)
	if errors.Is(err, registry.ErrNotExist) {
		return "", "", ErrValueNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query value: %w", err)
	}

	switch valType {
	case registry.DWORD, registry.QWORD:
		n, _, err := k.GetIntegerValue(name)
		if err != nil {
			return "", "", err
		}
		return strconv.FormatUint(n, 10), fixes.RegistryDword, nil
	case registry.SZ, registry.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		if err != nil {
			return "", "", err
		}
		return s, fixes.RegistryString, nil
	default:
		return "", "", fmt.Errorf("value %s has unsupported type %d", name, valType)
	}
}

func (windowsRegistry) SetValue(key, name, data string, typ fixes.RegistryValueType) error {
	k, err := openKey(key, registry.SET_VALUE, true)
	if err != nil {
		return err
	}
	defer k.Close()

	switch typ {
	case fixes.RegistryDword:
		n, err := parseDword(data)
		if err != nil {
			return err
		}
		return k.SetDWordValue(name, n)
	default:
		return k.SetStringValue(name, data)
	}
}

func (windowsRegistry) DeleteValue(key, name string) error {
	k, err := openKey(key, registry.SET_VALUE, false)
	if errors.Is(err, registry.ErrNotExist) {
		return ErrValueNotFound
	}
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return ErrValueNotFound
		}
		return err
	}
	return nil
}

func (windowsRegistry) KeyExists(key string) (bool, error) {
	k, err := openKey(key, registry.QUERY_VALUE, false)
	if errors.Is(err, registry.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	k.Close()
	return true, nil
}

// DeleteKey removes key when it holds no values and no subkeys.
func (windowsRegistry) DeleteKey(key string) error {
	k, err := openKey(key, registry.QUERY_VALUE|registry.ENUMERATE_SUB_KEYS, false)
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	info, err := k.Stat()
	k.Close()
	if err != nil {
		return fmt.Errorf("failed to stat key %s: %w", key, err)
	}
	if info.SubKeyCount > 0 || info.ValueCount > 0 {
		return ErrKeyNotEmpty
	}

	hive, path, _ := strings.Cut(key, `\`)
	root, err := resolveRoot(hive)
	if err != nil {
		return err
	}
	if err := registry.DeleteKey(root, path); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}

func parseDword(data string) (uint32, error) {
	s := strings.TrimSpace(data)
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s, base = s[2:], 16
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid dword %q: %w", data, err)
	}
	return uint32(n), nil
}

func openKey(full string, access uint32, create bool) (registry.Key, error) {
	hive, path, _ := strings.Cut(full, `\`)
	root, err := resolveRoot(hive)
	if err != nil {
		return 0, err
	}
	if create {
		k, _, err := registry.CreateKey(root, path, access)
		if err != nil {
			return 0, fmt.Errorf("failed to create key %s: %w", full, err)
		}
		return k, nil
	}
	return registry.OpenKey(root, path, access)
}

func resolveRoot(hive string) (registry.Key, error) {
	switch strings.ToUpper(hive) {
	case "HKLM", "HKEY_LOCAL_MACHINE":
		return registry.LOCAL_MACHINE, nil
	case "HKCU", "HKEY_CURRENT_USER":
		return registry.CURRENT_USER, nil
	case "HKCR", "HKEY_CLASSES_ROOT":
		return registry.CLASSES_ROOT, nil
	case "HKU", "HKEY_USERS":
		return registry.USERS, nil
	case "HKCC", "HKEY_CURRENT_CONFIG":
		return registry.CURRENT_CONFIG, nil
	default:
		return 0, fmt.Errorf("unknown registry hive: %s", hive)
	}
}
