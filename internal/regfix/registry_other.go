//go:build !windows

package regfix

import "github.com/breeze-rmm/gamefix/internal/fixes"

type unsupportedRegistry struct{}

// System returns the registry of the running OS. Outside Windows every call
// fails with ErrUnsupported.
func System() Registry {
	return unsupportedRegistry{}
}

func (unsupportedRegistry) GetValue(key, name string) (string, fixes.RegistryValueType, error) {
	return "", "", ErrUnsupported
}

func (unsupportedRegistry) SetValue(key, name, data string, typ fixes.RegistryValueType) error {
	return ErrUnsupported
}

func (unsupportedRegistry) DeleteValue(key, name string) error {
	return ErrUnsupported
}

func (unsupportedRegistry) KeyExists(key string) (bool, error) {
	return false, ErrUnsupported
}

func (unsupportedRegistry) DeleteKey(key string) error {
	return ErrUnsupported
}
