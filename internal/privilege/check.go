// Package privilege decides whether a fix needs an elevated process and
// whether the current process is one.
package privilege

import (
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/regfix"
)

// RequiresElevation returns true if installing or removing fix needs
// root/admin privileges. Hosts edits always do; registry edits do when the
// key lives in a machine-wide hive.
func RequiresElevation(fix fixes.Fix) bool {
	switch f := fix.(type) {
	case *fixes.HostsFix:
		return true
	case *fixes.RegistryFix:
		return regfix.RequiresAdmin(f.Key)
	default:
		return false
	}
}
