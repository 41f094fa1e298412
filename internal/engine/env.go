package engine

import (
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/breeze-rmm/gamefix/internal/hostsfix"
	"github.com/breeze-rmm/gamefix/internal/privilege"
	"github.com/breeze-rmm/gamefix/internal/regfix"
)

// Env holds the settings shared by every target the engine works on.
type Env struct {
	// BackupRootName is the directory under each target root holding records and backups.
	BackupRootName string
	// StagingDir holds downloaded fix archives.
	StagingDir string
	// TempDir is where archives are extracted; empty means the OS temp dir.
	TempDir         string
	HostsPath       string
	IsAdmin         bool
	DocumentsDir    string
	LocalAppDataDir string
	// Registry is the registry backend; nil selects the system registry.
	Registry      regfix.Registry
	VerifyWorkers int
}

// DefaultEnv returns the Env of the current user and process.
func DefaultEnv() Env {
	return Env{
		BackupRootName:  ".gamefix_backup",
		StagingDir:      filepath.Join(xdg.CacheHome, "gamefix", "staging"),
		HostsPath:       hostsfix.DefaultPath(),
		IsAdmin:         privilege.IsElevated(),
		DocumentsDir:    xdg.UserDirs.Documents,
		LocalAppDataDir: xdg.DataHome,
		VerifyWorkers:   4,
	}
}
