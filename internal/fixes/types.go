// Package fixes holds the fix descriptors supplied by the catalog and the
// target installation they apply to. Descriptors are immutable input to the
// engine; the set of variants is closed.
package fixes

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind discriminates fix variants. It is also the "$type" value on the wire.
type Kind string

const (
	KindFile     Kind = "FileFix"
	KindRegistry Kind = "RegistryFix"
	KindHosts    Kind = "HostsFix"
	KindText     Kind = "TextFix"
)

// Path tokens accepted at the start of FileFix.InstallFolder.
const (
	TokenDocuments    = "{documents}"
	TokenLocalAppData = "{localappdata}"
	TokenGameFolder   = "{gamefolder}"
)

// OSFlags is a bit set of operating systems a fix supports.
type OSFlags int

const (
	OSWindows OSFlags = 1 << iota
	OSLinux

	OSAll = OSWindows | OSLinux
)

// Supports reports whether goos is in the set. An empty set means any OS.
func (f OSFlags) Supports(goos string) bool {
	if f == 0 {
		return true
	}
	switch goos {
	case "windows":
		return f&OSWindows != 0
	case "linux":
		return f&OSLinux != 0
	default:
		return false
	}
}

// Version is a fix version. The catalog sends either a number or a string.
type Version string

func (v *Version) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Version(s)
		return nil
	}
	if string(data) == "null" {
		*v = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = Version(n.String())
	return nil
}

func (v Version) String() string {
	return string(v)
}

// Target describes one installed application the engine applies fixes to.
// It is owned by the catalog; the engine only reads it.
type Target struct {
	ID            int    `json:"GameId"`
	Name          string `json:"GameName"`
	Root          string `json:"InstallDir"`
	BuildID       int    `json:"BuildId"`
	TargetBuildID int    `json:"TargetBuildId,omitempty"`
}

// Fix is implemented by *FileFix, *RegistryFix, *HostsFix and *TextFix only.
type Fix interface {
	Common() *Base
	Kind() Kind
	isFix()
}

// Base carries the fields shared by every fix variant.
type Base struct {
	Guid         uuid.UUID   `json:"Guid"`
	Name         string      `json:"Name"`
	Version      Version     `json:"Version"`
	SupportedOS  OSFlags     `json:"SupportedOSes,omitempty"`
	IsDisabled   bool        `json:"IsDisabled,omitempty"`
	Dependencies []uuid.UUID `json:"Dependencies,omitempty"`
	Tags         []string    `json:"Tags,omitempty"`
	Description  string      `json:"Description,omitempty"`
}

func (b *Base) Common() *Base { return b }

// FileFix replaces, adds, deletes or patches files in the target directory.
type FileFix struct {
	Base

	Url                    string     `json:"Url"`
	FileSize               int64      `json:"FileSize,omitempty"`
	MD5                    string     `json:"MD5,omitempty"`
	Sha256                 string     `json:"Sha256,omitempty"`
	InstallFolder          string     `json:"InstallFolder,omitempty"`
	FilesToDelete          []string   `json:"FilesToDelete,omitempty"`
	FilesToBackup          []string   `json:"FilesToBackup,omitempty"`
	FilesToPatch           []string   `json:"FilesToPatch,omitempty"`
	WineDllOverrides       []string   `json:"WineDllOverrides,omitempty"`
	Variants               []string   `json:"Variants,omitempty"`
	SharedFixGuid          *uuid.UUID `json:"SharedFixGuid,omitempty"`
	SharedFixInstallFolder string     `json:"SharedFixInstallFolder,omitempty"`
	RunAfterInstall        string     `json:"RunAfterInstall,omitempty"`
}

func (*FileFix) Kind() Kind { return KindFile }
func (*FileFix) isFix()     {}

// ExpectedHash returns the declared archive hash in "algo:hex" form, or "".
// SHA-256 wins when both are declared.
func (f *FileFix) ExpectedHash() string {
	switch {
	case f.Sha256 != "":
		return "sha256:" + strings.ToLower(f.Sha256)
	case f.MD5 != "":
		return "md5:" + strings.ToLower(f.MD5)
	default:
		return ""
	}
}

// HasVariant reports whether name is one of the fix's variants.
func (f *FileFix) HasVariant(name string) bool {
	for _, v := range f.Variants {
		if v == name {
			return true
		}
	}
	return false
}

// RegistryValueType is the type of value a RegistryFix writes.
type RegistryValueType string

const (
	RegistryString RegistryValueType = "String"
	RegistryDword  RegistryValueType = "Dword"
)

// RegistryFix writes one registry value.
type RegistryFix struct {
	Base

	Key          string            `json:"Key"`
	ValueName    string            `json:"ValueName"`
	NewValueData string            `json:"NewValueData"`
	ValueType    RegistryValueType `json:"ValueType"`
}

func (*RegistryFix) Kind() Kind { return KindRegistry }
func (*RegistryFix) isFix()     {}

// HostsFix appends lines to the system hosts file.
type HostsFix struct {
	Base

	Entries []string `json:"Entries"`
}

func (*HostsFix) Kind() Kind { return KindHosts }
func (*HostsFix) isFix()     {}

// TextFix is display-only; installing it only marks it installed.
type TextFix struct {
	Base

	Text string `json:"Text,omitempty"`
}

func (*TextFix) Kind() Kind { return KindText }
func (*TextFix) isFix()     {}

// SupportedHere reports whether fix can run on the current OS.
func SupportedHere(fix Fix) bool {
	return fix.Common().SupportedOS.Supports(runtime.GOOS)
}

// CompareVersions orders two fix versions. Semantic versions compare
// numerically ("1.10" > "1.9"); anything else falls back to string order.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	ia, errA := strconv.Atoi(a)
	ib, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
