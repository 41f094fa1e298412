// Package manifest models the Installed Fix Record: the persisted proof of what
// an installation changed. A record exists iff its fix is installed.
package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/fixes"
)

// Record is implemented by *FileRecord, *RegistryRecord, *HostsRecord and *TextRecord.
type Record interface {
	Common() *Base
	Kind() fixes.Kind
	isRecord()
}

// Base holds the fields every record carries.
type Base struct {
	BuildID int       `json:"BuildId"`
	GameID  int       `json:"GameId"`
	Guid    uuid.UUID `json:"Guid"`
	Version string    `json:"Version"`
}

func (b *Base) Common() *Base { return b }

// FileList maps a root-relative slash path to its byte size. Directories end
// in "/" and map to nil, as do files of unknown size.
type FileList map[string]*int64

// UnmarshalJSON accepts both the map shape and the legacy array of paths.
// Keys are normalized to slash form; a trailing separator marks a directory.
func (l *FileList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var paths []string
		if err := json.Unmarshal(data, &paths); err != nil {
			return fmt.Errorf("legacy files list: %w", err)
		}
		out := make(FileList, len(paths))
		for _, p := range paths {
			if k, ok := normalizeKey(p); ok {
				out[k] = nil
			}
		}
		*l = out
		return nil
	}

	var m map[string]*int64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(FileList, len(m))
	for p, size := range m {
		if k, ok := normalizeKey(p); ok {
			out[k] = size
		}
	}
	*l = out
	return nil
}

func normalizeKey(p string) (string, bool) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.Trim(slashed, "/. ") == "" {
		return "", false
	}
	return Key(slashed, strings.HasSuffix(slashed, "/")), true
}

// IsDirEntry reports whether a FilesList key names a directory.
func IsDirEntry(key string) bool {
	return strings.HasSuffix(key, "/")
}

// FileRecord is the record of an installed FileFix. CreatedDirs holds the
// directory keys the fix created, sorted; only those are removed on
// uninstall.
type FileRecord struct {
	BackupFolder       *string           `json:"BackupFolder"`
	FilesList          FileList          `json:"FilesList"`
	Checksums          map[string]string `json:"Checksums,omitempty"`
	CreatedDirs        []string          `json:"CreatedDirs"`
	InstalledSharedFix *FileRecord       `json:"InstalledSharedFix"`
	WineDllOverrides   []string          `json:"WineDllOverrides"`
	Base
}

func (*FileRecord) Kind() fixes.Kind { return fixes.KindFile }
func (*FileRecord) isRecord()        {}

// AddFile records a written file with its size and checksum.
func (r *FileRecord) AddFile(key string, size int64, checksum string) {
	if r.FilesList == nil {
		r.FilesList = FileList{}
	}
	s := size
	r.FilesList[key] = &s
	if checksum != "" {
		if r.Checksums == nil {
			r.Checksums = map[string]string{}
		}
		r.Checksums[key] = checksum
	}
}

// AddDir records a directory entry; key gets a trailing slash.
func (r *FileRecord) AddDir(key string) {
	if r.FilesList == nil {
		r.FilesList = FileList{}
	}
	key = strings.TrimSuffix(key, "/") + "/"
	if _, ok := r.FilesList[key]; !ok {
		r.FilesList[key] = nil
	}
}

// MarkCreated records that the fix created directory key.
func (r *FileRecord) MarkCreated(key string) {
	key = strings.TrimSuffix(key, "/") + "/"
	i := sort.SearchStrings(r.CreatedDirs, key)
	if i < len(r.CreatedDirs) && r.CreatedDirs[i] == key {
		return
	}
	r.CreatedDirs = append(r.CreatedDirs, "")
	copy(r.CreatedDirs[i+1:], r.CreatedDirs[i:])
	r.CreatedDirs[i] = key
}

// Created reports whether the fix created directory key.
func (r *FileRecord) Created(key string) bool {
	key = strings.TrimSuffix(key, "/") + "/"
	i := sort.SearchStrings(r.CreatedDirs, key)
	return i < len(r.CreatedDirs) && r.CreatedDirs[i] == key
}

// RemoveEntry drops a key from the files list and checksums.
func (r *FileRecord) RemoveEntry(key string) {
	delete(r.FilesList, key)
	delete(r.Checksums, key)
}

// Files returns the tracked file keys, sorted.
func (r *FileRecord) Files() []string {
	var out []string
	for k := range r.FilesList {
		if !IsDirEntry(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Dirs returns the tracked directory keys, deepest first.
func (r *FileRecord) Dirs() []string {
	var out []string
	for k := range r.FilesList {
		if IsDirEntry(k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

// SharedGuid returns the guid of the nested shared fix, or uuid.Nil.
func (r *FileRecord) SharedGuid() uuid.UUID {
	if r.InstalledSharedFix == nil {
		return uuid.Nil
	}
	return r.InstalledSharedFix.Guid
}

// Clone returns a deep copy, used when another parent references the same shared fix.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.BackupFolder != nil {
		bf := *r.BackupFolder
		out.BackupFolder = &bf
	}
	if r.FilesList != nil {
		out.FilesList = make(FileList, len(r.FilesList))
		for k, v := range r.FilesList {
			if v != nil {
				s := *v
				out.FilesList[k] = &s
			} else {
				out.FilesList[k] = nil
			}
		}
	}
	if r.Checksums != nil {
		out.Checksums = make(map[string]string, len(r.Checksums))
		for k, v := range r.Checksums {
			out.Checksums[k] = v
		}
	}
	if r.CreatedDirs != nil {
		out.CreatedDirs = append([]string{}, r.CreatedDirs...)
	}
	out.WineDllOverrides = append([]string(nil), r.WineDllOverrides...)
	out.InstalledSharedFix = r.InstalledSharedFix.Clone()
	return &out
}

// RegistryRecord is the record of an installed RegistryFix. CreatedKeys
// lists the keys the fix had to create, deepest first.
type RegistryRecord struct {
	Key               string                  `json:"Key"`
	ValueName         string                  `json:"ValueName"`
	NewValueData      string                  `json:"NewValueData"`
	ValueType         fixes.RegistryValueType `json:"ValueType"`
	OriginalValue     *string                 `json:"OriginalValue"`
	OriginalValueType fixes.RegistryValueType `json:"OriginalValueType,omitempty"`
	CreatedKeys       []string                `json:"CreatedKeys,omitempty"`
	Base
}

func (*RegistryRecord) Kind() fixes.Kind { return fixes.KindRegistry }
func (*RegistryRecord) isRecord()        {}

// HostsRecord is the record of an installed HostsFix.
type HostsRecord struct {
	Entries []string `json:"Entries"`
	Base
}

func (*HostsRecord) Kind() fixes.Kind { return fixes.KindHosts }
func (*HostsRecord) isRecord()        {}

// TextRecord marks a TextFix as installed.
type TextRecord struct {
	Base
}

func (*TextRecord) Kind() fixes.Kind { return fixes.KindText }
func (*TextRecord) isRecord()        {}

// Key converts an OS path relative to the target root into a FilesList key.
func Key(rel string, isDir bool) string {
	key := path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if isDir {
		return key + "/"
	}
	return key
}
