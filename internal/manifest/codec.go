package manifest

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/breeze-rmm/gamefix/internal/fixes"
)

func (r *FileRecord) MarshalJSON() ([]byte, error) {
	type alias FileRecord
	cp := *r
	if cp.CreatedDirs == nil {
		cp.CreatedDirs = []string{}
	}
	return json.Marshal(struct {
		Type fixes.Kind `json:"$type"`
		*alias
	}{fixes.KindFile, (*alias)(&cp)})
}

// UnmarshalJSON decodes a file record. Records written before CreatedDirs
// existed treat every tracked directory as created by the fix.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	type alias FileRecord
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return err
	}
	var created struct {
		CreatedDirs json.RawMessage `json:"CreatedDirs"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return err
	}
	if raw := string(created.CreatedDirs); raw == "" || raw == "null" {
		r.CreatedDirs = nil
		for _, d := range r.Dirs() {
			r.MarkCreated(d)
		}
	}
	return nil
}

func (r *RegistryRecord) MarshalJSON() ([]byte, error) {
	type alias RegistryRecord
	return json.Marshal(struct {
		Type fixes.Kind `json:"$type"`
		*alias
	}{fixes.KindRegistry, (*alias)(r)})
}

func (r *HostsRecord) MarshalJSON() ([]byte, error) {
	type alias HostsRecord
	return json.Marshal(struct {
		Type fixes.Kind `json:"$type"`
		*alias
	}{fixes.KindHosts, (*alias)(r)})
}

func (r *TextRecord) MarshalJSON() ([]byte, error) {
	type alias TextRecord
	return json.Marshal(struct {
		Type fixes.Kind `json:"$type"`
		*alias
	}{fixes.KindText, (*alias)(r)})
}

// Encode serializes a record for persistence.
func Encode(rec Record) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}

// Decode reads a persisted record. Manifests written before the "$type"
// discriminator existed are file fixes.
func Decode(data []byte) (Record, error) {
	var head struct {
		Type fixes.Kind `json:"$type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to read record type: %w", err)
	}

	var rec Record
	switch head.Type {
	case fixes.KindFile, "":
		rec = &FileRecord{}
	case fixes.KindRegistry:
		rec = &RegistryRecord{}
	case fixes.KindHosts:
		rec = &HostsRecord{}
	case fixes.KindText:
		rec = &TextRecord{}
	default:
		return nil, fmt.Errorf("unknown record type %q", head.Type)
	}

	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", rec.Kind(), err)
	}
	return rec, nil
}
