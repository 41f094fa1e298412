package fixes

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type typeHeader struct {
	Type Kind `json:"$type"`
}

// DecodeFix decodes one polymorphic fix object, discriminated by "$type".
func DecodeFix(data []byte) (Fix, error) {
	var head typeHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to read fix type: %w", err)
	}

	var fix Fix
	switch head.Type {
	case KindFile:
		fix = &FileFix{}
	case KindRegistry:
		fix = &RegistryFix{}
	case KindHosts:
		fix = &HostsFix{}
	case KindText:
		fix = &TextFix{}
	case "":
		return nil, fmt.Errorf("fix is missing $type")
	default:
		return nil, fmt.Errorf("unknown fix type %q", head.Type)
	}

	if err := json.Unmarshal(data, fix); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", head.Type, err)
	}
	if fix.Common().Guid == uuid.Nil {
		return nil, fmt.Errorf("%s %q has no guid", head.Type, fix.Common().Name)
	}
	return fix, nil
}

func (f *FileFix) MarshalJSON() ([]byte, error) {
	type alias FileFix
	return json.Marshal(struct {
		Type Kind `json:"$type"`
		*alias
	}{KindFile, (*alias)(f)})
}

func (f *RegistryFix) MarshalJSON() ([]byte, error) {
	type alias RegistryFix
	return json.Marshal(struct {
		Type Kind `json:"$type"`
		*alias
	}{KindRegistry, (*alias)(f)})
}

func (f *HostsFix) MarshalJSON() ([]byte, error) {
	type alias HostsFix
	return json.Marshal(struct {
		Type Kind `json:"$type"`
		*alias
	}{KindHosts, (*alias)(f)})
}

func (f *TextFix) MarshalJSON() ([]byte, error) {
	type alias TextFix
	return json.Marshal(struct {
		Type Kind `json:"$type"`
		*alias
	}{KindText, (*alias)(f)})
}

// FixesList is the catalog entry for one game: its identity and ordered fixes.
type FixesList struct {
	GameID   int    `json:"GameId"`
	GameName string `json:"GameName"`
	Fixes    []Fix  `json:"-"`
}

type fixesListWire struct {
	GameID   int               `json:"GameId"`
	GameName string            `json:"GameName"`
	Fixes    []json.RawMessage `json:"Fixes"`
}

func (l *FixesList) UnmarshalJSON(data []byte) error {
	var wire fixesListWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	l.GameID = wire.GameID
	l.GameName = wire.GameName
	l.Fixes = make([]Fix, 0, len(wire.Fixes))
	for i, raw := range wire.Fixes {
		fix, err := DecodeFix(raw)
		if err != nil {
			return fmt.Errorf("game %d fix #%d: %w", wire.GameID, i, err)
		}
		l.Fixes = append(l.Fixes, fix)
	}
	return nil
}

func (l FixesList) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		GameID   int    `json:"GameId"`
		GameName string `json:"GameName"`
		Fixes    []Fix  `json:"Fixes"`
	}{l.GameID, l.GameName, l.Fixes})
}

// Catalog is the set of fixes lists plus the shared fixes they reference.
type Catalog struct {
	Lists  []FixesList
	Shared []*FileFix
}

// LoadCatalog reads a fixes-list file and, when sharedPath is not empty, the
// shared-fix list file.
func LoadCatalog(path, sharedPath string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	cat := &Catalog{}
	if err := json.Unmarshal(data, &cat.Lists); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	if sharedPath == "" {
		return cat, nil
	}

	data, err = os.ReadFile(sharedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read shared fixes: %w", err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse shared fixes %s: %w", sharedPath, err)
	}
	for i, raw := range raws {
		fix, err := DecodeFix(raw)
		if err != nil {
			return nil, fmt.Errorf("shared fix #%d: %w", i, err)
		}
		ff, ok := fix.(*FileFix)
		if !ok {
			return nil, fmt.Errorf("shared fix %s must be a FileFix, got %s", fix.Common().Guid, fix.Kind())
		}
		cat.Shared = append(cat.Shared, ff)
	}
	return cat, nil
}

// FixesFor returns the fixes of one game, or nil if the game is unknown.
func (c *Catalog) FixesFor(gameID int) []Fix {
	for _, l := range c.Lists {
		if l.GameID == gameID {
			return l.Fixes
		}
	}
	return nil
}

// Find looks up a fix of one game by guid.
func (c *Catalog) Find(gameID int, guid uuid.UUID) (Fix, bool) {
	for _, fix := range c.FixesFor(gameID) {
		if fix.Common().Guid == guid {
			return fix, true
		}
	}
	return nil, false
}

// FindByName looks up a fix of one game by name, falling back to guid text.
func (c *Catalog) FindByName(gameID int, name string) (Fix, bool) {
	for _, fix := range c.FixesFor(gameID) {
		if fix.Common().Name == name || fix.Common().Guid.String() == name {
			return fix, true
		}
	}
	return nil, false
}

// SharedFix returns the shared fix with the given guid.
func (c *Catalog) SharedFix(guid uuid.UUID) (*FileFix, bool) {
	for _, s := range c.Shared {
		if s.Guid == guid {
			return s, true
		}
	}
	return nil, false
}
