package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/gamefix/internal/fixes"
)

var testGuid = uuid.MustParse("c0650f19-f670-4f8a-8545-70f6c5171fa5")

func strPtr(s string) *string { return &s }

func TestFileRecordJSONShape(t *testing.T) {
	rec := &FileRecord{
		BackupFolder:     strPtr("test_fix"),
		WineDllOverrides: []string{"dxgi=n,b"},
		Base:             Base{BuildID: 1, GameID: 1, Guid: testGuid, Version: "1.0"},
	}
	rec.AddFile("install folder/start game.exe", 446523244, "")
	rec.AddDir("install folder")

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"$type": "FileFix",
		"BackupFolder": "test_fix",
		"FilesList": {"install folder/start game.exe": 446523244, "install folder/": null},
		"CreatedDirs": [],
		"InstalledSharedFix": null,
		"WineDllOverrides": ["dxgi=n,b"],
		"BuildId": 1,
		"GameId": 1,
		"Guid": "c0650f19-f670-4f8a-8545-70f6c5171fa5",
		"Version": "1.0"
	}`, string(data))
}

func TestDecodeLegacyFilesListArray(t *testing.T) {
	data := []byte(`{
		"$type": "FileFix",
		"BackupFolder": null,
		"FilesList": ["install folder/", "install folder/start game.exe"],
		"InstalledSharedFix": null,
		"WineDllOverrides": null,
		"BuildId": 1,
		"GameId": 1,
		"Guid": "c0650f19-f670-4f8a-8545-70f6c5171fa5",
		"Version": "1.0"
	}`)

	rec, err := Decode(data)
	require.NoError(t, err)

	file, ok := rec.(*FileRecord)
	require.True(t, ok)
	assert.Nil(t, file.BackupFolder)
	assert.Equal(t, FileList{"install folder/": nil, "install folder/start game.exe": nil}, file.FilesList)
	assert.Equal(t, []string{"install folder/start game.exe"}, file.Files())
	assert.Equal(t, []string{"install folder/"}, file.Dirs())
	assert.True(t, file.Created("install folder/"))
}

func TestDecodeLegacyBackslashKeys(t *testing.T) {
	rec, err := Decode([]byte(`{
		"FilesList": ["a\\b.txt", "a\\", "a\\c\\", "a\\c\\d.dll"],
		"Guid": "c0650f19-f670-4f8a-8545-70f6c5171fa5",
		"Version": "1"
	}`))
	require.NoError(t, err)

	file := rec.(*FileRecord)
	assert.Equal(t, []string{"a/b.txt", "a/c/d.dll"}, file.Files())
	assert.Equal(t, []string{"a/c/", "a/"}, file.Dirs())
	assert.Equal(t, []string{"a/", "a/c/"}, file.CreatedDirs)
}

func TestDecodeBackslashMapKeys(t *testing.T) {
	rec, err := Decode([]byte(`{
		"$type": "FileFix",
		"FilesList": {"bin\\mod.asi": 4, "bin\\": null},
		"CreatedDirs": [],
		"Guid": "c0650f19-f670-4f8a-8545-70f6c5171fa5"
	}`))
	require.NoError(t, err)

	file := rec.(*FileRecord)
	require.Contains(t, file.FilesList, "bin/mod.asi")
	assert.Equal(t, int64(4), *file.FilesList["bin/mod.asi"])
	assert.Equal(t, []string{"bin/"}, file.Dirs())
	assert.False(t, file.Created("bin/"))
}

func TestCreatedDirsRoundTrip(t *testing.T) {
	rec := &FileRecord{Base: Base{Guid: testGuid}}
	rec.AddDir("mods")
	rec.AddDir("mods/new")
	rec.MarkCreated("mods/new")
	rec.MarkCreated("mods/new/")

	data, err := Encode(rec)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)

	file := back.(*FileRecord)
	assert.Equal(t, []string{"mods/new/"}, file.CreatedDirs)
	assert.True(t, file.Created("mods/new"))
	assert.False(t, file.Created("mods/"))
}

func TestDecodeRecordWithoutTypeIsFileRecord(t *testing.T) {
	rec, err := Decode([]byte(`{"FilesList": {}, "Guid": "c0650f19-f670-4f8a-8545-70f6c5171fa5", "Version": "1"}`))
	require.NoError(t, err)
	assert.Equal(t, fixes.KindFile, rec.Kind())
}

func TestNestedSharedRecordRoundTrip(t *testing.T) {
	shared := &FileRecord{Base: Base{Guid: uuid.New(), Version: "2.0"}}
	shared.AddFile("shared/lib.dll", 10, "sha256:aa")

	rec := &FileRecord{InstalledSharedFix: shared, Base: Base{Guid: testGuid, Version: "1"}}
	data, err := Encode(rec)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	file := back.(*FileRecord)
	require.NotNil(t, file.InstalledSharedFix)
	assert.Equal(t, shared.Guid, file.SharedGuid())
	assert.Equal(t, "sha256:aa", file.InstalledSharedFix.Checksums["shared/lib.dll"])
}

func TestVariantRecordsRoundTrip(t *testing.T) {
	records := []Record{
		&RegistryRecord{Key: `HKEY_CURRENT_USER\Software\Test`, ValueName: "v", NewValueData: "1", ValueType: fixes.RegistryDword, OriginalValue: strPtr("0"), Base: Base{Guid: uuid.New()}},
		&HostsRecord{Entries: []string{"0.0.0.0 a.example"}, Base: Base{Guid: uuid.New()}},
		&TextRecord{Base: Base{Guid: uuid.New(), Version: "3"}},
	}
	for _, rec := range records {
		data, err := Encode(rec)
		require.NoError(t, err)
		back, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, rec, back)
	}
}

func TestDirsOrderedDeepestFirst(t *testing.T) {
	rec := &FileRecord{}
	rec.AddDir("a")
	rec.AddDir("a/b/c")
	rec.AddDir("a/b")
	assert.Equal(t, []string{"a/b/c/", "a/b/", "a/"}, rec.Dirs())
}

func TestCloneIsDeep(t *testing.T) {
	rec := &FileRecord{BackupFolder: strPtr("x"), Base: Base{Guid: testGuid}}
	rec.AddFile("a.txt", 3, "sha256:01")

	clone := rec.Clone()
	clone.AddFile("b.txt", 1, "")
	*clone.BackupFolder = "y"
	*clone.FilesList["a.txt"] = 99

	assert.Len(t, rec.FilesList, 1)
	assert.Equal(t, "x", *rec.BackupFolder)
	assert.Equal(t, int64(3), *rec.FilesList["a.txt"])
}

func TestStoreSaveLoadListDelete(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, ".gamefix_backup")

	_, err := store.Load(testGuid)
	require.ErrorIs(t, err, ErrNotInstalled)
	assert.False(t, store.IsInstalled(testGuid))

	rec := &FileRecord{Base: Base{Guid: testGuid, GameID: 1, Version: "1.0"}}
	rec.AddFile("install folder/start game.exe", 5, "")
	require.NoError(t, store.Save(rec))
	assert.True(t, store.IsInstalled(testGuid))

	// Backup folders and stray files are not records.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "test_fix"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.json"), []byte("{}"), 0o644))

	loaded, err := store.Load(testGuid)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)

	set, err := store.InstalledSet()
	require.NoError(t, err)
	assert.True(t, set[testGuid])

	require.NoError(t, store.Delete(testGuid))
	require.NoError(t, store.Delete(testGuid))
	assert.False(t, store.IsInstalled(testGuid))
}

func TestStoreRemoveIfEmpty(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, ".gamefix_backup")
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))

	store.RemoveIfEmpty()
	_, err := os.Stat(store.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "install folder/start game.exe", Key(`install folder\start game.exe`, false))
	assert.Equal(t, "install folder/", Key("install folder/", true))
}
