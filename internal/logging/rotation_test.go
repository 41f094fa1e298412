package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesPastMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gamefix.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer rw.Close()

	chunk := []byte(strings.Repeat("x", 700*1024))
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	require.NoError(t, err, "first backup should exist after rotation")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriterAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamefix.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	rw, err := NewRotatingWriter(path, 0, 0)
	require.NoError(t, err)
	_, err = rw.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
	assert.Equal(t, path, rw.Path())
}
