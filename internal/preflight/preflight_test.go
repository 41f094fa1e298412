package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withProcesses(t *testing.T, procs []RunningProcess, err error) {
	t.Helper()
	orig := listProcesses
	listProcesses = func(context.Context) ([]RunningProcess, error) { return procs, err }
	t.Cleanup(func() { listProcesses = orig })
}

func TestRunPasses(t *testing.T) {
	root := t.TempDir()
	withProcesses(t, []RunningProcess{{PID: 10, Name: "other", Exe: "/usr/bin/other"}}, nil)

	result := Run(context.Background(), root, Options{MinFreeBytes: 1, CheckRunning: true})
	assert.True(t, result.OK)
	assert.Len(t, result.Checks, 3)
	assert.NoError(t, result.FirstError())
}

func TestRunMissingRoot(t *testing.T) {
	result := Run(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{CheckRunning: true})
	assert.False(t, result.OK)
	require.Len(t, result.Checks, 1)

	var pfErr *ErrPreflightFailed
	require.True(t, errors.As(result.FirstError(), &pfErr))
	assert.Equal(t, CheckTargetRoot, pfErr.Check)
}

func TestRunRootIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.False(t, Run(context.Background(), file, Options{}).OK)
}

func TestRunDiskSpace(t *testing.T) {
	result := Run(context.Background(), t.TempDir(), Options{MinFreeBytes: 1 << 62})
	assert.False(t, result.OK)

	var pfErr *ErrPreflightFailed
	require.True(t, errors.As(result.FirstError(), &pfErr))
	assert.Equal(t, CheckDiskSpace, pfErr.Check)
}

func TestRunGameRunning(t *testing.T) {
	root := t.TempDir()
	withProcesses(t, []RunningProcess{
		{PID: 1, Name: "init", Exe: "/sbin/init"},
		{PID: 42, Name: "game", Exe: filepath.Join(root, "bin", "game")},
	}, nil)

	result := Run(context.Background(), root, Options{CheckRunning: true})
	assert.False(t, result.OK)

	var pfErr *ErrPreflightFailed
	require.True(t, errors.As(result.FirstError(), &pfErr))
	assert.Equal(t, CheckRunning, pfErr.Check)
	assert.Contains(t, pfErr.Message, "game (pid 42)")
}

func TestRunProcessListFailure(t *testing.T) {
	withProcesses(t, nil, errors.New("denied"))
	result := Run(context.Background(), t.TempDir(), Options{CheckRunning: true})
	assert.False(t, result.OK)
}

func TestIsUnder(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "games", "x")
	assert.True(t, isUnder(base, filepath.Join(base, "x.exe")))
	assert.False(t, isUnder(base, filepath.Join(string(filepath.Separator), "games", "xy", "x.exe")))
	assert.False(t, isUnder(base, filepath.Join(string(filepath.Separator), "games", "x.exe")))
}
