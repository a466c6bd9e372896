package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandPathCleansAndAbsolutizes(t *testing.T) {
	abs, err := ExpandPath("./foo/../bar")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(abs))
	require.Equal(t, "bar", filepath.Base(abs))
}

func TestExpandPathExpandsHomeTilde(t *testing.T) {
	home := HomeDir()
	if home == "" {
		t.Skip("no home directory available in this environment")
	}
	expanded, err := ExpandPath("~/stacks-node")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "stacks-node"), expanded)
}

func TestHasDirReportsFalseForMissingPath(t *testing.T) {
	ok, err := HasDir(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasDirReportsTrueForExistingDir(t *testing.T) {
	dir := t.TempDir()
	ok, err := HasDir(dir)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMkdirAllCreatesDirectoryWithStandardPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workdir")
	require.NoError(t, MkdirAll(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, dirPermissions, info.Mode().Perm())
}

func TestMkdirAllIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workdir")
	require.NoError(t, MkdirAll(dir))
	require.NoError(t, MkdirAll(dir))
}
