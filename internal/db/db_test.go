package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_MemoryDefaults(t *testing.T) {
	handle, err := Open()
	require.NoError(t, err)
	defer handle.Close()

	_, err = handle.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
}

func TestOpen_FileCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "fieldsync.db")

	handle, err := Open(WithPath(path), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer handle.Close()

	_, err = handle.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.FileExists(t, path)
}
