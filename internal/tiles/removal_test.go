package tiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/work"
)

func TestRemovalWorker_RemovesUnreferencedTile(t *testing.T) {
	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "t.mbtiles")
	require.NoError(t, os.WriteFile(path, []byte("bytes"), 0o644))
	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            "https://tiles.example.com/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateDownloaded,
		ReferenceCount: 0,
	}))

	result := NewRemovalWorker(s, dir, "ts1").Run(ctx)
	assert.Equal(t, work.Success, result)

	assert.NoFileExists(t, path)
	_, err := s.GetTileSetByID(ctx, "ts1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemovalWorker_MissingTileIsFailure(t *testing.T) {
	s := newTileStore(t)

	result := NewRemovalWorker(s, t.TempDir(), "nope").Run(context.Background())
	assert.Equal(t, work.Failure, result)
}

func TestRemovalWorker_RefusesReferencedTile(t *testing.T) {
	s := newTileStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            "https://tiles.example.com/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateDownloaded,
		ReferenceCount: 1,
	}))

	result := NewRemovalWorker(s, t.TempDir(), "ts1").Run(ctx)
	assert.Equal(t, work.Failure, result)

	// row untouched
	ts, err := s.GetTileSetByID(ctx, "ts1")
	require.NoError(t, err)
	assert.Equal(t, model.TileStateDownloaded, ts.State)
}

func TestRemovalWorker_MissingFileStillRemovesRow(t *testing.T) {
	s := newTileStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            "https://tiles.example.com/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateFailed,
		ReferenceCount: 0,
	}))

	result := NewRemovalWorker(s, t.TempDir(), "ts1").Run(ctx)
	assert.Equal(t, work.Success, result)

	_, err := s.GetTileSetByID(ctx, "ts1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
