package tiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield/fieldsync/internal/db"
	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/work"
)

func newTileStore(t *testing.T) *store.Store {
	t.Helper()

	handle, err := db.Open(db.WithPath(filepath.Join(t.TempDir(), "tiles.db")), db.WithMaxOpenConns(1))
	require.NoError(t, err)

	s, err := store.New(handle)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadWorker_FreshDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            srv.URL + "/12/656/1582.mbtiles",
		Path:           "12-656-1582.mbtiles",
		State:          model.TileStatePending,
		ReferenceCount: 1,
	}))

	result := NewDownloadWorker(s, dir).Run(ctx)
	assert.Equal(t, work.Success, result)

	data, err := os.ReadFile(filepath.Join(dir, "12-656-1582.mbtiles"))
	require.NoError(t, err)
	assert.Equal(t, "tile-bytes", string(data))

	ts, err := s.GetTileSetByID(ctx, "ts1")
	require.NoError(t, err)
	assert.Equal(t, model.TileStateDownloaded, ts.State)
}

func TestDownloadWorker_ResumesPartialDownload(t *testing.T) {
	const full = "0123456789"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rangeHeader, "bytes="), "expected a range request, got %q", rangeHeader)

		offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"))
		require.NoError(t, err)

		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(offset)+"-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[offset:]))
	}))
	defer srv.Close()

	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	// a previous run wrote the first four bytes before dying
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.mbtiles"), []byte(full[:4]), 0o644))
	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            srv.URL + "/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateInProgress,
		ReferenceCount: 1,
	}))

	result := NewDownloadWorker(s, dir).Run(ctx)
	assert.Equal(t, work.Success, result)

	data, err := os.ReadFile(filepath.Join(dir, "t.mbtiles"))
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadWorker_RestartsWhenRangeIgnored(t *testing.T) {
	const full = "abcdefgh"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// plain 200 regardless of the Range header
		w.Write([]byte(full))
	}))
	defer srv.Close()

	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.mbtiles"), []byte("abcd"), 0o644))
	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            srv.URL + "/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateInProgress,
		ReferenceCount: 1,
	}))

	result := NewDownloadWorker(s, dir).Run(ctx)
	assert.Equal(t, work.Success, result)

	data, err := os.ReadFile(filepath.Join(dir, "t.mbtiles"))
	require.NoError(t, err)
	assert.Equal(t, full, string(data), "a 200 response must overwrite the partial file")
}

func TestDownloadWorker_SkipsVerifiedDownloads(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.mbtiles"), []byte("cached"), 0o644))
	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID:             "ts1",
		URL:            srv.URL + "/t.mbtiles",
		Path:           "t.mbtiles",
		State:          model.TileStateDownloaded,
		ReferenceCount: 1,
	}))

	result := NewDownloadWorker(s, dir).Run(ctx)
	assert.Equal(t, work.Success, result)
	assert.Zero(t, requests, "verified tiles must not be refetched")
}

func TestDownloadWorker_OneFailureDoesNotBlockBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTileStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID: "bad", URL: srv.URL + "/bad.mbtiles", Path: "bad.mbtiles",
		State: model.TileStatePending, ReferenceCount: 1,
	}))
	require.NoError(t, s.InsertOrUpdateTileSet(ctx, model.TileSet{
		ID: "good", URL: srv.URL + "/good.mbtiles", Path: "good.mbtiles",
		State: model.TileStatePending, ReferenceCount: 1,
	}))

	result := NewDownloadWorker(s, dir).Run(ctx)
	assert.Equal(t, work.Retry, result)

	good, err := s.GetTileSetByID(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, model.TileStateDownloaded, good.State)

	bad, err := s.GetTileSetByID(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, model.TileStateFailed, bad.State)
}
