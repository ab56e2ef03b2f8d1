package tiles

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/work"
)

// RemovalWorker deletes one unreferenced tile set: it marks the row REMOVED,
// deletes the backing file, then drops the row. Each step is idempotent so a
// crashed run can be replayed.
type RemovalWorker struct {
	store  tileStore
	dir    string
	tileID string
}

func NewRemovalWorker(st tileStore, dir, tileID string) *RemovalWorker {
	return &RemovalWorker{store: st, dir: dir, tileID: tileID}
}

func (w *RemovalWorker) Run(ctx context.Context) work.Result {
	t, err := w.store.GetTileSetByID(ctx, w.tileID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Error("tile to remove does not exist", "tile", w.tileID)
		return work.Failure
	}
	if err != nil {
		slog.Error("load tile for removal", "tile", w.tileID, "error", err)
		return work.Retry
	}

	if t.ReferenceCount > 0 {
		slog.Error("tile still referenced, refusing removal", "tile", w.tileID, "refs", t.ReferenceCount)
		return work.Failure
	}

	// record the removal before destroying the file
	removed := t
	removed.State = model.TileStateRemoved
	if err := w.store.InsertOrUpdateTileSet(ctx, removed); err != nil {
		slog.Error("mark tile removed", "tile", w.tileID, "error", err)
		return work.Retry
	}

	path := filepath.Join(w.dir, t.Path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("delete tile file", "tile", w.tileID, "path", path, "error", err)
		return work.Retry
	}

	if err := w.store.DeleteTileSetByURL(ctx, t.URL); err != nil {
		slog.Error("delete tile row", "tile", w.tileID, "error", err)
		return work.Retry
	}

	slog.Info("tile removed", "tile", w.tileID, "url", t.URL)
	return work.Success
}
