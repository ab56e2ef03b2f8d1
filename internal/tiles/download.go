package tiles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/queue"
	"github.com/openfield/fieldsync/internal/utils"
	"github.com/openfield/fieldsync/internal/version"
	"github.com/openfield/fieldsync/internal/work"
)

var userAgent = "FieldSync/" + version.Version

// tileStore is the slice of the local store the tile workers need.
type tileStore interface {
	PendingTileSets(ctx context.Context) ([]model.TileSet, error)
	InsertOrUpdateTileSet(ctx context.Context, t model.TileSet) error
	GetTileSetByID(ctx context.Context, id string) (model.TileSet, error)
	DeleteTileSetByURL(ctx context.Context, url string) error
}

// Download order: resumable partials first, then fresh work, then failed
// retries, then verification of already-downloaded files.
var statePriority = map[model.DownloadState]int{
	model.TileStateInProgress: 0,
	model.TileStatePending:    1,
	model.TileStateFailed:     2,
	model.TileStateDownloaded: 3,
}

// DownloadWorker drives every tracked tile set to DOWNLOADED with its backing
// file on disk. Partial downloads resume with an HTTP Range request.
type DownloadWorker struct {
	store tileStore
	http  *req.Client
	dir   string
}

func NewDownloadWorker(st tileStore, dir string) *DownloadWorker {
	return &DownloadWorker{
		store: st,
		http:  req.C().SetUserAgent(userAgent),
		dir:   dir,
	}
}

// Run processes the whole batch; one tile's failure never blocks the rest.
func (w *DownloadWorker) Run(ctx context.Context) work.Result {
	tiles, err := w.store.PendingTileSets(ctx)
	if err != nil {
		slog.Error("load pending tile sets", "error", err)
		return work.Retry
	}
	if len(tiles) == 0 {
		return work.Success
	}

	pq := queue.NewPriorityQueue[model.TileSet]()
	for _, t := range tiles {
		pq.Enqueue(t, statePriority[t.State])
	}

	failures := 0
	for _, t := range pq.DequeueAll() {
		if err := ctx.Err(); err != nil {
			return work.Retry
		}
		if err := w.process(ctx, t); err != nil {
			slog.Error("tile download failed", "tile", t.ID, "url", t.URL, "error", err)
			failed := t
			failed.State = model.TileStateFailed
			if serr := w.store.InsertOrUpdateTileSet(ctx, failed); serr != nil {
				slog.Error("record tile failure", "tile", t.ID, "error", serr)
			}
			failures++
		}
	}

	if failures > 0 {
		return work.Retry
	}
	return work.Success
}

func (w *DownloadWorker) process(ctx context.Context, t model.TileSet) error {
	destPath := filepath.Join(w.dir, t.Path)

	resume := false
	switch t.State {
	case model.TileStateDownloaded:
		if utils.FileExists(destPath) {
			return nil
		}
		// file vanished from disk, fetch it again
		slog.Warn("downloaded tile missing on disk, refetching", "tile", t.ID, "path", destPath)
	case model.TileStateInProgress:
		resume = utils.FileSize(destPath) > 0
	}

	// persist IN_PROGRESS before touching the network so a crashed run
	// resumes instead of restarting
	inProgress := t
	inProgress.State = model.TileStateInProgress
	if err := w.store.InsertOrUpdateTileSet(ctx, inProgress); err != nil {
		return fmt.Errorf("mark tile in progress: %w", err)
	}

	n, err := w.download(ctx, t.URL, destPath, resume)
	if err != nil {
		return err
	}

	done := t
	done.State = model.TileStateDownloaded
	if err := w.store.InsertOrUpdateTileSet(ctx, done); err != nil {
		return fmt.Errorf("mark tile downloaded: %w", err)
	}

	slog.Info("tile downloaded",
		"tile", t.ID,
		"size", humanize.Bytes(uint64(utils.FileSize(destPath))),
		"transferred", humanize.Bytes(uint64(n)),
		"resumed", resume)
	return nil
}

// download fetches url into destPath. With resume set it asks for the byte
// range past the bytes already on disk; a 206 appends, anything else
// overwrites from scratch.
func (w *DownloadWorker) download(ctx context.Context, url, destPath string, resume bool) (int64, error) {
	if err := utils.EnsureParent(destPath); err != nil {
		return 0, err
	}

	r := w.http.R().
		SetContext(ctx).
		DisableAutoReadResponse()
	if resume {
		r.SetHeader("Range", fmt.Sprintf("bytes=%d-", utils.FileSize(destPath)))
	}

	resp, err := r.Get(url)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.IsErrorState() {
		return 0, fmt.Errorf("get %s: %s", url, resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		// server ignored the range request, start over
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", destPath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", destPath, err)
	}
	return n, nil
}
