// Package daemon wires the local store, the sync and tile workers, and the
// remote event stream into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	gosync "sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/openfield/fieldsync/internal/db"
	"github.com/openfield/fieldsync/internal/media"
	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/sync"
	"github.com/openfield/fieldsync/internal/tiles"
	"github.com/openfield/fieldsync/internal/utils"
	"github.com/openfield/fieldsync/internal/work"
)

const connectivityTimeout = 3 * time.Second

var ErrAlreadyRunning = errors.New("daemon: another instance holds the data dir lock")

// Daemon owns the process lifecycle: single-instance locking, periodic sync
// and tile sweeps, the photo uploader, and merging remote events into the
// local store.
type Daemon struct {
	cfg  *Config
	lock *flock.Flock

	store      *store.Store
	client     *remote.Client
	events     *remote.Events
	uploader   *media.Uploader
	syncWorker *sync.Worker
	downloader *tiles.DownloadWorker
	areas      *tiles.AreaManager
	cron       *cron.Cron

	mu       gosync.Mutex
	attempts map[string]int // per-LOI consecutive retry count
}

func New(cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		lock:     flock.New(cfg.LockPath()),
		attempts: make(map[string]int),
	}, nil
}

// Start brings the daemon up and blocks until ctx is canceled or a component
// fails.
func (d *Daemon) Start(ctx context.Context) (err error) {
	if err := utils.EnsureDir(d.cfg.DataDir); err != nil {
		return fmt.Errorf("daemon: data dir: %w", err)
	}
	if err := utils.EnsureDir(d.cfg.TilesDir()); err != nil {
		return fmt.Errorf("daemon: tiles dir: %w", err)
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon: acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	// from here on we hold the lock and may have opened the store; an error
	// anywhere below must release both
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	handle, err := db.Open(db.WithPath(d.cfg.DatabasePath()))
	if err != nil {
		return fmt.Errorf("daemon: open database: %w", err)
	}

	d.store, err = store.New(handle)
	if err != nil {
		return fmt.Errorf("daemon: init store: %w", err)
	}

	d.client = remote.NewClient(d.cfg.ServerURL)
	d.events = remote.NewEvents(d.cfg.ServerURL, d.cfg.UserID)
	d.uploader = media.NewUploader(d.client, d.cfg.PhotoWorkers)

	d.syncWorker, err = sync.NewWorker(d.store, d.client, d.uploader)
	if err != nil {
		return fmt.Errorf("daemon: sync worker: %w", err)
	}

	d.downloader = tiles.NewDownloadWorker(d.store, d.cfg.TilesDir())
	d.areas = tiles.NewAreaManager(d.store, model.UUIDGenerator{}, d.cfg.TileURLTemplate, d.cfg.TileZoomLevels)

	slog.Info("daemon start", "data_dir", d.cfg.DataDir, "server", d.cfg.ServerURL)

	eg, egCtx := errgroup.WithContext(ctx)

	d.cron = cron.New()
	if _, err := d.cron.AddFunc(d.cfg.SyncSchedule, func() { d.syncSweep(egCtx) }); err != nil {
		return fmt.Errorf("daemon: sync schedule %q: %w", d.cfg.SyncSchedule, err)
	}
	if _, err := d.cron.AddFunc(d.cfg.TileSchedule, func() { d.tileSweep(egCtx) }); err != nil {
		return fmt.Errorf("daemon: tile schedule %q: %w", d.cfg.TileSchedule, err)
	}
	d.cron.Start()

	eg.Go(func() error {
		d.uploader.Run(egCtx)
		return nil
	})

	eg.Go(func() error {
		d.consumeEvents(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("daemon stopping")
		d.Stop()
		return nil
	})

	// drain whatever queued up while the daemon was down
	d.syncSweep(egCtx)
	d.tileSweep(egCtx)

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}

func (d *Daemon) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.lock != nil && d.lock.Locked() {
		d.lock.Unlock()
	}
}

// Store exposes the local store to embedders (control surfaces, tests).
func (d *Daemon) Store() *store.Store { return d.store }

// AddArea registers an offline area and triggers a tile sweep.
func (d *Daemon) AddArea(ctx context.Context, name string, b model.Bounds) (model.OfflineArea, error) {
	area, err := d.areas.AddArea(ctx, name, b)
	if err != nil {
		return model.OfflineArea{}, err
	}
	go d.tileSweep(ctx)
	return area, nil
}

// RemoveArea drops an offline area and removes any tiles left unreferenced.
func (d *Daemon) RemoveArea(ctx context.Context, id string) error {
	unreferenced, err := d.areas.RemoveArea(ctx, id)
	if err != nil {
		return err
	}
	for _, tileID := range unreferenced {
		result := tiles.NewRemovalWorker(d.store, d.cfg.TilesDir(), tileID).Run(ctx)
		if result != work.Success {
			slog.Warn("tile removal incomplete, next sweep retries", "tile", tileID, "result", result)
		}
	}
	return nil
}

// syncSweep runs the mutation sync worker for every location of interest
// with queued work, with a per-LOI retry bound.
func (d *Daemon) syncSweep(ctx context.Context) {
	if !d.online() {
		slog.Debug("sync sweep skipped, offline")
		return
	}

	loiIDs, err := d.store.PendingMutationLOIs(ctx)
	if err != nil {
		slog.Error("sync sweep: list pending", "error", err)
		return
	}

	for _, loiID := range loiIDs {
		if ctx.Err() != nil {
			return
		}
		if !d.shouldAttempt(loiID) {
			continue
		}
		d.recordResult(loiID, d.syncWorker.Run(ctx, loiID))
	}
}

// tileSweep downloads pending tiles, retries removals of unreferenced ones,
// and refreshes area aggregate states.
func (d *Daemon) tileSweep(ctx context.Context) {
	if !d.online() {
		slog.Debug("tile sweep skipped, offline")
		return
	}

	if result := d.downloader.Run(ctx); result == work.Retry {
		slog.Warn("tile sweep incomplete, next sweep retries")
	}

	pending, err := d.store.PendingTileSets(ctx)
	if err != nil {
		slog.Error("tile sweep: list tiles", "error", err)
		return
	}
	for _, t := range pending {
		if t.ReferenceCount == 0 {
			tiles.NewRemovalWorker(d.store, d.cfg.TilesDir(), t.ID).Run(ctx)
		}
	}

	if err := d.areas.RefreshAreaStates(ctx); err != nil {
		slog.Error("tile sweep: refresh area states", "error", err)
	}
}

// consumeEvents merges remote snapshots into the local store as they arrive.
func (d *Daemon) consumeEvents(ctx context.Context) {
	if err := d.events.Connect(ctx); err != nil {
		// the stream reconnects on its own once established; a failed first
		// dial means we run sweep-only until the next daemon restart
		slog.Error("event stream unavailable", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events.Stream():
			d.mergeEvent(ctx, ev)
		}
	}
}

func (d *Daemon) mergeEvent(ctx context.Context, ev remote.Event) {
	var err error
	switch {
	case ev.LOI != nil:
		err = d.store.MergeLocationOfInterest(ctx, *ev.LOI)
	case ev.Submission != nil:
		err = d.store.MergeSubmission(ctx, *ev.Submission)
	case ev.User != nil:
		err = d.store.PutUser(ctx, *ev.User)
	}
	if err != nil {
		slog.Error("merge remote event", "type", ev.Type, "error", err)
	}
}

// shouldAttempt bounds consecutive retries per location of interest.
func (d *Daemon) shouldAttempt(loiID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[loiID] < d.cfg.MaxRetries
}

func (d *Daemon) recordResult(loiID string, result work.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch result {
	case work.Success:
		delete(d.attempts, loiID)
	case work.Retry:
		d.attempts[loiID]++
		if d.attempts[loiID] >= d.cfg.MaxRetries {
			slog.Error("mutation sync gave up after max retries", "loi", loiID, "attempts", d.attempts[loiID])
		}
	case work.Failure:
		slog.Error("mutation sync failed permanently", "loi", loiID)
		d.attempts[loiID] = d.cfg.MaxRetries
	}
}

// online is the connectivity gate: sweeps only talk to the network when the
// server host is reachable.
func (d *Daemon) online() bool {
	u, err := url.Parse(d.cfg.ServerURL)
	if err != nil {
		return false
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", host, connectivityTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
