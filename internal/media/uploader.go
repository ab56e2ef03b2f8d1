// Package media uploads captured photos referenced by submission mutations.
// Uploads are fire-and-forget: a lost upload is re-enqueued the next time the
// owning mutation syncs.
package media

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/openfield/fieldsync/internal/utils"
)

const (
	DefaultWorkers  = 4
	uploadQueueSize = 256
)

// photoStore is the slice of the remote API the uploader needs.
type photoStore interface {
	UploadPhoto(ctx context.Context, localPath, remotePath string) error
}

// Upload is one photo transfer job.
type Upload struct {
	LocalPath  string
	RemotePath string
}

// Enqueuer accepts photo upload jobs. The sync worker depends on this rather
// than on the concrete uploader.
type Enqueuer interface {
	Enqueue(uploads ...Upload)
}

// Uploader drains a bounded queue of photo jobs through a fixed worker pool.
type Uploader struct {
	remote  photoStore
	jobs    chan Upload
	workers int
}

func NewUploader(remote photoStore, workers int) *Uploader {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Uploader{
		remote:  remote,
		jobs:    make(chan Upload, uploadQueueSize),
		workers: workers,
	}
}

// Enqueue queues uploads without blocking. When the queue is full the job is
// dropped; the photo is re-enqueued on the mutation's next sync pass.
func (u *Uploader) Enqueue(uploads ...Upload) {
	for _, job := range uploads {
		select {
		case u.jobs <- job:
		default:
			slog.Warn("photo queue full, dropped", "path", job.LocalPath)
		}
	}
}

// Run blocks draining the queue until ctx is canceled.
func (u *Uploader) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(u.workers)

	for range u.workers {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-u.jobs:
					u.upload(ctx, job)
				}
			}
		}()
	}

	wg.Wait()
}

func (u *Uploader) upload(ctx context.Context, job Upload) {
	if !utils.FileExists(job.LocalPath) {
		slog.Warn("photo missing on disk, skipped", "path", job.LocalPath)
		return
	}

	if err := u.remote.UploadPhoto(ctx, job.LocalPath, job.RemotePath); err != nil {
		slog.Error("photo upload failed", "path", job.LocalPath, "error", err)
		return
	}

	slog.Info("photo uploaded", "path", job.LocalPath, "remote", job.RemotePath)
}

// RemotePath builds the canonical media-store key for a photo captured
// against a location of interest.
func RemotePath(surveyID, loiID, localPath string) string {
	return surveyID + "/" + loiID + "/" + filepath.Base(localPath)
}

var _ Enqueuer = (*Uploader)(nil)
