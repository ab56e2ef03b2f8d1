// Package sync drains the local mutation queue to the remote store, one
// worker run per location of interest.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openfield/fieldsync/internal/media"
	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/work"
)

const userCacheSize = 64

// localStore is the slice of the local store the worker needs.
type localStore interface {
	PendingMutations(ctx context.Context, locationOfInterestID string) ([]model.Mutation, error)
	MarkMutationsInProgress(ctx context.Context, mutations []model.Mutation) error
	UpdateMutations(ctx context.Context, mutations []model.Mutation) error
	FinalizePendingMutations(ctx context.Context, mutations []model.Mutation) error
	GetUser(ctx context.Context, id string) (model.User, error)
}

// mutationApplier is the slice of the remote store the worker needs.
type mutationApplier interface {
	ApplyMutations(ctx context.Context, mutations []model.Mutation, user model.User) error
}

// Worker syncs the pending mutations of one location of interest per run.
// Batches are grouped per author so the server can stamp audit info; a group
// whose author no longer exists locally is finalized and dropped rather than
// retried forever.
type Worker struct {
	store  localStore
	remote mutationApplier
	photos media.Enqueuer
	users  *lru.Cache[string, model.User]
}

func NewWorker(st localStore, rm mutationApplier, photos media.Enqueuer) (*Worker, error) {
	users, err := lru.New[string, model.User](userCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sync: user cache: %w", err)
	}
	return &Worker{store: st, remote: rm, photos: photos, users: users}, nil
}

// Run drains the pending mutations of the given location of interest.
// Any group failure leaves the batch queued and asks the scheduler to retry.
func (w *Worker) Run(ctx context.Context, loiID string) work.Result {
	pending, err := w.store.PendingMutations(ctx, loiID)
	if err != nil {
		slog.Error("load pending mutations", "loi", loiID, "error", err)
		return work.Retry
	}
	if len(pending) == 0 {
		return work.Success
	}

	if err := w.store.MarkMutationsInProgress(ctx, pending); err != nil {
		slog.Error("mark mutations in progress", "loi", loiID, "error", err)
		return work.Retry
	}

	groups := model.GroupByUser(pending)
	userIDs := make([]string, 0, len(groups))
	for id := range groups {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	var failed []model.Mutation
	var lastErr error

	for _, userID := range userIDs {
		group := groups[userID]

		user, err := w.resolveUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			// The author was removed before the batch synced. Finalize so
			// local deletions still take effect and the queue drains.
			slog.Warn("mutation author removed, finalizing without sync",
				"loi", loiID, "user", userID, "count", len(group))
			if ferr := w.store.FinalizePendingMutations(ctx, group); ferr != nil {
				failed, lastErr = append(failed, group...), ferr
			}
			continue
		}
		if err != nil {
			failed, lastErr = append(failed, group...), err
			continue
		}

		if err := w.remote.ApplyMutations(ctx, group, user); err != nil {
			slog.Error("remote apply failed", "loi", loiID, "user", userID, "error", err)
			failed, lastErr = append(failed, group...), err
			continue
		}

		w.enqueuePhotos(group)

		if err := w.store.FinalizePendingMutations(ctx, group); err != nil {
			failed, lastErr = append(failed, group...), err
		}
	}

	if len(failed) > 0 {
		retried := make([]model.Mutation, 0, len(failed))
		for _, m := range failed {
			retried = append(retried, m.IncrementRetry(lastErr))
		}
		if err := w.store.UpdateMutations(ctx, retried); err != nil {
			slog.Error("record mutation failures", "loi", loiID, "error", err)
		}
		return work.Retry
	}

	slog.Info("mutations synced", "loi", loiID, "count", len(pending))
	return work.Success
}

func (w *Worker) resolveUser(ctx context.Context, id string) (model.User, error) {
	if user, ok := w.users.Get(id); ok {
		return user, nil
	}
	user, err := w.store.GetUser(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	w.users.Add(id, user)
	return user, nil
}

func (w *Worker) enqueuePhotos(group []model.Mutation) {
	for _, m := range group {
		for _, path := range m.PhotoPaths() {
			w.photos.Enqueue(media.Upload{
				LocalPath:  path,
				RemotePath: media.RemotePath(m.SurveyID, m.LocationOfInterestID, path),
			})
		}
	}
}
