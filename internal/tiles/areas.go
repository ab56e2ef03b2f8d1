package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/store"
)

// areaStore is the slice of the local store the area manager needs.
type areaStore interface {
	GetTileSet(ctx context.Context, url string) (model.TileSet, error)
	InsertOrUpdateTileSet(ctx context.Context, t model.TileSet) error
	UpdateTileSetReferenceCount(ctx context.Context, count int, url string) error
	InsertOrUpdateOfflineArea(ctx context.Context, a model.OfflineArea) error
	GetOfflineArea(ctx context.Context, id string) (model.OfflineArea, error)
	OfflineAreas(ctx context.Context) ([]model.OfflineArea, error)
	DeleteOfflineArea(ctx context.Context, id string) error
}

// AreaManager owns the offline-area lifecycle and the per-tile reference
// counts derived from it. A tile's reference count always equals the number
// of stored areas whose bounds cover it.
type AreaManager struct {
	store       areaStore
	ids         model.IDGenerator
	urlTemplate string
	zoomLevels  []int
}

func NewAreaManager(st areaStore, ids model.IDGenerator, urlTemplate string, zoomLevels []int) *AreaManager {
	return &AreaManager{
		store:       st,
		ids:         ids,
		urlTemplate: urlTemplate,
		zoomLevels:  zoomLevels,
	}
}

// tileURLs enumerates the deduplicated tile URLs covering the bounds across
// all configured zoom levels, keyed back to their coordinates.
func (m *AreaManager) tileURLs(b model.Bounds) map[string]model.TileCoord {
	urls := make(map[string]model.TileCoord)
	for _, zoom := range m.zoomLevels {
		for _, c := range TileRange(b, zoom) {
			urls[TileURL(m.urlTemplate, c)] = c
		}
	}
	return urls
}

// urlSet is the set view of an area's covering tiles.
func (m *AreaManager) urlSet(b model.Bounds) mapset.Set[string] {
	s := mapset.NewSet[string]()
	for url := range m.tileURLs(b) {
		s.Add(url)
	}
	return s
}

// AddArea stores a new offline area and bumps the reference count of every
// tile it covers, registering previously unknown tiles for download.
func (m *AreaManager) AddArea(ctx context.Context, name string, b model.Bounds) (model.OfflineArea, error) {
	area := model.OfflineArea{
		ID:     m.ids.NewID(),
		Name:   name,
		Bounds: b,
		State:  model.AreaStatePending,
	}

	for url, coord := range m.tileURLs(b) {
		existing, err := m.store.GetTileSet(ctx, url)
		switch {
		case errors.Is(err, store.ErrNotFound):
			t := model.TileSet{
				ID:             m.ids.NewID(),
				URL:            url,
				Path:           coord.Path(),
				State:          model.TileStatePending,
				ReferenceCount: 1,
			}
			if err := m.store.InsertOrUpdateTileSet(ctx, t); err != nil {
				return model.OfflineArea{}, fmt.Errorf("register tile %s: %w", url, err)
			}

		case err != nil:
			return model.OfflineArea{}, fmt.Errorf("look up tile %s: %w", url, err)

		default:
			bumped := existing.IncrementReferenceCount()
			if bumped.State == model.TileStateRemoved {
				// the tile was removed before this area re-referenced it
				bumped.State = model.TileStatePending
				if err := m.store.InsertOrUpdateTileSet(ctx, bumped); err != nil {
					return model.OfflineArea{}, fmt.Errorf("revive tile %s: %w", url, err)
				}
			} else if err := m.store.UpdateTileSetReferenceCount(ctx, bumped.ReferenceCount, url); err != nil {
				return model.OfflineArea{}, fmt.Errorf("reference tile %s: %w", url, err)
			}
		}
	}

	if err := m.store.InsertOrUpdateOfflineArea(ctx, area); err != nil {
		return model.OfflineArea{}, fmt.Errorf("store offline area: %w", err)
	}

	slog.Info("offline area added", "area", area.ID, "name", name, "tiles", len(m.tileURLs(b)))
	return area, nil
}

// RemoveArea drops the area and decrements the reference count of every tile
// it covered. It returns the ids of tiles left unreferenced; the caller
// schedules their removal.
func (m *AreaManager) RemoveArea(ctx context.Context, id string) ([]string, error) {
	area, err := m.store.GetOfflineArea(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load offline area %s: %w", id, err)
	}

	// ToSlice, not Iter: an early error return must not strand the set's
	// iterator goroutine.
	var unreferenced []string
	for _, url := range m.urlSet(area.Bounds).ToSlice() {
		t, err := m.store.GetTileSet(ctx, url)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("look up tile %s: %w", url, err)
		}

		dropped := t.DecrementReferenceCount()
		if err := m.store.UpdateTileSetReferenceCount(ctx, dropped.ReferenceCount, url); err != nil {
			return nil, fmt.Errorf("dereference tile %s: %w", url, err)
		}
		if dropped.ReferenceCount == 0 {
			unreferenced = append(unreferenced, t.ID)
		}
	}

	if err := m.store.DeleteOfflineArea(ctx, id); err != nil {
		return nil, fmt.Errorf("delete offline area %s: %w", id, err)
	}

	slog.Info("offline area removed", "area", id, "unreferenced_tiles", len(unreferenced))
	return unreferenced, nil
}

// RefreshAreaStates recomputes each area's aggregate state from the download
// states of its covering tiles.
func (m *AreaManager) RefreshAreaStates(ctx context.Context) error {
	areas, err := m.store.OfflineAreas(ctx)
	if err != nil {
		return fmt.Errorf("load offline areas: %w", err)
	}

	for _, area := range areas {
		state, err := m.aggregateState(ctx, area.Bounds)
		if err != nil {
			return err
		}
		if state == area.State {
			continue
		}
		area.State = state
		if err := m.store.InsertOrUpdateOfflineArea(ctx, area); err != nil {
			return fmt.Errorf("update area %s state: %w", area.ID, err)
		}
	}
	return nil
}

func (m *AreaManager) aggregateState(ctx context.Context, b model.Bounds) (model.OfflineAreaState, error) {
	var anyFailed, anyIncomplete, anyStarted bool

	for _, url := range m.urlSet(b).ToSlice() {
		t, err := m.store.GetTileSet(ctx, url)
		if errors.Is(err, store.ErrNotFound) {
			anyIncomplete = true
			continue
		}
		if err != nil {
			return "", fmt.Errorf("look up tile %s: %w", url, err)
		}

		switch t.State {
		case model.TileStateFailed:
			anyFailed = true
		case model.TileStateDownloaded:
			anyStarted = true
		case model.TileStateInProgress:
			anyStarted = true
			anyIncomplete = true
		default:
			anyIncomplete = true
		}
	}

	switch {
	case anyFailed:
		return model.AreaStateFailed, nil
	case !anyIncomplete:
		return model.AreaStateDownloaded, nil
	case anyStarted:
		return model.AreaStateInProgress, nil
	default:
		return model.AreaStatePending, nil
	}
}
