package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openfield/fieldsync/internal/model"
)

type areaRow struct {
	ID    string  `db:"id"`
	Name  string  `db:"name"`
	North float64 `db:"north"`
	South float64 `db:"south"`
	East  float64 `db:"east"`
	West  float64 `db:"west"`
	State string  `db:"state"`
}

func (r *areaRow) toModel() model.OfflineArea {
	return model.OfflineArea{
		ID:   r.ID,
		Name: r.Name,
		Bounds: model.Bounds{
			North: r.North, South: r.South, East: r.East, West: r.West,
		},
		State: model.OfflineAreaState(r.State),
	}
}

// InsertOrUpdateTileSet upserts a tile set row keyed by id. The url column
// carries a UNIQUE constraint since reference counting is per url.
func (s *Store) InsertOrUpdateTileSet(ctx context.Context, t model.TileSet) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO tile_set (id, url, path, state, offline_area_reference_count)
			VALUES (:id, :url, :path, :state, :offline_area_reference_count)
			ON CONFLICT(url) DO UPDATE SET
				path = excluded.path,
				state = excluded.state,
				offline_area_reference_count = excluded.offline_area_reference_count`, &t)
		if err != nil {
			return fmt.Errorf("upsert tile set %s: %w", t.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyTileSets()
	return nil
}

func (s *Store) GetTileSet(ctx context.Context, url string) (model.TileSet, error) {
	var t model.TileSet
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tile_set WHERE url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TileSet{}, ErrNotFound
	}
	if err != nil {
		return model.TileSet{}, fmt.Errorf("query tile set by url: %w", err)
	}
	return t, nil
}

func (s *Store) GetTileSetByID(ctx context.Context, id string) (model.TileSet, error) {
	var t model.TileSet
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tile_set WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TileSet{}, ErrNotFound
	}
	if err != nil {
		return model.TileSet{}, fmt.Errorf("query tile set %s: %w", id, err)
	}
	return t, nil
}

// PendingTileSets returns every tile set the download worker still has to
// look at: everything except REMOVED rows. DOWNLOADED rows are included so
// the worker can verify the backing file still exists on disk.
func (s *Store) PendingTileSets(ctx context.Context) ([]model.TileSet, error) {
	var tiles []model.TileSet
	err := s.db.SelectContext(ctx, &tiles, `
		SELECT * FROM tile_set WHERE state != ? ORDER BY id`, model.TileStateRemoved)
	if err != nil {
		return nil, fmt.Errorf("query pending tile sets: %w", err)
	}
	return tiles, nil
}

// UpdateTileSetReferenceCount overwrites the offline-area reference count of
// the tile with the given url.
func (s *Store) UpdateTileSetReferenceCount(ctx context.Context, count int, url string) error {
	if count < 0 {
		return invariantf("tile", "reference count %d for %s would go negative", count, url)
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tile_set SET offline_area_reference_count = ? WHERE url = ?`, count, url)
		if err != nil {
			return fmt.Errorf("update tile reference count: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyTileSets()
	return nil
}

// DeleteTileSetByURL removes the tile row, but only once no offline area
// references it.
func (s *Store) DeleteTileSetByURL(ctx context.Context, url string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM tile_set WHERE url = ? AND offline_area_reference_count < 1`, url)
		if err != nil {
			return fmt.Errorf("delete tile set: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyTileSets()
	return nil
}

// TileSetsOnceAndStream emits all tracked tile sets on subscribe and after
// every change.
func (s *Store) TileSetsOnceAndStream(ctx context.Context) (<-chan []model.TileSet, error) {
	return onceAndStream(ctx, s.tileCast, func() ([]model.TileSet, error) {
		return s.allTileSets(ctx)
	})
}

func (s *Store) allTileSets(ctx context.Context) ([]model.TileSet, error) {
	var tiles []model.TileSet
	if err := s.db.SelectContext(ctx, &tiles, `SELECT * FROM tile_set ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query tile sets: %w", err)
	}
	return tiles, nil
}

func (s *Store) notifyTileSets() {
	s.tileCast.publish(nil)
}

func (s *Store) InsertOrUpdateOfflineArea(ctx context.Context, a model.OfflineArea) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO offline_area (id, name, north, south, east, west, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				north = excluded.north,
				south = excluded.south,
				east = excluded.east,
				west = excluded.west,
				state = excluded.state`,
			a.ID, a.Name, a.Bounds.North, a.Bounds.South, a.Bounds.East, a.Bounds.West, a.State)
		if err != nil {
			return fmt.Errorf("upsert offline area %s: %w", a.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyAreas()
	return nil
}

func (s *Store) GetOfflineArea(ctx context.Context, id string) (model.OfflineArea, error) {
	var row areaRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM offline_area WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OfflineArea{}, ErrNotFound
	}
	if err != nil {
		return model.OfflineArea{}, fmt.Errorf("query offline area %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *Store) OfflineAreas(ctx context.Context) ([]model.OfflineArea, error) {
	var rows []areaRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM offline_area ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query offline areas: %w", err)
	}
	areas := make([]model.OfflineArea, 0, len(rows))
	for i := range rows {
		areas = append(areas, rows[i].toModel())
	}
	return areas, nil
}

func (s *Store) DeleteOfflineArea(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_area WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete offline area %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyAreas()
	return nil
}

// OfflineAreasOnceAndStream emits all offline areas on subscribe and after
// every change.
func (s *Store) OfflineAreasOnceAndStream(ctx context.Context) (<-chan []model.OfflineArea, error) {
	return onceAndStream(ctx, s.areaCast, func() ([]model.OfflineArea, error) {
		return s.OfflineAreas(ctx)
	})
}

func (s *Store) notifyAreas() {
	s.areaCast.publish(nil)
}
