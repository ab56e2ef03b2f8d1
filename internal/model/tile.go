package model

import "fmt"

// DownloadState is the lifecycle of a tile set's backing file.
type DownloadState string

const (
	TileStatePending    DownloadState = "PENDING"
	TileStateInProgress DownloadState = "IN_PROGRESS"
	TileStateDownloaded DownloadState = "DOWNLOADED"
	TileStateFailed     DownloadState = "FAILED"
	TileStateRemoved    DownloadState = "REMOVED"
)

// TileCoord addresses one slippy-map tile.
type TileCoord struct {
	X int
	Y int
	Z int
}

// Path derives the canonical local file name for a tile. The scheme is fixed:
// stored paths and recomputed paths must agree byte for byte.
func (c TileCoord) Path() string {
	return fmt.Sprintf("%d-%d-%d.mbtiles", c.Z, c.X, c.Y)
}

// TileSet is one downloadable offline-imagery tile source. ReferenceCount is
// the number of stored offline areas whose bounds include this tile; the
// backing file and row are deletable only at zero.
type TileSet struct {
	ID             string        `db:"id"`
	URL            string        `db:"url"`
	Path           string        `db:"path"`
	State          DownloadState `db:"state"`
	ReferenceCount int           `db:"offline_area_reference_count"`
}

// IncrementReferenceCount returns a copy with one more referencing area.
func (t TileSet) IncrementReferenceCount() TileSet {
	t.ReferenceCount++
	return t
}

// DecrementReferenceCount returns a copy with one fewer referencing area.
// The count never goes below zero.
func (t TileSet) DecrementReferenceCount() TileSet {
	if t.ReferenceCount > 0 {
		t.ReferenceCount--
	}
	return t
}

func (t TileSet) String() string {
	return fmt.Sprintf("tile %s state=%s refs=%d url=%s", t.ID, t.State, t.ReferenceCount, t.URL)
}
