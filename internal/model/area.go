package model

import "fmt"

// Bounds is a geographic bounding box. North/South are latitudes, East/West
// longitudes. Areas crossing the antimeridian are not supported.
type Bounds struct {
	North float64 `json:"north" db:"north"`
	South float64 `json:"south" db:"south"`
	East  float64 `json:"east" db:"east"`
	West  float64 `json:"west" db:"west"`
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%f,%f → %f,%f]", b.South, b.West, b.North, b.East)
}

// OfflineAreaState mirrors the aggregate download state of an area's tiles.
type OfflineAreaState string

const (
	AreaStatePending    OfflineAreaState = "PENDING"
	AreaStateInProgress OfflineAreaState = "IN_PROGRESS"
	AreaStateDownloaded OfflineAreaState = "DOWNLOADED"
	AreaStateFailed     OfflineAreaState = "FAILED"
)

// OfflineArea is a user-requested rectangular region cached for offline use.
type OfflineArea struct {
	ID     string           `db:"id"`
	Name   string           `db:"name"`
	Bounds Bounds
	State  OfflineAreaState `db:"state"`
}
