package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTileCoord_Path(t *testing.T) {
	assert.Equal(t, "14-8719-5749.mbtiles", TileCoord{X: 8719, Y: 5749, Z: 14}.Path())
	assert.Equal(t, "0-0-0.mbtiles", TileCoord{}.Path())
}

func TestTileSet_ReferenceCount(t *testing.T) {
	tile := TileSet{ID: "t1", URL: "https://tiles/1", ReferenceCount: 1}

	tile = tile.IncrementReferenceCount()
	assert.Equal(t, 2, tile.ReferenceCount)

	tile = tile.DecrementReferenceCount().DecrementReferenceCount()
	assert.Equal(t, 0, tile.ReferenceCount)

	// never negative
	tile = tile.DecrementReferenceCount()
	assert.Equal(t, 0, tile.ReferenceCount)
}
