// Package tiles manages offline map imagery: slippy-map tile enumeration,
// reference-counted downloads, and removal of unreferenced tiles.
package tiles

import (
	"math"
	"strconv"
	"strings"

	"github.com/openfield/fieldsync/internal/model"
)

// tileX maps a longitude to a tile column at the given zoom.
func tileX(lng float64, zoom int) int {
	n := 1 << zoom
	x := int(math.Floor((lng + 180) / 360 * float64(n)))
	return clamp(x, 0, n-1)
}

// tileY maps a latitude to a tile row at the given zoom (web mercator).
func tileY(lat float64, zoom int) int {
	n := 1 << zoom
	rad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * float64(n)))
	return clamp(y, 0, n-1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TileRange enumerates every tile at the given zoom whose extent intersects
// the bounds. Bounds crossing the antimeridian are not supported.
func TileRange(b model.Bounds, zoom int) []model.TileCoord {
	xMin := tileX(b.West, zoom)
	xMax := tileX(b.East, zoom)
	// y grows southward in the slippy scheme
	yMin := tileY(b.North, zoom)
	yMax := tileY(b.South, zoom)

	var coords []model.TileCoord
	for x := xMin; x <= xMax; x++ {
		for y := yMin; y <= yMax; y++ {
			coords = append(coords, model.TileCoord{X: x, Y: y, Z: zoom})
		}
	}
	return coords
}

// TileURL expands a {z}/{x}/{y} template for one tile.
func TileURL(template string, c model.TileCoord) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
	)
	return r.Replace(template)
}
