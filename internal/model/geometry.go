package model

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GeometryType discriminates the shape carried by a Geometry.
type GeometryType string

const (
	GeometryTypePoint   GeometryType = "POINT"
	GeometryTypePolygon GeometryType = "POLYGON"
)

// Geometry is the location payload of a location of interest: a single point
// or an ordered list of polygon vertices.
type Geometry struct {
	Type     GeometryType `json:"type"`
	Point    *Point       `json:"point,omitempty"`
	Vertices []Point      `json:"vertices,omitempty"`
}

func NewPoint(lat, lng float64) *Geometry {
	return &Geometry{Type: GeometryTypePoint, Point: &Point{Lat: lat, Lng: lng}}
}

func NewPolygon(vertices []Point) *Geometry {
	return &Geometry{Type: GeometryTypePolygon, Vertices: vertices}
}
