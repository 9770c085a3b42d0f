package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// Track builds a line through the positions in the order given, with the
// engine's vertical Y stored as the Z ordinate.
func Track(positions []r3.Vec) (geom.LineString, error) {
	if len(positions) < 2 {
		return geom.LineString{}, fmt.Errorf("track must have at least 2 points, got %d", len(positions))
	}

	flat := make([]float64, 0, len(positions)*3)
	for _, p := range positions {
		flat = append(flat, p.X, p.Z, p.Y)
	}

	return geom.NewLineString(geom.NewSequence(flat, geom.DimXYZ)), nil
}

// LocalPoint stores an engine-frame position as an XYZ point with the
// horizontal plane in X and Y and the engine's vertical Y as Z.
func LocalPoint(v r3.Vec) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: v.X, Y: v.Z},
		Z:    v.Y,
		Type: geom.CoordinatesType(geom.DimXYZ),
	})
}

// LocalVec is the inverse of LocalPoint. An empty point is the origin.
func LocalVec(p geom.Point) r3.Vec {
	c, ok := p.Coordinates()
	if !ok {
		return r3.Vec{}
	}
	return r3.Vec{X: c.X, Y: c.Z, Z: c.Y}
}
