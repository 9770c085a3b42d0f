package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/OCAP2/markerpose/pkg/core"
)

// GEO POINTS
// Anchors are stored as 3857 so that SQLite, which has no spatial awareness,
// can round-trip them through the WKB Scan path like any other point.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// AnchorFromString parses "long,lat" or "long,lat,elev" in degrees.
func AnchorFromString(coords string) (core.Anchor, error) {
	parts := strings.Split(coords, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return core.Anchor{}, ErrInvalidCoordinates
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return core.Anchor{}, ErrInvalidCoordinates
		}
		vals[i] = v
	}
	a := core.Anchor{Longitude: vals[0], Latitude: vals[1], Elevation: vals[2]}
	if err := Validate(a); err != nil {
		return core.Anchor{}, err
	}
	return a, nil
}

// Validate checks the anchor is inside the range web mercator can project.
func Validate(a core.Anchor) error {
	if a.Longitude < -180 || a.Longitude > 180 || a.Latitude < -85.06 || a.Latitude > 85.06 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Project converts the anchor from 4326 to a 3857 point with the elevation as Z.
func Project(a core.Anchor) (geom.Point, error) {
	if err := Validate(a); err != nil {
		return geom.NewEmptyPoint(geom.DimXYZ), err
	}
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(a.Longitude, a.Latitude, 0)
	return geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Z:    a.Elevation,
			Type: geom.CoordinatesType(geom.DimXYZ),
		},
	), nil
}

// Unproject is the inverse of Project.
func Unproject(p geom.Point) (core.Anchor, error) {
	c, ok := p.Coordinates()
	if !ok {
		return core.Anchor{}, ErrInvalidCoordinates
	}
	f := wgs84.EPSG().Transform(3857, 4326)
	lon, lat, _ := f(c.X, c.Y, 0)
	return core.Anchor{Longitude: lon, Latitude: lat, Elevation: c.Z}, nil
}

// Georeference places a position in the shared frame on the map. The engine
// frame has X east, Y up and Z north, in meters from the anchor.
func Georeference(a core.Anchor, local r3.Vec) (geom.Point, error) {
	origin, err := Project(a)
	if err != nil {
		return origin, err
	}
	c, _ := origin.Coordinates()
	// mercator meters stretch by 1/cos(lat)
	scale := 1 / math.Cos(a.Latitude*math.Pi/180)
	return geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: c.X + local.X*scale, Y: c.Y + local.Z*scale},
			Z:    a.Elevation + local.Y,
			Type: geom.CoordinatesType(geom.DimXYZ),
		},
	), nil
}
