package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/ubikampus/ubilocation-client/pkg/core"
	"github.com/wroge/wgs84"
)

// Positions travel as WGS84 (EPSG:4326) lat/lon everywhere in the pipeline.
// Metric offsets, used by the coordinate walk, are computed in Web Mercator
// (EPSG:3857) and converted back.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

var (
	toMercator = wgs84.EPSG().Transform(4326, 3857)
	toWGS84    = wgs84.EPSG().Transform(3857, 4326)
)

// ValidLatitude reports whether lat is a finite value in -90..90.
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude reports whether lon is a finite value in -180..180.
func ValidLongitude(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 180
}

// Validate returns ErrInvalidCoordinates if c is outside the geographic ranges.
func Validate(c core.Coordinates) error {
	if !ValidLatitude(c.Lat) || !ValidLongitude(c.Lon) {
		return ErrInvalidCoordinates
	}
	return nil
}

// ParseLatLon parses decimal latitude and longitude strings.
func ParseLatLon(latStr, lonStr string) (core.Coordinates, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return core.Coordinates{}, ErrInvalidCoordinates
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return core.Coordinates{}, ErrInvalidCoordinates
	}
	c := core.Coordinates{Lat: lat, Lon: lon}
	if err := Validate(c); err != nil {
		return core.Coordinates{}, err
	}
	return c, nil
}

// Offset moves c by east/north metres on the ground. The Mercator scale
// factor at c's latitude is applied so steps stay metric at high latitudes.
func Offset(c core.Coordinates, eastMeters, northMeters float64) core.Coordinates {
	scale := 1 / math.Cos(c.Lat*math.Pi/180)
	x, y, _ := toMercator(c.Lon, c.Lat, 0)
	lon, lat, _ := toWGS84(x+eastMeters*scale, y+northMeters*scale, 0)
	return core.Coordinates{Lat: lat, Lon: lon}
}

// Point creates a 2D point with X=lon, Y=lat. Non-finite coordinates are
// rejected by geom.
func Point(c core.Coordinates) (geom.Point, error) {
	p, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: c.Lon, Y: c.Lat},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.Point{}, fmt.Errorf("point %v,%v: %w", c.Lat, c.Lon, err)
	}
	return p, nil
}
