package waytable

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

const (
	// coordScale is the fixed-point precision of Coordinate components.
	coordScale = 1e7

	// MaxLatitude is the largest latitude which can be projected. Latitudes
	// beyond it are clamped.
	MaxLatitude = 85.0511287798066
)

// Coordinate is a point in projected latitude (latp) and longitude, stored as
// fixed-point integers with seven decimal places.
type Coordinate struct {
	Latp int32
	Lon  int32
}

// Placeholder is stored in place of unresolvable points when the
// KeepPlaceholder policy is active.
var Placeholder = Coordinate{Latp: math.MaxInt32, Lon: math.MaxInt32}

// NewCoordinate projects a WGS84 latitude/longitude pair (degrees).
// Latitudes are clamped to [-MaxLatitude, MaxLatitude].
func NewCoordinate(lat, lon float64) Coordinate {
	return LatpLon(lat2latp(lat), lon)
}

// LatpLon builds a coordinate from an already projected latitude and a
// longitude, both in degrees.
func LatpLon(latp, lon float64) Coordinate {
	return Coordinate{
		Latp: int32(math.Round(latp * coordScale)),
		Lon:  int32(math.Round(lon * coordScale)),
	}
}

// CoordinateFromLatLng converts an s2.LatLng.
func CoordinateFromLatLng(ll s2.LatLng) Coordinate {
	return NewCoordinate(ll.Lat.Degrees(), ll.Lng.Degrees())
}

// Lat returns the unprojected WGS84 latitude in degrees.
func (c Coordinate) Lat() float64 { return latp2lat(c.LatpDegrees()) }

// LatpDegrees returns the projected latitude in degrees.
func (c Coordinate) LatpDegrees() float64 { return float64(c.Latp) / coordScale }

// LonDegrees returns the longitude in degrees.
func (c Coordinate) LonDegrees() float64 { return float64(c.Lon) / coordScale }

// LatLng converts the coordinate to an s2.LatLng.
func (c Coordinate) LatLng() s2.LatLng {
	return s2.LatLng{
		Lat: s1.Angle(c.Lat()) * s1.Degree,
		Lng: s1.Angle(c.LonDegrees()) * s1.Degree,
	}
}

// IsPlaceholder reports whether c stands in for an unresolved point.
func (c Coordinate) IsPlaceholder() bool { return c == Placeholder }

func lat2latp(lat float64) float64 {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	return math.Log(math.Tan((lat+90)*math.Pi/360)) * 180 / math.Pi
}

func latp2lat(latp float64) float64 {
	return math.Atan(math.Exp(latp*math.Pi/180))*360/math.Pi - 90
}
