// Package geo holds the small amount of spherical geometry the fusion engine
// needs: distances, bearings and proximity checks against stops and route
// corridors. Points follow the orb convention of [lon, lat].
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

const earthRadiusMeters = orb.EarthRadius

// LatLng is a plain coordinate pair used across the engine.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Point converts to an orb point.
func (p LatLng) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// Valid reports whether the pair is finite and inside WGS84 ranges.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance returns the great-circle distance in meters.
func Distance(a, b LatLng) float64 {
	return orbgeo.DistanceHaversine(a.Point(), b.Point())
}

// Bearing returns the initial bearing from a to b in degrees, normalized to [0, 360).
func Bearing(a, b LatLng) float64 {
	return NormalizeHeading(orbgeo.Bearing(a.Point(), b.Point()))
}

// NormalizeHeading folds any angle into [0, 360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// WithinRadius reports whether p lies within radius meters of center.
func WithinRadius(p, center LatLng, radius float64) bool {
	return Distance(p, center) <= radius
}

// DistanceToSegment returns the distance in meters from p to the segment a-b.
// The segment is projected onto a local equirectangular plane centered on p,
// which is accurate for the few-kilometer segments found in route shapes.
func DistanceToSegment(p, a, b LatLng) float64 {
	ax, ay := project(a, p)
	bx, by := project(b, p)

	dx, dy := bx-ax, by-ay
	denom := dx*dx + dy*dy
	t := 0.0
	if denom > 0 {
		t = -(ax*dx + ay*dy) / denom
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}

	cx := ax + t*dx
	cy := ay + t*dy
	return math.Hypot(cx, cy)
}

// NearSegment reports whether p is within tolerance meters of segment a-b.
func NearSegment(p, a, b LatLng, tolerance float64) bool {
	return DistanceToSegment(p, a, b) <= tolerance
}

// DistanceToPolyline returns the distance from p to the closest segment of line.
// A single-point line degenerates to a point distance. Empty lines return +Inf.
func DistanceToPolyline(p LatLng, line []LatLng) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, line[0])
	}

	best := math.Inf(1)
	for i := 0; i < len(line)-1; i++ {
		if d := DistanceToSegment(p, line[i], line[i+1]); d < best {
			best = d
		}
	}
	return best
}

// NearestPoint returns the index of and distance to the closest point in pts.
func NearestPoint(p LatLng, pts []LatLng) (int, float64) {
	idx := -1
	best := math.Inf(1)
	for i, q := range pts {
		if d := Distance(p, q); d < best {
			best = d
			idx = i
		}
	}
	return idx, best
}

// PathLength sums consecutive great-circle distances along pts.
func PathLength(pts []LatLng) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += Distance(pts[i-1], pts[i])
	}
	return total
}

func project(q, origin LatLng) (x, y float64) {
	lat0 := origin.Lat * math.Pi / 180
	x = (q.Lng - origin.Lng) * math.Pi / 180 * math.Cos(lat0) * earthRadiusMeters
	y = (q.Lat - origin.Lat) * math.Pi / 180 * earthRadiusMeters
	return x, y
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat" yaml:"minLat"`
	MaxLat float64 `json:"maxLat" yaml:"maxLat"`
	MinLng float64 `json:"minLng" yaml:"minLng"`
	MaxLng float64 `json:"maxLng" yaml:"maxLng"`
}

// Bound converts to an orb bound.
func (bb BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{bb.MinLng, bb.MinLat},
		Max: orb.Point{bb.MaxLng, bb.MaxLat},
	}
}

// IsZero reports an unset box, which callers treat as "no restriction".
func (bb BoundingBox) IsZero() bool {
	return bb == BoundingBox{}
}

// Contains checks if a point is within the bounding box
func (bb BoundingBox) Contains(p LatLng) bool {
	return bb.Bound().Contains(p.Point())
}
