package geo

import (
	"fmt"
	"math"
)

// TileID calculates the slippy-map tile containing p at the given zoom level.
// Fused positions carry it so map clients can subscribe to a viewport.
func TileID(p LatLng, zoom int) string {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((p.Lng + 180.0) / 360.0 * n))
	latRad := p.Lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	x = clampTile(x, maxTile)
	y = clampTile(y, maxTile)

	return fmt.Sprintf("%d/%d/%d", zoom, x, y)
}

// ParseTileID extracts zoom, x, y from a tile ID string
func ParseTileID(tileID string) (zoom, x, y int, ok bool) {
	n, err := fmt.Sscanf(tileID, "%d/%d/%d", &zoom, &x, &y)
	if err != nil || n != 3 {
		return 0, 0, 0, false
	}
	return zoom, x, y, true
}

// TilesInBBox returns all tile IDs that intersect the given bounding box
func TilesInBBox(bb BoundingBox, zoom int) []string {
	_, x1, y1, ok1 := ParseTileID(TileID(LatLng{Lat: bb.MaxLat, Lng: bb.MinLng}, zoom))
	_, x2, y2, ok2 := ParseTileID(TileID(LatLng{Lat: bb.MinLat, Lng: bb.MaxLng}, zoom))
	if !ok1 || !ok2 {
		return nil
	}

	var tiles []string
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			tiles = append(tiles, fmt.Sprintf("%d/%d/%d", zoom, x, y))
		}
	}
	return tiles
}

func clampTile(v, maxTile int) int {
	if v < 0 {
		return 0
	}
	if v > maxTile {
		return maxTile
	}
	return v
}
