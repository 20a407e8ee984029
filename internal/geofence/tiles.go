package geofence

import (
	"github.com/paulmach/orb"
)

// tile is a run of consecutive path points with its bound. Consecutive tiles
// share their boundary point so no path segment is lost between them.
type tile struct {
	bound orb.Bound
	path  orb.LineString
}

func tilePath(path orb.LineString, size int) []tile {
	if len(path) == 0 {
		return nil
	}
	var tiles []tile
	for start := 0; ; start += size - 1 {
		end := start + size
		if end > len(path) {
			end = len(path)
		}
		seg := path[start:end]
		tiles = append(tiles, tile{bound: seg.Bound(), path: seg})
		if end == len(path) {
			break
		}
	}
	return tiles
}

// touches reports whether any tile has a point inside g or a segment that
// crosses one of g's ring edges.
func touches(g orb.Geometry, tiles []tile) bool {
	gb := g.Bound()
	for _, t := range tiles {
		if !gb.Intersects(t.bound) {
			continue
		}
		for _, p := range t.path {
			if gb.Contains(p) && Contains(g, p) {
				return true
			}
		}
		for _, ring := range rings(g) {
			if !ring.Bound().Intersects(t.bound) {
				continue
			}
			if pathCrossesRing(t.path, ring) {
				return true
			}
		}
	}
	return false
}

func rings(g orb.Geometry) []orb.Ring {
	switch geom := g.(type) {
	case orb.Polygon:
		return geom
	case orb.MultiPolygon:
		var out []orb.Ring
		for _, poly := range geom {
			out = append(out, poly...)
		}
		return out
	}
	return nil
}

func pathCrossesRing(path orb.LineString, ring orb.Ring) bool {
	for i := 1; i < len(path); i++ {
		for j := 1; j < len(ring); j++ {
			if segmentsIntersect(path[i-1], path[i], ring[j-1], ring[j]) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect is the standard orientation test, collinear overlaps
// included.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	return (o1 == 0 && onSegment(p1, q1, p2)) ||
		(o2 == 0 && onSegment(p1, q2, p2)) ||
		(o3 == 0 && onSegment(q1, p1, q2)) ||
		(o4 == 0 && onSegment(q1, p2, q2))
}

func orientation(a, b, c orb.Point) int {
	v := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return 2
	}
	return 0
}

// onSegment reports whether q lies within the bounding box of p-r.
func onSegment(p, q, r orb.Point) bool {
	return q[0] <= max(p[0], r[0]) && q[0] >= min(p[0], r[0]) &&
		q[1] <= max(p[1], r[1]) && q[1] >= min(p[1], r[1])
}
