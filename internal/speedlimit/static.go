package speedlimit

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// RoadSample is one point of a locally maintained road with a known limit,
// usually a vertex of an OSM way carrying maxspeed.
type RoadSample struct {
	WayID         string
	Coordinate    telemetry.Coordinate
	SpeedLimitKPH float64
	// RoadType may be empty when the source did not classify the road.
	RoadType telemetry.RoadType
}

// Point implements orb.Pointer.
func (r RoadSample) Point() orb.Point { return r.Coordinate.Point() }

// RoadSource loads the static road table.
type RoadSource interface {
	RoadSpeedLimits(ctx context.Context) ([]RoadSample, error)
}

// DefaultStaticRadii are the search radii tried in order, in metres.
var DefaultStaticRadii = []float64{25, 50, 100, 200}

var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// StaticIndex answers nearest-road queries from an in-memory quadtree. It is
// read-only after construction.
type StaticIndex struct {
	tree  *quadtree.Quadtree
	radii []float64
	size  int
}

// NewStaticIndex indexes samples. Samples outside WGS84 bounds are skipped.
func NewStaticIndex(samples []RoadSample, radii []float64) *StaticIndex {
	if len(radii) == 0 {
		radii = DefaultStaticRadii
	}
	idx := &StaticIndex{tree: quadtree.New(worldBound), radii: radii}
	for _, s := range samples {
		if s.SpeedLimitKPH <= 0 {
			continue
		}
		if err := idx.tree.Add(s); err == nil {
			idx.size++
		}
	}
	return idx
}

// LoadStaticIndex builds an index from src.
func LoadStaticIndex(ctx context.Context, src RoadSource, radii []float64) (*StaticIndex, error) {
	samples, err := src.RoadSpeedLimits(ctx)
	if err != nil {
		return nil, err
	}
	return NewStaticIndex(samples, radii), nil
}

// Len is the number of indexed samples.
func (s *StaticIndex) Len() int { return s.size }

// Nearest returns the closest sample within the first radius that has any,
// and its distance in metres.
func (s *StaticIndex) Nearest(c telemetry.Coordinate) (RoadSample, float64, bool) {
	if s == nil || s.size == 0 {
		return RoadSample{}, 0, false
	}
	var buf []orb.Pointer
	for _, radius := range s.radii {
		buf = s.tree.InBound(buf[:0], geo.BoundAround(c, radius))
		best, bestDist := RoadSample{}, math.Inf(1)
		for _, p := range buf {
			rs := p.(RoadSample)
			if d := geo.Distance(c, rs.Coordinate); d <= radius && d < bestDist {
				best, bestDist = rs, d
			}
		}
		if !math.IsInf(bestDist, 1) {
			return best, bestDist, true
		}
	}
	return RoadSample{}, 0, false
}
