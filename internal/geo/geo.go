// Package geo wraps the orb great-circle helpers used across the pipeline.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// Distance is the haversine distance in metres.
func Distance(a, b telemetry.Coordinate) float64 {
	return orbgeo.DistanceHaversine(a.Point(), b.Point())
}

// SampleDistance is the haversine distance between two samples in metres.
func SampleDistance(a, b telemetry.PositionSample) float64 {
	return orbgeo.DistanceHaversine(a.Point(), b.Point())
}

// ImpliedSpeedKPH is the speed needed to cover meters in seconds. A
// non-positive interval yields +Inf for any movement and 0 otherwise.
func ImpliedSpeedKPH(meters, seconds float64) float64 {
	if seconds <= 0 {
		if meters > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return meters / seconds * 3.6
}

// PathLength sums the step distances of a trace, skipping steps longer than
// maxStep metres. A non-positive maxStep disables the cut-off.
func PathLength(trace telemetry.Trace, maxStep float64) float64 {
	var total float64
	for i := 1; i < len(trace); i++ {
		d := SampleDistance(trace[i-1], trace[i])
		if maxStep > 0 && d > maxStep {
			continue
		}
		total += d
	}
	return total
}

// BoundAround returns a bound of radius metres around c.
func BoundAround(c telemetry.Coordinate, radius float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(c.Point(), radius)
}

// IsFinite reports whether all values are usable numbers.
func IsFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// cellScale is the grid resolution of CellKey, about 11 m of latitude.
const cellScale = 1e4

// CellKey rounds c to a fixed grid. Cached rows are unique per cell.
func CellKey(c telemetry.Coordinate) (latKey, lonKey int64) {
	return int64(math.Round(c.Latitude * cellScale)), int64(math.Round(c.Longitude * cellScale))
}
