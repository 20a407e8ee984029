package speedlimit

import (
	"math"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// CanonicalSets lists the official discrete limits per road class.
type CanonicalSets map[telemetry.RoadType][]float64

// SpanishCanonicalSets are the posted limits used by the DGT.
func SpanishCanonicalSets() CanonicalSets {
	return CanonicalSets{
		telemetry.RoadUrban:      {20, 30, 50},
		telemetry.RoadInterurban: {70, 80, 90},
		telemetry.RoadHighway:    {80, 100, 120},
	}
}

// reclassifyKPH is how far raw may sit from every value of its tagged
// class before the tag is distrusted and the class is taken from raw.
const reclassifyKPH = 5

// Canonicalize snaps raw to the nearest official value for roadType and
// returns the class the value belongs to. An empty roadType, or one whose
// set has nothing within reclassifyKPH of raw, is resolved against every
// set instead. Ties go to the tagged class, then to the lower value. When
// no set applies the raw value is returned unchanged.
func Canonicalize(raw float64, roadType telemetry.RoadType, sets CanonicalSets) (float64, telemetry.RoadType) {
	if set := sets[roadType]; roadType.Valid() && len(set) > 0 {
		if best := nearest(raw, set); math.Abs(best-raw) <= reclassifyKPH {
			return best, roadType
		}
	}

	var all []float64
	for _, set := range sets {
		all = append(all, set...)
	}
	if len(all) == 0 {
		if !roadType.Valid() {
			roadType = telemetry.ClassifyLimit(raw)
		}
		return raw, roadType
	}
	best := nearest(raw, all)
	if tagged := sets[roadType]; roadType.Valid() && len(tagged) > 0 {
		if tb := nearest(raw, tagged); math.Abs(tb-raw) == math.Abs(best-raw) {
			return tb, roadType
		}
	}
	return best, classOf(best, sets)
}

// nearest returns the value of set closest to raw, the lower one on a tie.
func nearest(raw float64, set []float64) float64 {
	best := set[0]
	for _, v := range set[1:] {
		d, bd := math.Abs(v-raw), math.Abs(best-raw)
		if d < bd || (d == bd && v < best) {
			best = v
		}
	}
	return best
}

func contains(set []float64, v float64) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// classOf picks the class owning v. Values listed by several classes (80
// is both interurban and highway) go to the class its magnitude implies.
func classOf(v float64, sets CanonicalSets) telemetry.RoadType {
	if rt := telemetry.ClassifyLimit(v); contains(sets[rt], v) {
		return rt
	}
	var owner telemetry.RoadType
	for rt, set := range sets {
		if contains(set, v) && (owner == "" || rt < owner) {
			owner = rt
		}
	}
	return owner
}
