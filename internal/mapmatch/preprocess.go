package mapmatch

import (
	"time"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// FilterJitter drops points that barely moved from the last kept point:
// closer than JitterMinMeters, slower than JitterMaxSpeedKPH and within
// JitterWindow. The first point is always kept.
func FilterJitter(trace telemetry.Trace, cfg Config) telemetry.Trace {
	if len(trace) == 0 {
		return nil
	}
	kept := telemetry.Trace{trace[0]}
	for _, p := range trace[1:] {
		last := kept[len(kept)-1]
		elapsed := p.Timestamp.Sub(last.Timestamp)
		dist := geo.SampleDistance(last, p)
		if dist < cfg.JitterMinMeters &&
			geo.ImpliedSpeedKPH(dist, elapsed.Seconds()) < cfg.JitterMaxSpeedKPH &&
			elapsed <= cfg.JitterWindow {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// SplitSegments cuts the trace wherever consecutive points are more than
// maxGap apart. Segments shorter than two points are discarded.
func SplitSegments(trace telemetry.Trace, maxGap time.Duration) []telemetry.Trace {
	var segments []telemetry.Trace
	start := 0
	flush := func(end int) {
		if end-start >= 2 {
			segments = append(segments, trace[start:end])
		}
		start = end
	}
	for i := 1; i < len(trace); i++ {
		if maxGap > 0 && trace[i].Timestamp.Sub(trace[i-1].Timestamp) > maxGap {
			flush(i)
		}
	}
	flush(len(trace))
	return segments
}

// Downsample keeps at most maxPoints of seg by uniform stride, always
// including the first and last point.
func Downsample(seg telemetry.Trace, maxPoints int) telemetry.Trace {
	if maxPoints < 2 || len(seg) <= maxPoints {
		return seg
	}
	out := make(telemetry.Trace, 0, maxPoints)
	step := float64(len(seg)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints-1; i++ {
		out = append(out, seg[int(float64(i)*step)])
	}
	return append(out, seg[len(seg)-1])
}
