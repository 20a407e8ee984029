package speedlimit

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/route.report/internal/telemetry"
)

func TestCanonicalize_Examples(t *testing.T) {
	sets := SpanishCanonicalSets()
	tests := []struct {
		raw      float64
		roadType telemetry.RoadType
		want     float64
		wantType telemetry.RoadType
	}{
		{48, telemetry.RoadUrban, 50, telemetry.RoadUrban},
		{118, telemetry.RoadHighway, 120, telemetry.RoadHighway},
		{32, telemetry.RoadUrban, 30, telemetry.RoadUrban},
		{87, telemetry.RoadInterurban, 90, telemetry.RoadInterurban},
		{78, telemetry.RoadHighway, 80, telemetry.RoadHighway},
		{80, "", 80, telemetry.RoadInterurban},
		{52, "", 50, telemetry.RoadUrban},
		{98, "", 100, telemetry.RoadHighway},
		{63, "", 70, telemetry.RoadInterurban},
		// A city street tagged primary keeps its urban limit.
		{50, telemetry.RoadInterurban, 50, telemetry.RoadUrban},
		{90, telemetry.RoadHighway, 90, telemetry.RoadInterurban},
		// Equidistant between classes: the tag decides.
		{60, telemetry.RoadInterurban, 70, telemetry.RoadInterurban},
		{60, telemetry.RoadUrban, 50, telemetry.RoadUrban},
		{45, "", 50, telemetry.RoadUrban},
		{110, "", 100, telemetry.RoadHighway},
	}
	for _, tt := range tests {
		got, gotType := Canonicalize(tt.raw, tt.roadType, sets)
		assert.Equal(t, tt.want, got, "raw %v %s", tt.raw, tt.roadType)
		assert.Equal(t, tt.wantType, gotType)
	}
}

func TestCanonicalize_UnknownSetKeepsRaw(t *testing.T) {
	got, rt := Canonicalize(65, telemetry.RoadInterurban, CanonicalSets{})
	assert.Equal(t, 65.0, got)
	assert.Equal(t, telemetry.RoadInterurban, rt)
}

func TestCanonicalize_WithinTwoSnapsToOfficial(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	sets := SpanishCanonicalSets()

	for roadType, values := range sets {
		roadType, values := roadType, values
		properties.Property(string(roadType)+" values within 2 km/h snap", prop.ForAll(
			func(i int, delta float64) bool {
				official := values[i%len(values)]
				got, _ := Canonicalize(official+delta, roadType, sets)
				return got == official
			},
			gen.IntRange(0, 100),
			gen.Float64Range(-2, 2),
		))
	}
	properties.TestingRun(t)
}

func TestCanonicalize_WithinTwoSnapsWhateverTheTag(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	sets := SpanishCanonicalSets()

	var official []float64
	for _, values := range sets {
		official = append(official, values...)
	}
	tags := []telemetry.RoadType{"", telemetry.RoadUrban, telemetry.RoadInterurban, telemetry.RoadHighway}

	properties.Property("any official value within 2 km/h snaps to it", prop.ForAll(
		func(i, tag int, delta float64) bool {
			want := official[i%len(official)]
			got, rt := Canonicalize(want+delta, tags[tag%len(tags)], sets)
			return got == want && contains(sets[rt], got)
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 3),
		gen.Float64Range(-2, 2),
	))
	properties.TestingRun(t)
}

func TestCanonicalize_UnclassifiedEmptySets(t *testing.T) {
	got, rt := Canonicalize(52, "", CanonicalSets{})
	assert.Equal(t, 52.0, got)
	assert.Equal(t, telemetry.RoadInterurban, rt)
}

func TestDefaultLimits(t *testing.T) {
	d := SpanishDefaultLimits()
	assert.Equal(t, 90.0, d.Limit(telemetry.VehicleTruck, telemetry.RoadHighway))
	assert.Equal(t, 100.0, d.Limit(telemetry.VehicleBus, telemetry.RoadHighway))
	assert.Equal(t, 50.0, d.Limit(telemetry.VehicleEmergency, telemetry.RoadUrban))
	assert.Equal(t, 120.0, d.Limit(telemetry.VehicleClass("tram"), telemetry.RoadHighway))
	assert.Equal(t, 50.0, DefaultLimits{}.Limit(telemetry.VehicleCar, telemetry.RoadHighway))
}
