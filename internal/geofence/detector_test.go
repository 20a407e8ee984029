package geofence

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
)

var t0 = time.Date(2024, 9, 12, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

var ref = telemetry.SessionRef{SessionID: "sess-1", OrganizationID: "org-a", VehicleID: "veh-9"}

// square returns a polygon covering lon [x0,x1] x lat [y0,y1].
func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func fence(id string, g orb.Geometry) telemetry.Geofence {
	return telemetry.Geofence{ID: id, OrganizationID: "org-a", Name: id, Geometry: g, Enabled: true}
}

func pts(coords ...[2]float64) telemetry.Trace {
	tr := make(telemetry.Trace, len(coords))
	for i, c := range coords {
		tr[i] = telemetry.PositionSample{
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
			Longitude: c[0],
			Latitude:  c[1],
			SpeedKPH:  30,
		}
	}
	return tr
}

func TestDetect_StartInsideEmitsOnlyExit(t *testing.T) {
	g := fence("G", square(-3.71, 40.39, -3.69, 40.41))
	tr := pts([2]float64{-3.70, 40.40}, [2]float64{-3.60, 40.40})

	events := New(DefaultConfig()).Detect(ref, tr, []telemetry.Geofence{g})
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.EventExit, events[0].Type)
	assert.Equal(t, tr[1].Timestamp, events[0].Timestamp)
	assert.Equal(t, tr[1].Latitude, events[0].Latitude)
	assert.Equal(t, tr[1].Longitude, events[0].Longitude)
	assert.Equal(t, "G", events[0].GeofenceID)
	assert.Equal(t, "veh-9", events[0].VehicleID)
	assert.Equal(t, "org-a", events[0].OrganizationID)
}

func TestDetect_EnterThenExit(t *testing.T) {
	g := fence("G", square(-3.71, 40.39, -3.69, 40.41))
	tr := pts(
		[2]float64{-3.75, 40.40},
		[2]float64{-3.70, 40.40},
		[2]float64{-3.70, 40.401},
		[2]float64{-3.65, 40.40},
	)
	events := New(DefaultConfig()).Detect(ref, tr, []telemetry.Geofence{g})
	require.Len(t, events, 2)
	assert.Equal(t, telemetry.EventEnter, events[0].Type)
	assert.Equal(t, tr[1].Timestamp, events[0].Timestamp)
	assert.Equal(t, telemetry.EventExit, events[1].Type)
	assert.Equal(t, tr[3].Timestamp, events[1].Timestamp)
}

func TestDetect_SortedAcrossGeofences(t *testing.T) {
	a := fence("A", square(-3.62, 40.39, -3.58, 40.41))
	b := fence("B", square(-3.72, 40.39, -3.68, 40.41))
	tr := pts(
		[2]float64{-3.80, 40.40},
		[2]float64{-3.70, 40.40},
		[2]float64{-3.65, 40.40},
		[2]float64{-3.60, 40.40},
		[2]float64{-3.50, 40.40},
	)
	events := New(DefaultConfig()).Detect(ref, tr, []telemetry.Geofence{a, b})
	require.Len(t, events, 4)
	got := []string{}
	for _, e := range events {
		got = append(got, e.GeofenceID+":"+string(e.Type))
	}
	assert.Equal(t, []string{"B:ENTER", "B:EXIT", "A:ENTER", "A:EXIT"}, got)
}

func TestCandidates_Filtering(t *testing.T) {
	tr := pts([2]float64{-3.75, 40.40}, [2]float64{-3.65, 40.40})
	inPath := square(-3.71, 40.39, -3.69, 40.41)

	other := fence("other-org", inPath)
	other.OrganizationID = "org-b"
	disabled := fence("disabled", inPath)
	disabled.Enabled = false
	line := fence("line", orb.LineString{{-3.7, 40.3}, {-3.7, 40.5}})
	far := fence("far", square(2.0, 41.0, 2.1, 41.1))
	crossed := fence("crossed", inPath)
	multi := fence("multi", orb.MultiPolygon{square(10, 10, 11, 11), inPath})

	got := New(DefaultConfig()).Candidates("org-a", tr, []telemetry.Geofence{other, disabled, line, far, crossed, multi})
	ids := []string{}
	for _, g := range got {
		ids = append(ids, g.ID)
	}
	// "crossed" has no point inside; only the path segment crosses it.
	assert.Equal(t, []string{"crossed", "multi"}, ids)
}

func TestDetect_NoCandidatesReturnsEmpty(t *testing.T) {
	tr := pts([2]float64{-3.75, 40.40}, [2]float64{-3.65, 40.40})
	far := fence("far", square(2.0, 41.0, 2.1, 41.1))
	events := New(DefaultConfig()).Detect(ref, tr, []telemetry.Geofence{far})
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestCandidates_TilesCoverLongPaths(t *testing.T) {
	coords := make([][2]float64, 0, 40)
	for i := 0; i < 40; i++ {
		coords = append(coords, [2]float64{-3.80 + float64(i)*0.005, 40.40})
	}
	tr := pts(coords...)
	// Only the segment between points 30 and 31 crosses it.
	g := fence("G", square(-3.6495, 40.39, -3.6460, 40.41))

	got := New(Config{TileSize: 4}).Candidates("org-a", tr, []telemetry.Geofence{g})
	assert.Len(t, got, 1)
}

func TestTilePath_SharesBoundaryPoints(t *testing.T) {
	path := orb.LineString{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}}
	tiles := tilePath(path, 3)
	require.Len(t, tiles, 2)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 0}, {2, 0}}, tiles[0].path)
	assert.Equal(t, orb.LineString{{2, 0}, {3, 0}, {4, 0}}, tiles[1].path)
}

func TestSegmentsIntersect(t *testing.T) {
	assert.True(t, segmentsIntersect(orb.Point{0, 0}, orb.Point{2, 2}, orb.Point{0, 2}, orb.Point{2, 0}))
	assert.False(t, segmentsIntersect(orb.Point{0, 0}, orb.Point{1, 1}, orb.Point{2, 2}, orb.Point{3, 0}))
	assert.True(t, segmentsIntersect(orb.Point{0, 0}, orb.Point{2, 0}, orb.Point{1, 0}, orb.Point{3, 0}))
}

func TestEventID_Stable(t *testing.T) {
	a := EventID("s", "g", telemetry.EventEnter, 1000)
	assert.Equal(t, a, EventID("s", "g", telemetry.EventEnter, 1000))
	assert.NotEqual(t, a, EventID("s", "g", telemetry.EventExit, 1000))
}

func TestDetect_EventsAlternate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	fences := []telemetry.Geofence{
		fence("inner", square(-0.01, -0.01, 0.01, 0.01)),
		fence("ring", orb.MultiPolygon{square(0.02, 0.02, 0.03, 0.03), square(-0.03, -0.03, -0.02, -0.02)}),
	}
	d := New(Config{TileSize: 8})

	properties.Property("per geofence types strictly alternate", prop.ForAll(
		func(xs, ys []float64) bool {
			n := min(len(xs), len(ys))
			coords := make([][2]float64, n)
			for i := 0; i < n; i++ {
				coords[i] = [2]float64{xs[i], ys[i]}
			}
			last := map[string]telemetry.EventType{}
			for _, e := range d.Detect(telemetry.SessionRef{OrganizationID: "org-a"}, pts(coords...), fences) {
				if prev, ok := last[e.GeofenceID]; ok && prev == e.Type {
					return false
				}
				last[e.GeofenceID] = e.Type
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-0.04, 0.04)),
		gen.SliceOf(gen.Float64Range(-0.04, 0.04)),
	))
	properties.TestingRun(t)
}
