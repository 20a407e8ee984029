package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/route.report/internal/telemetry"
)

func TestDistance_OneDegreeLatitude(t *testing.T) {
	d := Distance(telemetry.Coordinate{Latitude: 40, Longitude: -3}, telemetry.Coordinate{Latitude: 41, Longitude: -3})
	assert.InDelta(t, 111195, d, 200)
}

func TestImpliedSpeedKPH(t *testing.T) {
	assert.InDelta(t, 36.0, ImpliedSpeedKPH(100, 10), 1e-9)
	assert.True(t, math.IsInf(ImpliedSpeedKPH(5, 0), 1))
	assert.Equal(t, 0.0, ImpliedSpeedKPH(0, 0))
}

func TestPathLength_SkipsLongSteps(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	tr := telemetry.Trace{
		{Timestamp: t0, Latitude: 40.0, Longitude: -3.0},
		{Timestamp: t0.Add(time.Second), Latitude: 40.001, Longitude: -3.0},
		{Timestamp: t0.Add(2 * time.Second), Latitude: 41.0, Longitude: -3.0},
	}
	short := SampleDistance(tr[0], tr[1])
	assert.InDelta(t, short, PathLength(tr, 2000), 1e-6)
	assert.Greater(t, PathLength(tr, 0), 100000.0)
}

func TestBoundAroundContainsCentre(t *testing.T) {
	c := telemetry.Coordinate{Latitude: 40.4, Longitude: -3.7}
	b := BoundAround(c, 25)
	assert.True(t, b.Contains(c.Point()))
	assert.False(t, b.Contains(telemetry.Coordinate{Latitude: 40.5, Longitude: -3.7}.Point()))
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IsFinite(1, 2, 3))
	assert.False(t, IsFinite(1, math.NaN()))
	assert.False(t, IsFinite(math.Inf(-1)))
}

func TestCellKey(t *testing.T) {
	lat, lon := CellKey(telemetry.Coordinate{Latitude: 40.41684, Longitude: -3.70381})
	assert.Equal(t, int64(404168), lat)
	assert.Equal(t, int64(-37038), lon)

	lat2, lon2 := CellKey(telemetry.Coordinate{Latitude: 40.416841, Longitude: -3.703809})
	assert.Equal(t, lat, lat2)
	assert.Equal(t, lon, lon2)
}
