package speedlimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// offset moves c north by roughly metres.
func offset(c telemetry.Coordinate, metres float64) telemetry.Coordinate {
	return telemetry.Coordinate{Latitude: c.Latitude + metres/111195.0, Longitude: c.Longitude}
}

func TestStaticIndex_NearestExpandsRadius(t *testing.T) {
	idx := NewStaticIndex([]RoadSample{
		{WayID: "w1", Coordinate: offset(madrid, 80), SpeedLimitKPH: 30},
		{WayID: "w2", Coordinate: offset(madrid, 150), SpeedLimitKPH: 50},
		{WayID: "far", Coordinate: offset(madrid, 5000), SpeedLimitKPH: 120},
	}, nil)
	require.Equal(t, 3, idx.Len())

	s, dist, ok := idx.Nearest(madrid)
	require.True(t, ok)
	assert.Equal(t, "w1", s.WayID)
	assert.InDelta(t, 80, dist, 1)

	_, _, ok = idx.Nearest(offset(madrid, 2000))
	assert.False(t, ok)
}

func TestStaticIndex_SkipsUnusableSamples(t *testing.T) {
	idx := NewStaticIndex([]RoadSample{
		{WayID: "zero", Coordinate: madrid},
		{WayID: "bad", Coordinate: telemetry.Coordinate{Latitude: 95, Longitude: 0}, SpeedLimitKPH: 50},
	}, nil)
	assert.Equal(t, 0, idx.Len())
	_, _, ok := idx.Nearest(madrid)
	assert.False(t, ok)

	var nilIdx *StaticIndex
	_, _, ok = nilIdx.Nearest(madrid)
	assert.False(t, ok)
}

type roadSourceFunc func(ctx context.Context) ([]RoadSample, error)

func (f roadSourceFunc) RoadSpeedLimits(ctx context.Context) ([]RoadSample, error) { return f(ctx) }

func TestLoadStaticIndex(t *testing.T) {
	idx, err := LoadStaticIndex(context.Background(), roadSourceFunc(func(context.Context) ([]RoadSample, error) {
		return []RoadSample{{WayID: "w", Coordinate: madrid, SpeedLimitKPH: 50}}, nil
	}), []float64{10})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	_, err = LoadStaticIndex(context.Background(), roadSourceFunc(func(context.Context) ([]RoadSample, error) {
		return nil, errors.New("no table")
	}), nil)
	assert.Error(t, err)
}
