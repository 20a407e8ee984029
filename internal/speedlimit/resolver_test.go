package speedlimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/timeutil"
)

const ttl = 168 * time.Hour

func TestResolve_FreshCacheSkipsProviders(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	store := &memStore{recs: []telemetry.SpeedLimitRecord{{
		Coordinate:    offset(madrid, 10),
		SpeedLimitKPH: 30,
		RoadType:      telemetry.RoadUrban,
		Source:        telemetry.SourceProvider,
		Provider:      "roads-primary",
		CachedAt:      t0.Add(-time.Hour),
	}}}
	primary := &fakeProvider{name: "roads-primary", max: 100, answer: always(90)}
	secondary := &fakeProvider{name: "roads-secondary", max: 100, answer: always(90)}

	r := NewResolver(DefaultConfig(), Deps{
		Cache:     NewCache(store, nil, 25, ttl, clock),
		Primary:   primary,
		Secondary: secondary,
		Clock:     clock,
	})
	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)

	assert.Equal(t, 30.0, rec.SpeedLimitKPH)
	assert.Equal(t, telemetry.SourceCache, rec.Source)
	assert.Equal(t, telemetry.ConfidenceHigh, rec.Confidence)
	assert.Zero(t, primary.calls)
	assert.Zero(t, secondary.calls)
}

func TestResolve_ExpiredCacheFallsToPrimaryAndStores(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	store := &memStore{recs: []telemetry.SpeedLimitRecord{{
		Coordinate: madrid, SpeedLimitKPH: 30, CachedAt: t0.Add(-ttl - time.Minute),
	}}}
	primary := &fakeProvider{name: "roads-primary", max: 100, answer: always(80)}

	r := NewResolver(DefaultConfig(), Deps{Cache: NewCache(store, nil, 25, ttl, clock), Primary: primary, Clock: clock})
	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)

	assert.Equal(t, 80.0, rec.SpeedLimitKPH)
	assert.Equal(t, telemetry.SourceProvider, rec.Source)
	assert.Equal(t, telemetry.RoadInterurban, rec.RoadType)
	assert.Equal(t, t0, rec.CachedAt)
	require.Len(t, store.recs, 2)
	assert.Equal(t, 80.0, store.recs[1].SpeedLimitKPH)

	again := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)
	assert.Equal(t, telemetry.SourceCache, again.Source)
	assert.Equal(t, 1, primary.calls)
}

func TestResolve_PrimaryFailureUsesSecondary(t *testing.T) {
	primary := &fakeProvider{name: "roads-primary", max: 100, err: errDown}
	secondary := &fakeProvider{name: "roads-secondary", max: 100, answer: always(120)}
	r := NewResolver(DefaultConfig(), Deps{Primary: primary, Secondary: secondary})

	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)
	assert.Equal(t, "roads-secondary", rec.Provider)
	assert.Equal(t, 120.0, rec.SpeedLimitKPH)
	assert.Equal(t, 1, primary.calls)
}

func TestResolve_StaticLayerCanonicalises(t *testing.T) {
	primary := &fakeProvider{name: "roads-primary", max: 100, err: errDown}
	static := NewStaticIndex([]RoadSample{{WayID: "way/7", Coordinate: offset(madrid, 40), SpeedLimitKPH: 48}}, nil)
	r := NewResolver(DefaultConfig(), Deps{Primary: primary, Static: static})

	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)
	assert.Equal(t, 50.0, rec.SpeedLimitKPH)
	assert.Equal(t, telemetry.RoadUrban, rec.RoadType)
	assert.Equal(t, ProviderOSM, rec.Provider)
	assert.Equal(t, telemetry.SourceProvider, rec.Source)
	assert.Equal(t, telemetry.ConfidenceMedium, rec.Confidence)
	assert.Equal(t, "way/7", rec.PlaceID)
}

func TestResolve_StaticLayerKeepsClassOfUntaggedAndMistaggedRoads(t *testing.T) {
	tests := []struct {
		name     string
		sample   RoadSample
		want     float64
		wantType telemetry.RoadType
	}{
		{"untagged 52", RoadSample{WayID: "way/8", SpeedLimitKPH: 52}, 50, telemetry.RoadUrban},
		{"untagged 99", RoadSample{WayID: "way/9", SpeedLimitKPH: 99}, 100, telemetry.RoadHighway},
		{"primary street at 50", RoadSample{WayID: "way/10", SpeedLimitKPH: 50, RoadType: telemetry.RoadInterurban}, 50, telemetry.RoadUrban},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.sample.Coordinate = offset(madrid, 10)
			r := NewResolver(DefaultConfig(), Deps{Static: NewStaticIndex([]RoadSample{tt.sample}, nil)})

			rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)
			assert.Equal(t, tt.want, rec.SpeedLimitKPH)
			assert.Equal(t, tt.wantType, rec.RoadType)
			assert.Equal(t, ProviderOSM, rec.Provider)
		})
	}
}

func TestResolve_DefaultAlwaysAnswers(t *testing.T) {
	r := NewResolver(DefaultConfig(), Deps{
		Primary: &fakeProvider{name: "p", max: 1, err: errDown},
		Static:  NewStaticIndex(nil, nil),
	})
	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleTruck)
	assert.Equal(t, telemetry.SourceDefault, rec.Source)
	assert.Equal(t, ProviderDefault, rec.Provider)
	assert.Equal(t, 50.0, rec.SpeedLimitKPH)
	assert.Equal(t, telemetry.RoadUrban, rec.RoadType)
	assert.Equal(t, telemetry.ConfidenceLow, rec.Confidence)
}

func TestResolve_LayerOrder(t *testing.T) {
	r := NewResolver(DefaultConfig(), Deps{
		Cache:     NewCache(&memStore{}, nil, 25, ttl, nil),
		Primary:   &fakeProvider{name: "a"},
		Secondary: &fakeProvider{name: "b"},
		Static:    NewStaticIndex(nil, nil),
	})
	assert.Equal(t, []string{LayerCache, LayerPrimary, LayerSecondary, LayerStatic, LayerDefault}, r.Layers())
	assert.Equal(t, []string{LayerDefault}, NewResolver(DefaultConfig(), Deps{}).Layers())
}

func TestResolve_CacheErrorFallsThrough(t *testing.T) {
	store := &memStore{err: errors.New("disk I/O error")}
	primary := &fakeProvider{name: "roads-primary", max: 100, answer: always(50)}
	r := NewResolver(DefaultConfig(), Deps{Cache: NewCache(store, nil, 25, ttl, nil), Primary: primary})

	rec := r.Resolve(context.Background(), madrid, telemetry.VehicleCar)
	assert.Equal(t, telemetry.SourceProvider, rec.Source)
	assert.Equal(t, 50.0, rec.SpeedLimitKPH)
}

func TestResolveBatch_ChunksAndFallsBack(t *testing.T) {
	coords := make([]telemetry.Coordinate, 7)
	for i := range coords {
		coords[i] = offset(madrid, float64(i)*500)
	}
	clock := timeutil.NewMockClock(t0)
	store := &memStore{recs: []telemetry.SpeedLimitRecord{{Coordinate: coords[0], SpeedLimitKPH: 20, CachedAt: t0}}}
	primary := &fakeProvider{name: "roads-primary", max: 3, answer: func(c telemetry.Coordinate) (float64, bool) {
		return 90, c != coords[4]
	}}
	secondary := &fakeProvider{name: "roads-secondary", max: 3, answer: always(70)}

	r := NewResolver(DefaultConfig(), Deps{
		Cache:     NewCache(store, nil, 25, ttl, clock),
		Primary:   primary,
		Secondary: secondary,
		Clock:     clock,
	})
	recs := r.ResolveBatch(context.Background(), coords, telemetry.VehicleCar)
	require.Len(t, recs, 7)

	assert.Equal(t, telemetry.SourceCache, recs[0].Source)
	assert.Equal(t, 20.0, recs[0].SpeedLimitKPH)
	for _, i := range []int{1, 2, 3, 5, 6} {
		assert.Equal(t, "roads-primary", recs[i].Provider, "index %d", i)
		assert.Equal(t, coords[i], recs[i].Coordinate)
	}
	assert.Equal(t, "roads-secondary", recs[4].Provider)
	assert.Equal(t, 70.0, recs[4].SpeedLimitKPH)

	require.Len(t, primary.batches, 2)
	assert.Len(t, primary.batches[0], 3)
	assert.Len(t, primary.batches[1], 3)
	assert.Equal(t, 1, secondary.calls)
}

func TestResolveBatch_BatchFailureFallsBackPerPoint(t *testing.T) {
	coords := []telemetry.Coordinate{madrid, offset(madrid, 1000)}
	primary := &fakeProvider{name: "roads-primary", max: 100, err: errDown}
	r := NewResolver(DefaultConfig(), Deps{Primary: primary})

	recs := r.ResolveBatch(context.Background(), coords, telemetry.VehicleBus)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, telemetry.SourceDefault, rec.Source)
	}
	assert.Equal(t, 1, primary.calls, "per-point fallback skips the failed primary")
}

func TestCache_UnreachableRedisFallsBackToStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	clock := timeutil.NewMockClock(t0)
	store := &memStore{recs: []telemetry.SpeedLimitRecord{{Coordinate: madrid, SpeedLimitKPH: 30, CachedAt: t0}}}
	cache := NewCache(store, NewRedisHotCache(client, ""), 25, ttl, clock)

	rec, err := cache.Get(context.Background(), madrid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, telemetry.SourceCache, rec.Source)
	assert.Equal(t, 1, store.lookups)

	require.NoError(t, cache.Put(context.Background(), telemetry.SpeedLimitRecord{Coordinate: offset(madrid, 500), SpeedLimitKPH: 50}))
	require.Len(t, store.recs, 2)
	assert.Equal(t, t0, store.recs[1].CachedAt)
}

func TestRedisHotCache_KeyUsesGridCell(t *testing.T) {
	h := NewRedisHotCache(nil, "sl:")
	assert.Equal(t, "sl:404168:-37038", h.key(madrid))
}
