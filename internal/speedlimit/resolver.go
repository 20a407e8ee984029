// Package speedlimit resolves the legal speed limit at a coordinate through
// an ordered chain of layers: cache, primary provider, secondary provider,
// static OSM table and a per-vehicle default. The chain always answers.
package speedlimit

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/timeutil"
)

// Layer names, also used as the Provider of static and default records.
const (
	LayerCache     = "cache"
	LayerPrimary   = "primary"
	LayerSecondary = "secondary"
	LayerStatic    = "static"
	LayerDefault   = "default"

	ProviderOSM     = "osm"
	ProviderDefault = "default"
)

// Config holds the resolver tuning that is not owned by a dependency.
type Config struct {
	Canonical       CanonicalSets
	Defaults        DefaultLimits
	DefaultRoadType telemetry.RoadType
	// CanonicalWarnKPH is the correction above which canonicalisation logs
	// a warning instead of an info line.
	CanonicalWarnKPH float64
}

// DefaultConfig returns the Spanish jurisdiction tables.
func DefaultConfig() Config {
	return Config{
		Canonical:        SpanishCanonicalSets(),
		Defaults:         SpanishDefaultLimits(),
		DefaultRoadType:  telemetry.RoadUrban,
		CanonicalWarnKPH: 5,
	}
}

// Deps are the optional backends of the chain. Nil members are skipped.
type Deps struct {
	Cache     *Cache
	Primary   Provider
	Secondary Provider
	Static    *StaticIndex
	Clock     timeutil.Clock
}

// Layer is one step of the chain. ok is false when the layer declined.
type Layer struct {
	Name   string
	Lookup func(ctx context.Context, c telemetry.Coordinate, class telemetry.VehicleClass) (rec telemetry.SpeedLimitRecord, ok bool)
}

// Resolver folds coordinates over its layers. Safe for concurrent use.
type Resolver struct {
	cfg    Config
	deps   Deps
	layers []Layer
}

// NewResolver builds the chain from deps.
func NewResolver(cfg Config, deps Deps) *Resolver {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if cfg.Canonical == nil {
		cfg.Canonical = SpanishCanonicalSets()
	}
	if cfg.Defaults == nil {
		cfg.Defaults = SpanishDefaultLimits()
	}
	if !cfg.DefaultRoadType.Valid() {
		cfg.DefaultRoadType = telemetry.RoadUrban
	}
	r := &Resolver{cfg: cfg, deps: deps}

	if deps.Cache != nil {
		r.layers = append(r.layers, Layer{Name: LayerCache, Lookup: r.lookupCache})
	}
	if deps.Primary != nil {
		r.layers = append(r.layers, Layer{Name: LayerPrimary, Lookup: r.providerLayer(deps.Primary)})
	}
	if deps.Secondary != nil {
		r.layers = append(r.layers, Layer{Name: LayerSecondary, Lookup: r.providerLayer(deps.Secondary)})
	}
	if deps.Static != nil {
		r.layers = append(r.layers, Layer{Name: LayerStatic, Lookup: r.lookupStatic})
	}
	r.layers = append(r.layers, Layer{Name: LayerDefault, Lookup: r.lookupDefault})
	return r
}

// Layers returns the layer names in evaluation order.
func (r *Resolver) Layers() []string {
	names := make([]string, len(r.layers))
	for i, l := range r.layers {
		names[i] = l.Name
	}
	return names
}

// Resolve returns the limit at c for class. It never fails: the default
// layer always answers.
func (r *Resolver) Resolve(ctx context.Context, c telemetry.Coordinate, class telemetry.VehicleClass) telemetry.SpeedLimitRecord {
	return r.resolveFrom(ctx, 0, c, class)
}

// resolveFrom runs the chain starting at layer index start.
func (r *Resolver) resolveFrom(ctx context.Context, start int, c telemetry.Coordinate, class telemetry.VehicleClass) telemetry.SpeedLimitRecord {
	for _, l := range r.layers[start:] {
		rec, ok := l.Lookup(ctx, c, class)
		if !ok {
			continue
		}
		if rec.Source != telemetry.SourceDefault || l.Name == LayerDefault {
			monitoring.AddCounter(ctx, monitoring.Metrics().LayerHits, 1, attribute.String("layer", l.Name))
			return rec
		}
	}
	return r.defaultRecord(c, class)
}

// ResolveBatch resolves coords in order. Cache hits are answered first, the
// remaining points go to the primary provider in chunks of its MaxBatch, and
// anything still unanswered falls through the rest of the chain one by one.
func (r *Resolver) ResolveBatch(ctx context.Context, coords []telemetry.Coordinate, class telemetry.VehicleClass) []telemetry.SpeedLimitRecord {
	out := make([]telemetry.SpeedLimitRecord, len(coords))
	done := make([]bool, len(coords))

	var misses []int
	for i, c := range coords {
		if r.deps.Cache != nil {
			if rec, ok := r.lookupCache(ctx, c, class); ok {
				out[i], done[i] = rec, true
				monitoring.AddCounter(ctx, monitoring.Metrics().LayerHits, 1, attribute.String("layer", LayerCache))
				continue
			}
		}
		misses = append(misses, i)
	}

	if p := r.deps.Primary; p != nil && len(misses) > 0 {
		size := p.MaxBatch()
		if size <= 0 {
			size = len(misses)
		}
		for start := 0; start < len(misses); start += size {
			end := min(start+size, len(misses))
			chunk := misses[start:end]
			batch := make([]telemetry.Coordinate, len(chunk))
			for j, idx := range chunk {
				batch[j] = coords[idx]
			}
			recs, err := p.LookupBatch(ctx, batch)
			if err != nil {
				monitoring.Logger().WithFields(logrus.Fields{
					"provider": p.Name(),
					"points":   len(batch),
				}).WithError(err).Warn("batch speed-limit lookup failed, falling back per point")
				continue
			}
			for j, rec := range recs {
				if rec == nil {
					continue
				}
				idx := chunk[j]
				out[idx], done[idx] = r.store(ctx, *rec), true
				monitoring.AddCounter(ctx, monitoring.Metrics().LayerHits, 1, attribute.String("layer", LayerPrimary))
			}
		}
	}

	after := r.indexAfter(LayerPrimary)
	for i, c := range coords {
		if !done[i] {
			out[i] = r.resolveFrom(ctx, after, c, class)
		}
	}
	return out
}

// indexAfter returns the index of the first layer past both the cache and
// the named layer.
func (r *Resolver) indexAfter(name string) int {
	after := 0
	for i, l := range r.layers {
		if l.Name == LayerCache || l.Name == name {
			after = i + 1
		}
	}
	return after
}

func (r *Resolver) lookupCache(ctx context.Context, c telemetry.Coordinate, _ telemetry.VehicleClass) (telemetry.SpeedLimitRecord, bool) {
	rec, err := r.deps.Cache.Get(ctx, c)
	if err != nil {
		monitoring.Logger().WithError(err).Warn("speed-limit cache lookup failed")
		return telemetry.SpeedLimitRecord{}, false
	}
	if rec == nil {
		return telemetry.SpeedLimitRecord{}, false
	}
	return *rec, true
}

func (r *Resolver) providerLayer(p Provider) func(context.Context, telemetry.Coordinate, telemetry.VehicleClass) (telemetry.SpeedLimitRecord, bool) {
	return func(ctx context.Context, c telemetry.Coordinate, _ telemetry.VehicleClass) (telemetry.SpeedLimitRecord, bool) {
		rec, err := p.Lookup(ctx, c)
		if err != nil {
			monitoring.Logger().WithFields(logrus.Fields{
				"provider":   p.Name(),
				"coordinate": c.String(),
			}).WithError(err).Debug("speed-limit provider declined")
			return telemetry.SpeedLimitRecord{}, false
		}
		return r.store(ctx, rec), true
	}
}

func (r *Resolver) lookupStatic(_ context.Context, c telemetry.Coordinate, _ telemetry.VehicleClass) (telemetry.SpeedLimitRecord, bool) {
	sample, _, ok := r.deps.Static.Nearest(c)
	if !ok {
		return telemetry.SpeedLimitRecord{}, false
	}
	limit, roadType := Canonicalize(sample.SpeedLimitKPH, sample.RoadType, r.cfg.Canonical)
	if delta := math.Abs(limit - sample.SpeedLimitKPH); delta >= 1 {
		entry := monitoring.Logger().WithFields(logrus.Fields{
			"way_id":    sample.WayID,
			"raw":       sample.SpeedLimitKPH,
			"canonical": limit,
			"road_type": roadType,
		})
		if delta > r.cfg.CanonicalWarnKPH {
			entry.Warn("large speed-limit correction")
		} else {
			entry.Info("speed limit canonicalised")
		}
	}
	snapped := sample.Coordinate
	return telemetry.SpeedLimitRecord{
		Coordinate:    c,
		Snapped:       &snapped,
		PlaceID:       sample.WayID,
		SpeedLimitKPH: limit,
		RoadType:      roadType,
		Source:        telemetry.SourceProvider,
		Provider:      ProviderOSM,
		Confidence:    telemetry.ConfidenceMedium,
		CachedAt:      r.deps.Clock.Now(),
	}, true
}

func (r *Resolver) lookupDefault(_ context.Context, c telemetry.Coordinate, class telemetry.VehicleClass) (telemetry.SpeedLimitRecord, bool) {
	return r.defaultRecord(c, class), true
}

func (r *Resolver) defaultRecord(c telemetry.Coordinate, class telemetry.VehicleClass) telemetry.SpeedLimitRecord {
	return telemetry.SpeedLimitRecord{
		Coordinate:    c,
		SpeedLimitKPH: r.cfg.Defaults.Limit(class, r.cfg.DefaultRoadType),
		RoadType:      r.cfg.DefaultRoadType,
		Source:        telemetry.SourceDefault,
		Provider:      ProviderDefault,
		Confidence:    telemetry.ConfidenceLow,
		CachedAt:      r.deps.Clock.Now(),
	}
}

// store stamps a provider answer and writes it through the cache. Cache
// failures are logged; the answer is still used.
func (r *Resolver) store(ctx context.Context, rec telemetry.SpeedLimitRecord) telemetry.SpeedLimitRecord {
	if rec.CachedAt.IsZero() {
		rec.CachedAt = r.deps.Clock.Now()
	}
	if r.deps.Cache == nil {
		return rec
	}
	if err := r.deps.Cache.Put(ctx, rec); err != nil {
		monitoring.Logger().WithError(err).Warn("failed to cache speed limit")
	}
	return rec
}
