package speedlimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/timeutil"
)

// CacheStore is the persistent speed-limit cache and the source of truth.
// Lookup returns nil, nil on a miss.
type CacheStore interface {
	LookupSpeedLimit(ctx context.Context, c telemetry.Coordinate, toleranceMeters float64, notBefore time.Time) (*telemetry.SpeedLimitRecord, error)
	UpsertSpeedLimit(ctx context.Context, rec telemetry.SpeedLimitRecord) error
}

// HotCache is an optional accelerator in front of the CacheStore. Get
// returns nil, nil on a miss.
type HotCache interface {
	Get(ctx context.Context, c telemetry.Coordinate) (*telemetry.SpeedLimitRecord, error)
	Set(ctx context.Context, rec telemetry.SpeedLimitRecord, ttl time.Duration) error
}

// Cache reads through the hot tier into the store and writes through both.
type Cache struct {
	store     CacheStore
	hot       HotCache
	tolerance float64
	ttl       time.Duration
	clock     timeutil.Clock
}

// NewCache returns a Cache. hot may be nil.
func NewCache(store CacheStore, hot HotCache, toleranceMeters float64, ttl time.Duration, clock timeutil.Clock) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cache{store: store, hot: hot, tolerance: toleranceMeters, ttl: ttl, clock: clock}
}

// Get returns a fresh record within tolerance of c, marked as a cache hit.
func (c *Cache) Get(ctx context.Context, coord telemetry.Coordinate) (*telemetry.SpeedLimitRecord, error) {
	notBefore := c.clock.Now().Add(-c.ttl)

	if c.hot != nil {
		rec, err := c.hot.Get(ctx, coord)
		if err != nil {
			monitoring.Logger().WithError(err).Debug("hot speed-limit cache read failed")
		} else if rec != nil && !rec.CachedAt.Before(notBefore) && geo.Distance(rec.Coordinate, coord) <= c.tolerance {
			return asCacheHit(*rec), nil
		}
	}

	if c.store == nil {
		return nil, nil
	}
	rec, err := c.store.LookupSpeedLimit(ctx, coord, c.tolerance, notBefore)
	if err != nil || rec == nil {
		return nil, err
	}
	if c.hot != nil {
		if err := c.hot.Set(ctx, *rec, c.remaining(rec.CachedAt)); err != nil {
			monitoring.Logger().WithError(err).Debug("hot speed-limit cache write failed")
		}
	}
	return asCacheHit(*rec), nil
}

// Put stores rec, stamping CachedAt when unset. Duplicate writes for the
// same cell are idempotent upserts.
func (c *Cache) Put(ctx context.Context, rec telemetry.SpeedLimitRecord) error {
	if rec.CachedAt.IsZero() {
		rec.CachedAt = c.clock.Now()
	}
	if c.store != nil {
		if err := c.store.UpsertSpeedLimit(ctx, rec); err != nil {
			return fmt.Errorf("cache speed limit at %s: %w", rec.Coordinate, err)
		}
	}
	if c.hot != nil {
		if err := c.hot.Set(ctx, rec, c.ttl); err != nil {
			monitoring.Logger().WithError(err).Debug("hot speed-limit cache write failed")
		}
	}
	return nil
}

func (c *Cache) remaining(cachedAt time.Time) time.Duration {
	left := cachedAt.Add(c.ttl).Sub(c.clock.Now())
	if left < time.Second {
		return time.Second
	}
	return left
}

func asCacheHit(rec telemetry.SpeedLimitRecord) *telemetry.SpeedLimitRecord {
	rec.Source = telemetry.SourceCache
	rec.Confidence = telemetry.ConfidenceHigh
	return &rec
}

// RedisHotCache keeps records in Redis keyed by grid cell.
type RedisHotCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisHotCache wraps client. Keys are "<prefix><lat_key>:<lon_key>".
func NewRedisHotCache(client redis.UniversalClient, prefix string) *RedisHotCache {
	if prefix == "" {
		prefix = "speedlimit:"
	}
	return &RedisHotCache{client: client, prefix: prefix}
}

func (r *RedisHotCache) key(c telemetry.Coordinate) string {
	lat, lon := geo.CellKey(c)
	return fmt.Sprintf("%s%d:%d", r.prefix, lat, lon)
}

// Get reads the record stored for c's cell.
func (r *RedisHotCache) Get(ctx context.Context, c telemetry.Coordinate) (*telemetry.SpeedLimitRecord, error) {
	b, err := r.client.Get(ctx, r.key(c)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec telemetry.SpeedLimitRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		monitoring.Logger().WithFields(logrus.Fields{"key": r.key(c)}).WithError(err).Warn("discarding corrupt hot cache entry")
		return nil, nil
	}
	return &rec, nil
}

// Set writes rec for its cell with the given expiry.
func (r *RedisHotCache) Set(ctx context.Context, rec telemetry.SpeedLimitRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rec.Coordinate), b, ttl).Err()
}
