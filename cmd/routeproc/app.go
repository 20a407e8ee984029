package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/route.report/internal/config"
	"github.com/banshee-data/route.report/internal/db"
	"github.com/banshee-data/route.report/internal/geofence"
	"github.com/banshee-data/route.report/internal/httputil"
	"github.com/banshee-data/route.report/internal/mapmatch"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/pipeline"
	"github.com/banshee-data/route.report/internal/speedlimit"
	"github.com/banshee-data/route.report/internal/validation"
	"github.com/banshee-data/route.report/internal/violation"
)

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	cfg       *config.Config
	db        *db.DB
	resolver  *speedlimit.Resolver
	processor *pipeline.Processor
	closers   []func() error
}

// newApp opens the database and builds the processing pipeline from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{cfg: cfg, db: store, closers: []func() error{store.Close}}

	resolver, closeHot, err := buildResolver(ctx, cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeHot != nil {
		a.closers = append(a.closers, closeHot)
	}
	a.resolver = resolver

	matcherClient := httputil.NewStandardClient(&http.Client{Timeout: cfg.Matcher.Timeout})
	a.processor = pipeline.New(pipeline.Config{Workers: cfg.Pipeline.Workers}, pipeline.Deps{
		Store:      store,
		Validator:  validation.New(cfg.Validation.ToValidation()),
		Matcher:    mapmatch.New(cfg.Matcher.ToMapMatch(), matcherClient),
		Geofences:  geofence.New(cfg.Geofence.ToGeofence()),
		Violations: violation.New(cfg.Violation.ToViolation(), resolver),
	})

	monitoring.Logger().WithField("layers", resolver.Layers()).Info("speed-limit resolver ready")
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildResolver wires the speed-limit chain. The returned close function is
// nil unless a Redis client was opened.
func buildResolver(ctx context.Context, cfg *config.Config, store *db.DB) (*speedlimit.Resolver, func() error, error) {
	sl := cfg.SpeedLimit
	var (
		hot      speedlimit.HotCache
		closeHot func() error
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		hot = speedlimit.NewRedisHotCache(client, sl.Cache.RedisPrefix)
		closeHot = client.Close
	}

	deps := speedlimit.Deps{
		Cache: speedlimit.NewCache(store, hot, sl.Cache.ToleranceMeters, sl.Cache.TTL, nil),
	}
	if sl.Primary.Enabled {
		deps.Primary = newRoadsProvider(sl.Primary)
	}
	if sl.Secondary.Enabled {
		deps.Secondary = newRoadsProvider(sl.Secondary)
	}
	if sl.Static.Enabled {
		idx, err := speedlimit.LoadStaticIndex(ctx, store, sl.Static.Radii)
		if err != nil {
			if closeHot != nil {
				_ = closeHot()
			}
			return nil, nil, fmt.Errorf("failed to load static road limits: %w", err)
		}
		monitoring.Logger().WithField("samples", idx.Len()).Info("static road limits loaded")
		deps.Static = idx
	}
	return speedlimit.NewResolver(sl.ToResolver(), deps), closeHot, nil
}

func newRoadsProvider(p config.ProviderConfig) *speedlimit.RoadsClient {
	client := httputil.NewRateLimitedClient(
		httputil.NewStandardClient(&http.Client{Timeout: p.Timeout}),
		p.RateLimit, p.Burst,
	)
	return speedlimit.NewRoadsClient(p.ToRoads(), client)
}
