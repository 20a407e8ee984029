package config

import (
	"github.com/banshee-data/route.report/internal/geofence"
	"github.com/banshee-data/route.report/internal/mapmatch"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/retry"
	"github.com/banshee-data/route.report/internal/speedlimit"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/trigger"
	"github.com/banshee-data/route.report/internal/validation"
	"github.com/banshee-data/route.report/internal/violation"
)

func (c ValidationConfig) ToValidation() validation.Config {
	out := validation.Config{
		MinSatellites:      c.MinSatellites,
		MaxHDOP:            c.MaxHDOP,
		MaxSpeedKPH:        c.MaxSpeedKPH,
		AcquisitionTimeout: c.AcquisitionTimeout,
		MaxSpeedDeltaKPH:   c.MaxSpeedDeltaKPH,
		DeltaWindow:        c.DeltaWindow,
		MaxStepMeters:      c.MaxStepMeters,
		StepWindow:         c.StepWindow,
		MaxImpliedSpeedKPH: c.MaxImpliedSpeedKPH,
		HighSpeedWarnKPH:   c.HighSpeedWarnKPH,
		WarnHDOP:           c.WarnHDOP,
		WarnSatellites:     c.WarnSatellites,
	}
	if c.Bounds.Enabled {
		out.Bounds = &validation.Box{
			MinLat: c.Bounds.MinLat,
			MaxLat: c.Bounds.MaxLat,
			MinLon: c.Bounds.MinLon,
			MaxLon: c.Bounds.MaxLon,
		}
	}
	return out
}

func (c RetryConfig) ToPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}
}

func (c MatcherConfig) ToMapMatch() mapmatch.Config {
	return mapmatch.Config{
		BaseURL:               c.BaseURL,
		Profile:               c.Profile,
		SearchRadiusMeters:    c.SearchRadiusMeters,
		MaxPoints:             c.MaxPoints,
		MaxGap:                c.MaxGap,
		JitterMinMeters:       c.JitterMinMeters,
		JitterMaxSpeedKPH:     c.JitterMaxSpeedKPH,
		JitterWindow:          c.JitterWindow,
		ImplausibleJumpMeters: c.ImplausibleJumpMeters,
		Timeout:               c.Timeout,
		Retry:                 c.Retry.ToPolicy(),
	}
}

func (c GeofenceConfig) ToGeofence() geofence.Config {
	return geofence.Config{TileSize: c.TileSize}
}

// ToResolver returns the jurisdiction tables. Backends are wired by the
// caller since they need live clients.
func (c SpeedLimitConfig) ToResolver() speedlimit.Config {
	out := speedlimit.Config{
		Canonical:        make(speedlimit.CanonicalSets, len(c.Canonical)),
		Defaults:         speedlimit.DefaultLimits(classTable(c.Defaults)),
		DefaultRoadType:  telemetry.RoadType(c.DefaultRoadType),
		CanonicalWarnKPH: c.CanonicalWarnKPH,
	}
	for rt, set := range c.Canonical {
		out.Canonical[telemetry.RoadType(rt)] = set
	}
	return out
}

func (c ProviderConfig) ToRoads() speedlimit.RoadsConfig {
	return speedlimit.RoadsConfig{
		Name:      c.Name,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey,
		Timeout:   c.Timeout,
		MaxPoints: c.MaxPoints,
		Retry:     c.Retry.ToPolicy(),
	}
}

func (c ViolationConfig) ToViolation() violation.Config {
	return violation.Config{
		StationaryKPH:  c.StationaryKPH,
		ToleranceKPH:   c.ToleranceKPH,
		Bonuses:        violation.Bonuses(classTable(c.Bonuses)),
		LeveMaxKPH:     c.LeveMaxKPH,
		ModeradaMaxKPH: c.ModeradaMaxKPH,
		GraveMaxKPH:    c.GraveMaxKPH,
	}
}

func (c TelemetryConfig) ToMonitoring() monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{
		Enabled:      c.Enabled,
		ServiceName:  c.ServiceName,
		Environment:  c.Environment,
		OTLPEndpoint: c.OTLPEndpoint,
		Insecure:     c.Insecure,
		SampleRate:   c.SampleRate,
		BatchTimeout: c.BatchTimeout,
	}
}

func classTable(t map[string]map[string]float64) map[telemetry.VehicleClass]map[telemetry.RoadType]float64 {
	out := make(map[telemetry.VehicleClass]map[telemetry.RoadType]float64, len(t))
	for class, row := range t {
		inner := make(map[telemetry.RoadType]float64, len(row))
		for rt, v := range row {
			inner[telemetry.RoadType(rt)] = v
		}
		out[telemetry.VehicleClass(class)] = inner
	}
	return out
}

func (c KafkaConfig) ToTrigger() trigger.Config {
	return trigger.Config{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		GroupID:  c.GroupID,
		MinBytes: c.MinBytes,
		MaxBytes: c.MaxBytes,
		Workers:  c.Workers,
	}
}
