// Package violation flags trace samples that exceed the resolved speed limit.
package violation

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/banshee-data/route.report/internal/telemetry"
)

var violationNamespace = uuid.MustParse("0c6f9d8e-2a47-4e3b-8f51-9b7d3e2c1a64")

// Resolver answers limits for many coordinates at once.
type Resolver interface {
	ResolveBatch(ctx context.Context, coords []telemetry.Coordinate, class telemetry.VehicleClass) []telemetry.SpeedLimitRecord
}

// Bonuses are extra km/h allowed per vehicle class and road type.
type Bonuses map[telemetry.VehicleClass]map[telemetry.RoadType]float64

// DefaultBonuses grants emergency vehicles 20 km/h on every road type.
func DefaultBonuses() Bonuses {
	return Bonuses{
		telemetry.VehicleEmergency: {
			telemetry.RoadUrban:      20,
			telemetry.RoadInterurban: 20,
			telemetry.RoadHighway:    20,
		},
	}
}

// For returns the allowance for class on roadType, zero when unset.
func (b Bonuses) For(class telemetry.VehicleClass, roadType telemetry.RoadType) float64 {
	return b[class][roadType]
}

// Config tunes detection.
type Config struct {
	StationaryKPH float64
	ToleranceKPH  float64
	Bonuses       Bonuses
	// Severity upper bounds on excess, in km/h.
	LeveMaxKPH     float64
	ModeradaMaxKPH float64
	GraveMaxKPH    float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		StationaryKPH:  5,
		ToleranceKPH:   3,
		Bonuses:        DefaultBonuses(),
		LeveMaxKPH:     10,
		ModeradaMaxKPH: 20,
		GraveMaxKPH:    30,
	}
}

// Detector compares observed speeds with resolved limits.
type Detector struct {
	cfg      Config
	resolver Resolver
}

// New returns a Detector resolving limits through resolver.
func New(cfg Config, resolver Resolver) *Detector {
	return &Detector{cfg: cfg, resolver: resolver}
}

// DetectViolations returns one violation per sample whose speed exceeds the
// effective limit plus tolerance. Near-stationary samples are not resolved.
func (d *Detector) DetectViolations(ctx context.Context, ref telemetry.SessionRef, trace telemetry.Trace, class telemetry.VehicleClass) []telemetry.SpeedViolation {
	var moving []telemetry.PositionSample
	for _, s := range trace {
		if s.SpeedKPH >= d.cfg.StationaryKPH {
			moving = append(moving, s)
		}
	}
	violations := []telemetry.SpeedViolation{}
	if len(moving) == 0 {
		return violations
	}

	coords := make([]telemetry.Coordinate, len(moving))
	for i, s := range moving {
		coords[i] = s.Coordinate()
	}
	limits := d.resolver.ResolveBatch(ctx, coords, class)

	for i, s := range moving {
		rec := limits[i]
		effective := rec.SpeedLimitKPH + d.cfg.Bonuses.For(class, rec.RoadType)
		threshold := effective + d.cfg.ToleranceKPH
		if s.SpeedKPH <= threshold {
			continue
		}
		excess := s.SpeedKPH - threshold
		violations = append(violations, telemetry.SpeedViolation{
			ID:                ViolationID(ref.SessionID, s.Timestamp.UnixMilli()),
			SessionID:         ref.SessionID,
			Timestamp:         s.Timestamp,
			Raw:               s.Coordinate(),
			Snapped:           rec.Snapped,
			ObservedKPH:       s.SpeedKPH,
			SpeedLimitKPH:     rec.SpeedLimitKPH,
			EffectiveLimitKPH: effective,
			ExcessKPH:         excess,
			Severity:          d.Severity(excess),
			RoadType:          rec.RoadType,
			Source:            rec.Source.Origin(),
			Provider:          rec.Provider,
		})
	}
	return violations
}

// Severity bands excess km/h.
func (d *Detector) Severity(excess float64) telemetry.Severity {
	switch {
	case excess <= d.cfg.LeveMaxKPH:
		return telemetry.SeverityLeve
	case excess <= d.cfg.ModeradaMaxKPH:
		return telemetry.SeverityModerada
	case excess <= d.cfg.GraveMaxKPH:
		return telemetry.SeverityGrave
	}
	return telemetry.SeverityCritica
}

// ViolationID is stable per session and sample time.
func ViolationID(sessionID string, tsMillis int64) string {
	return uuid.NewSHA1(violationNamespace, []byte(sessionID+"|"+strconv.FormatInt(tsMillis, 10))).String()
}
