// Package pipeline orchestrates one processing run per session: validate
// the raw samples, match the route, detect geofence transitions and speed
// violations, then persist everything in one transaction with an audit
// record bracketing the run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/route.report/internal/db"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/timeutil"
	"github.com/banshee-data/route.report/internal/validation"
	"github.com/banshee-data/route.report/internal/version"
)

// ErrSessionNotFound is returned when the session row does not exist.
var ErrSessionNotFound = errors.New("session not found")

// State is a step of a processing run.
type State string

const (
	StateCreated             State = "created"
	StateValidating          State = "validating"
	StateMatching            State = "matching"
	StateDetectingGeofences  State = "detecting-geofences"
	StateDetectingViolations State = "detecting-violations"
	StatePersisting          State = "persisting"
	StateSuccess             State = "success"
	StateFailed              State = "failed"
)

// Store is the persistence the processor reads from and writes to.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*db.Session, error)
	ListSamples(ctx context.Context, sessionID string) ([]telemetry.PositionSample, error)
	ListGeofences(ctx context.Context, orgID string) ([]telemetry.Geofence, error)
	StartAudit(ctx context.Context, rec telemetry.ProcessingAuditRecord) error
	FinishAudit(ctx context.Context, auditID string, status telemetry.AuditStatus, finishedAt time.Time, details, errorMessage string) error
	ReplaceSessionResults(ctx context.Context, res db.SessionResults) error
}

type TraceValidator interface {
	Validate(samples []telemetry.PositionSample) (telemetry.Trace, validation.QualityMetrics, error)
}

type RouteMatcher interface {
	Match(ctx context.Context, trace telemetry.Trace) (telemetry.MatchedRoute, error)
}

type GeofenceDetector interface {
	Detect(ref telemetry.SessionRef, trace telemetry.Trace, fences []telemetry.Geofence) []telemetry.GeofenceEvent
}

type ViolationDetector interface {
	DetectViolations(ctx context.Context, ref telemetry.SessionRef, trace telemetry.Trace, class telemetry.VehicleClass) []telemetry.SpeedViolation
}

// Deps are the components a Processor drives.
type Deps struct {
	Store      Store
	Validator  TraceValidator
	Matcher    RouteMatcher
	Geofences  GeofenceDetector
	Violations ViolationDetector
	Clock      timeutil.Clock
}

type Config struct {
	// Workers bounds ProcessSessions concurrency.
	Workers int
}

func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Summary is what a successful run reports back to the caller.
type Summary struct {
	SessionID          string                    `json:"session_id"`
	ProcessingVersion  string                    `json:"processing_version"`
	DistanceMeters     float64                   `json:"distance_meters"`
	DurationSeconds    float64                   `json:"duration_seconds"`
	Confidence         float64                   `json:"confidence"`
	Fallback           bool                      `json:"fallback"`
	GeofenceEventCount int                       `json:"geofence_event_count"`
	ViolationCount     int                       `json:"violation_count"`
	Quality            validation.QualityMetrics `json:"quality"`
}

// auditDetails is stored as JSON on a successful audit record.
type auditDetails struct {
	StageDurationsMS map[State]float64         `json:"stage_durations_ms"`
	GeofenceEvents   int                       `json:"geofence_events"`
	Violations       int                       `json:"violations"`
	Segments         int                       `json:"segments"`
	Fallback         bool                      `json:"fallback"`
	Quality          validation.QualityMetrics `json:"quality"`
}

// Processor runs sessions through the pipeline. Safe for concurrent use;
// runs share only the store and the components' caches.
type Processor struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Processor{cfg: cfg, deps: deps}
}

// ProcessSession runs the full pipeline for sessionID. Fatal errors mark the
// audit record failed and are returned wrapped; nothing else is written.
// Running the same session twice leaves the same persisted rows.
func (p *Processor) ProcessSession(ctx context.Context, sessionID string) (Summary, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "pipeline.ProcessSession",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	m := monitoring.Metrics()
	started := p.deps.Clock.Now()
	log := monitoring.WithSession(sessionID)
	log.WithField("state", StateCreated).Debug("processing run created")

	audit := telemetry.ProcessingAuditRecord{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		ProcessingType: version.ProcessingTypeRoute,
		Version:        version.ProcessingVersion,
		Status:         telemetry.AuditProcessing,
		StartedAt:      started.UTC(),
	}
	if err := p.deps.Store.StartAudit(ctx, audit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit start failed")
		return Summary{}, fmt.Errorf("session %s: %w", sessionID, err)
	}

	r := &run{
		p:       p,
		id:      sessionID,
		log:     log,
		details: auditDetails{StageDurationsMS: map[State]float64{}},
	}
	summary, err := r.execute(ctx)
	// Finalise even when the caller has gone away.
	auditCtx := context.WithoutCancel(ctx)

	finished := p.deps.Clock.Now()
	attrs := attribute.String("processing.version", version.ProcessingVersion)
	monitoring.AddCounter(ctx, m.Sessions, 1, attrs)
	monitoring.RecordDuration(ctx, m.SessionDuration, finished.Sub(started), attrs)

	if err != nil {
		monitoring.AddCounter(ctx, m.SessionFailures, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithField("state", StateFailed).WithError(err).Warn("processing run failed")
		if ferr := p.deps.Store.FinishAudit(auditCtx, audit.ID, telemetry.AuditFailed, finished.UTC(), "", err.Error()); ferr != nil {
			log.WithError(ferr).Error("failed to finalise audit record")
		}
		return Summary{}, err
	}

	raw, err := json.Marshal(r.details)
	if err != nil {
		// Details hold only plain values; keep the run successful.
		log.WithError(err).Warn("failed to encode audit details")
		raw = []byte("{}")
	}
	if err := p.deps.Store.FinishAudit(auditCtx, audit.ID, telemetry.AuditSuccess, finished.UTC(), string(raw), ""); err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("session %s: finalise audit: %w", sessionID, err)
	}
	log.WithFields(logrus.Fields{
		"state":       StateSuccess,
		"distance_m":  summary.DistanceMeters,
		"events":      summary.GeofenceEventCount,
		"violations":  summary.ViolationCount,
		"fallback":    summary.Fallback,
		"duration_ms": finished.Sub(started).Milliseconds(),
	}).Info("processing run succeeded")
	return summary, nil
}

// run carries one session through the stages.
type run struct {
	p       *Processor
	id      string
	log     *logrus.Entry
	details auditDetails
}

// stage runs fn inside a span and records its duration under state.
func (r *run) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	r.log.WithField("state", state).Debug("entering stage")
	ctx, span := monitoring.Tracer().Start(ctx, "pipeline."+string(state))
	defer span.End()

	start := r.p.deps.Clock.Now()
	err := fn(ctx)
	r.details.StageDurationsMS[state] = float64(r.p.deps.Clock.Now().Sub(start).Microseconds()) / 1000
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run) execute(ctx context.Context) (Summary, error) {
	var (
		session    *db.Session
		validated  telemetry.Trace
		quality    validation.QualityMetrics
		route      telemetry.MatchedRoute
		events     []telemetry.GeofenceEvent
		violations []telemetry.SpeedViolation
		store      = r.p.deps.Store
	)

	err := r.stage(ctx, StateValidating, func(ctx context.Context) error {
		var err error
		session, err = store.GetSession(ctx, r.id)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, r.id)
		}
		if err != nil {
			return err
		}
		samples, err := store.ListSamples(ctx, r.id)
		if err != nil {
			return err
		}
		validated, quality, err = r.p.deps.Validator.Validate(samples)
		r.details.Quality = quality
		if err != nil {
			return fmt.Errorf("session %s: %w", r.id, err)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	ref := session.SessionRef

	err = r.stage(ctx, StateMatching, func(ctx context.Context) error {
		var err error
		route, err = r.p.deps.Matcher.Match(ctx, validated)
		if err != nil {
			return fmt.Errorf("session %s: %w", r.id, err)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	err = r.stage(ctx, StateDetectingGeofences, func(ctx context.Context) error {
		fences, err := store.ListGeofences(ctx, ref.OrganizationID)
		if err != nil {
			return err
		}
		events = r.p.deps.Geofences.Detect(ref, validated, fences)
		for i := range events {
			events[i].ProcessingVersion = version.ProcessingVersion
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	_ = r.stage(ctx, StateDetectingViolations, func(ctx context.Context) error {
		violations = r.p.deps.Violations.DetectViolations(ctx, ref, validated, ref.VehicleClass)
		for i := range violations {
			violations[i].ProcessingVersion = version.ProcessingVersion
		}
		return nil
	})

	err = r.stage(ctx, StatePersisting, func(ctx context.Context) error {
		return store.ReplaceSessionResults(ctx, db.SessionResults{
			SessionID:         r.id,
			ProcessingVersion: version.ProcessingVersion,
			ProcessedAt:       r.p.deps.Clock.Now().UTC(),
			Route:             route,
			Events:            events,
			Violations:        violations,
		})
	})
	if err != nil {
		return Summary{}, fmt.Errorf("session %s: persist results: %w", r.id, err)
	}

	r.details.GeofenceEvents = len(events)
	r.details.Violations = len(violations)
	r.details.Segments = route.Segments
	r.details.Fallback = route.Fallback

	return Summary{
		SessionID:          r.id,
		ProcessingVersion:  version.ProcessingVersion,
		DistanceMeters:     route.DistanceMeters,
		DurationSeconds:    route.DurationSeconds,
		Confidence:         route.Confidence,
		Fallback:           route.Fallback,
		GeofenceEventCount: len(events),
		ViolationCount:     len(violations),
		Quality:            quality,
	}, nil
}
