package speedlimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
)

var t0 = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

var madrid = telemetry.Coordinate{Latitude: 40.416775, Longitude: -3.703790}

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// memStore is an in-memory CacheStore.
type memStore struct {
	mu      sync.Mutex
	recs    []telemetry.SpeedLimitRecord
	lookups int
	err     error
}

func (s *memStore) LookupSpeedLimit(_ context.Context, c telemetry.Coordinate, tol float64, notBefore time.Time) (*telemetry.SpeedLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.recs {
		if geo.Distance(r.Coordinate, c) <= tol && !r.CachedAt.Before(notBefore) {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpsertSpeedLimit(_ context.Context, rec telemetry.SpeedLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

// fakeProvider answers from a fixed function and counts calls.
type fakeProvider struct {
	mu      sync.Mutex
	name    string
	max     int
	answer  func(c telemetry.Coordinate) (float64, bool)
	err     error
	calls   int
	batches [][]telemetry.Coordinate
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) MaxBatch() int { return p.max }

func (p *fakeProvider) Lookup(ctx context.Context, c telemetry.Coordinate) (telemetry.SpeedLimitRecord, error) {
	recs, err := p.LookupBatch(ctx, []telemetry.Coordinate{c})
	if err != nil {
		return telemetry.SpeedLimitRecord{}, err
	}
	if recs[0] == nil {
		return telemetry.SpeedLimitRecord{}, ErrNoRoad
	}
	return *recs[0], nil
}

func (p *fakeProvider) LookupBatch(_ context.Context, coords []telemetry.Coordinate) ([]*telemetry.SpeedLimitRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.batches = append(p.batches, coords)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]*telemetry.SpeedLimitRecord, len(coords))
	for i, c := range coords {
		kph, ok := p.answer(c)
		if !ok {
			continue
		}
		out[i] = &telemetry.SpeedLimitRecord{
			Coordinate:    c,
			SpeedLimitKPH: kph,
			RoadType:      telemetry.ClassifyLimit(kph),
			Source:        telemetry.SourceProvider,
			Provider:      p.name,
			Confidence:    telemetry.ConfidenceHigh,
		}
	}
	return out, nil
}

func always(kph float64) func(telemetry.Coordinate) (float64, bool) {
	return func(telemetry.Coordinate) (float64, bool) { return kph, true }
}

var errDown = errors.New("provider down")
