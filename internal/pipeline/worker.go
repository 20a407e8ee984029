package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/version"
)

// StaleLister finds sessions whose persisted results predate a processing
// version.
type StaleLister interface {
	ListStaleSessions(ctx context.Context, version string, limit int) ([]string, error)
}

// ReprocessWorker periodically picks up sessions that were never processed
// at the current processing version and runs them through the processor.
type ReprocessWorker struct {
	Processor *Processor
	Sessions  StaleLister
	Interval  time.Duration // how often to scan
	BatchSize int           // sessions per scan

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReprocessWorker(p *Processor, sessions StaleLister) *ReprocessWorker {
	return &ReprocessWorker{
		Processor: p,
		Sessions:  sessions,
		Interval:  5 * time.Minute,
		BatchSize: 100,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the periodic loop in a goroutine.
func (w *ReprocessWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					monitoring.Logger().WithError(err).Warn("reprocess worker run error")
				}
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop asks the loop to exit and waits for an in-flight batch to finish.
func (w *ReprocessWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// RunOnce processes one batch of stale sessions and returns their results.
func (w *ReprocessWorker) RunOnce(ctx context.Context) ([]Result, error) {
	ids, err := w.Sessions.ListStaleSessions(ctx, version.ProcessingVersion, w.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	results := w.Processor.ProcessSessions(ctx, ids)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	monitoring.Logger().WithField("sessions", len(ids)).WithField("failed", failed).Info("reprocess batch finished")
	return results, nil
}
