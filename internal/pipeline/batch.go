package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one session in a batch.
type Result struct {
	SessionID string
	Summary   Summary
	Err       error
}

// ProcessSessions runs ids on at most Workers goroutines. A failing session
// does not stop the others; results are index-aligned with ids.
func (p *Processor) ProcessSessions(ctx context.Context, ids []string) []Result {
	results := make([]Result, len(ids))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			results[i].SessionID = id
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Summary, results[i].Err = p.ProcessSession(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
