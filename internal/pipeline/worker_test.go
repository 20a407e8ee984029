package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/testutil"
)

func TestReprocessWorkerRunOnce(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	seedDrive(t, database, "s1")

	w := NewReprocessWorker(newProcessor(database), database)
	results, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].SessionID)
	assert.NoError(t, results[0].Err)

	// Nothing left at the current version.
	results, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReprocessWorkerStartStop(t *testing.T) {
	database := testutil.NewTestDB(t)
	w := NewReprocessWorker(newProcessor(database), database)
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}

// heldLister blocks its first scan until release is closed.
type heldLister struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (l *heldLister) ListStaleSessions(context.Context, string, int) ([]string, error) {
	l.once.Do(func() { close(l.started) })
	<-l.release
	return nil, nil
}

func TestReprocessWorkerStopWaitsForRunningBatch(t *testing.T) {
	lister := &heldLister{started: make(chan struct{}), release: make(chan struct{})}
	w := NewReprocessWorker(nil, lister)
	w.Interval = time.Millisecond
	w.Start(context.Background())

	select {
	case <-lister.started:
	case <-time.After(time.Second):
		t.Fatal("worker never scanned")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "Stop returned while a batch was running")

	close(lister.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the batch finished")
	}
}

func TestReprocessWorkerStopWithoutStart(t *testing.T) {
	w := NewReprocessWorker(nil, &heldLister{})
	w.Stop()
}
