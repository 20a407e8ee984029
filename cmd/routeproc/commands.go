package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/route.report/internal/config"
	"github.com/banshee-data/route.report/internal/db"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/pipeline"
	"github.com/banshee-data/route.report/internal/trigger"
)

func runMigrate(cfg *config.Config, args []string, out io.Writer) error {
	return db.RunMigrateCommand(args, cfg.Database.Path, out)
}

// processOutput is one line of process/reprocess output.
type processOutput struct {
	SessionID string            `json:"session_id"`
	Summary   *pipeline.Summary `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// writeResults prints one JSON line per result and reports how many failed.
func writeResults(out io.Writer, results []pipeline.Result) (int, error) {
	enc := json.NewEncoder(out)
	failed := 0
	for _, r := range results {
		line := processOutput{SessionID: r.SessionID}
		if r.Err != nil {
			failed++
			line.Error = r.Err.Error()
		} else {
			summary := r.Summary
			line.Summary = &summary
		}
		if err := enc.Encode(line); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func runProcess(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	workers := fs.Int("workers", cfg.Pipeline.Workers, "Sessions processed concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := fs.Args()
	if len(ids) == 0 {
		return errors.New("process: at least one session id is required")
	}
	cfg.Pipeline.Workers = *workers

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	failed, err := writeResults(out, a.processor.ProcessSessions(ctx, ids))
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(ids))
	}
	return nil
}

func runReprocess(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "Maximum sessions to process")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	w := pipeline.NewReprocessWorker(a.processor, a.db)
	w.BatchSize = *limit
	results, err := w.RunOnce(ctx)
	if err != nil {
		return err
	}
	failed, err := writeResults(out, results)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(results))
	}
	return nil
}

func runEnqueue(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := fs.Args()
	if len(ids) == 0 {
		return errors.New("enqueue: at least one session id is required")
	}
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return errors.New("enqueue: kafka.brokers and kafka.topic must be set")
	}

	pub := trigger.NewPublisher(trigger.NewKafkaWriter(cfg.Kafka.ToTrigger()))
	defer pub.Close()
	if err := pub.Publish(ctx, ids...); err != nil {
		return err
	}
	fmt.Fprintf(out, "enqueued %d sessions on %s\n", len(ids), cfg.Kafka.Topic)
	return nil
}

func runImportRoads(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import-roads", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("import-roads: exactly one CSV file is required")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	samples, skipped, err := db.ReadRoadSpeedLimitsCSV(f)
	if err != nil {
		return err
	}

	store, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if err := store.InsertRoadSpeedLimits(ctx, samples); err != nil {
		return err
	}
	monitoring.Logger().WithField("imported", len(samples)).WithField("skipped", skipped).Info("road speed limits imported")
	fmt.Fprintf(out, "imported %d road samples (%d rows skipped)\n", len(samples), skipped)
	return nil
}

func runPurgeCache(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge-cache", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", cfg.SpeedLimit.Cache.TTL, "Delete entries cached longer ago than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	n, err := store.PurgeSpeedLimitCache(ctx, time.Now().UTC().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "purged %d cached speed limits\n", n)
	return nil
}
