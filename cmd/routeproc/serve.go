package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/route.report/internal/api"
	"github.com/banshee-data/route.report/internal/config"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/pipeline"
	"github.com/banshee-data/route.report/internal/trigger"
)

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", cfg.Server.Listen, "Listen address")
	reprocessInterval := fs.Duration("reprocess-interval", 5*time.Minute, "How often to reprocess stale sessions (0 disables)")
	consume := fs.Bool("consume", cfg.Kafka.Enabled, "Also consume session notifications from Kafka")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return errors.New("listen address is required")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log := monitoring.Logger()

	// Create a wait group for the HTTP server, reprocess worker and consumer routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *reprocessInterval > 0 {
		w := pipeline.NewReprocessWorker(a.processor, a.db)
		w.Interval = *reprocessInterval
		w.Start(ctx)
		defer w.Stop()
		log.WithField("interval", w.Interval).Info("reprocess worker started")
	}

	if *consume {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumeUntilDone(ctx, cfg, a.processor); err != nil {
				log.WithError(err).Error("consumer stopped")
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(a.processor, a.db).ServeMux()
		if cfg.Server.EnableDebug {
			if err := a.db.AttachAdminRoutes(mux); err != nil {
				log.WithError(err).Warn("admin routes unavailable")
			}
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.WithField("listen", *listen).Info("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP server failed")
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Info("shutting down HTTP server...")

		// In-flight processing runs get a grace period to finish
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.WithError(err).Warn("HTTP server force close error")
			}
		}
		log.Info("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Info("graceful shutdown complete")
	return nil
}

func runConsume(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	workers := fs.Int("workers", cfg.Kafka.Workers, "Sessions processed concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Kafka.Workers = *workers

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return consumeUntilDone(ctx, cfg, a.processor)
}

func consumeUntilDone(ctx context.Context, cfg *config.Config, processor trigger.Processor) error {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" || cfg.Kafka.GroupID == "" {
		return errors.New("consume: kafka.brokers, kafka.topic and kafka.group_id must be set")
	}
	reader := trigger.NewKafkaReader(cfg.Kafka.ToTrigger())
	defer reader.Close()

	monitoring.Logger().WithField("topic", cfg.Kafka.Topic).WithField("group", cfg.Kafka.GroupID).Info("consuming session notifications")
	return trigger.NewConsumer(reader, processor, cfg.Kafka.Workers).Run(ctx)
}
