// Package trigger starts processing runs from the upload pipeline's Kafka
// notifications.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/pipeline"
	"github.com/banshee-data/route.report/internal/validation"
)

// Message is the notification published once a session's samples are
// stored.
type Message struct {
	SessionID string `json:"session_id"`
}

// Config holds Kafka consumer configuration
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	Workers  int
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor runs one session.
type Processor interface {
	ProcessSession(ctx context.Context, sessionID string) (pipeline.Summary, error)
}

// NewKafkaReader returns a consumer-group reader for cfg. Offsets are
// committed explicitly by the Consumer.
func NewKafkaReader(cfg Config) *kafka.Reader {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     maxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      &kafka.Dialer{ClientID: "routeproc", Timeout: 10 * time.Second},
	})
}

// Consumer feeds session ids from a topic into a bounded pool of pipeline
// runs.
type Consumer struct {
	reader    MessageReader
	processor Processor
	workers   int
	logger    *logrus.Logger

	offsets  *offsetTracker
	commitMu sync.Mutex
}

func NewConsumer(reader MessageReader, processor Processor, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		reader:    reader,
		processor: processor,
		workers:   workers,
		logger:    monitoring.Logger(),
		offsets:   newOffsetTracker(),
	}
}

// Run consumes until ctx ends or the reader is closed. Offsets are
// committed per partition up to the last message whose run, and every run
// fetched before it, has finished. An interrupted run holds back the
// partition so it is redelivered along with anything after it; runs are
// idempotent so replays are harmless.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithField("workers", c.workers).Info("Starting message processing loop")

	var g errgroup.Group
	g.SetLimit(c.workers)
	var runErr error
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				runErr = err
			}
			break
		}
		c.offsets.start(msg)
		// Blocks while every worker is busy.
		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("Stopping message processing")
	return runErr
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	fields := logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}

	id, err := SessionID(msg)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("Discarding malformed message")
		c.release(ctx, msg)
		return
	}
	fields["session_id"] = id

	summary, err := c.processor.ProcessSession(ctx, id)
	switch {
	case err == nil:
		c.logger.WithFields(fields).WithField("violations", summary.ViolationCount).Debug("Session processed")
	case ctx.Err() != nil:
		// Leave the offset uncommitted so the message is redelivered.
		c.logger.WithFields(fields).Info("Shutdown interrupted session run")
		return
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, validation.ErrInsufficientPoints):
		c.logger.WithFields(fields).WithError(err).Warn("Session cannot be processed")
	default:
		c.logger.WithFields(fields).WithError(err).Error("Session run failed")
	}
	c.release(ctx, msg)
}

// release marks msg finished and commits the partition's new high-water
// mark, if it moved. Commits are serialised so they reach the broker in
// offset order.
func (c *Consumer) release(ctx context.Context, msg kafka.Message) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	target, ok := c.offsets.finish(msg)
	if !ok {
		return
	}
	if err := c.reader.CommitMessages(ctx, target); err != nil {
		c.logger.WithFields(logrus.Fields{
			"partition": target.Partition,
			"offset":    target.Offset,
		}).WithError(err).Error("Failed to commit messages")
	}
}

// SessionID extracts the session id from a notification. The JSON body
// wins; a bare message key is accepted when the body carries none.
func SessionID(msg kafka.Message) (string, error) {
	var m Message
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return "", err
		}
	}
	id := strings.TrimSpace(m.SessionID)
	if id == "" {
		id = strings.TrimSpace(string(msg.Key))
	}
	if id == "" {
		return "", errors.New("message carries no session id")
	}
	return id, nil
}
