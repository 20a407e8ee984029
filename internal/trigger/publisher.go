package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer for cfg.Topic keyed by session id so a
// session's notifications stay on one partition.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
}

// Publisher enqueues sessions for processing.
type Publisher struct {
	writer MessageWriter
}

func NewPublisher(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Publish enqueues each session id as one message.
func (p *Publisher) Publish(ctx context.Context, sessionIDs ...string) error {
	msgs := make([]kafka.Message, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		value, err := json.Marshal(Message{SessionID: id})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(id), Value: value})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d sessions: %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
