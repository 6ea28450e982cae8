package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enx-ticketing/internal/logger"

	"github.com/segmentio/kafka-go"
)

// ErrSkip marks a message that can never be processed (bad JSON, missing
// fields). The consumer commits past it instead of retrying.
var ErrSkip = errors.New("skip message")

const (
	retryBackoff    = 500 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type HandlerFunc func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	reader     MessageReader
	topic      string
	logger     *logger.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader, topic, log)
}

func NewConsumerWithReader(reader MessageReader, topic string, log *logger.Logger) *Consumer {
	return &Consumer{reader: reader, topic: topic, logger: log, backoff: retryBackoff, maxBackoff: maxRetryBackoff}
}

// Start consumes until ctx is cancelled. Each message is handed to handler and
// committed once handled or skipped. A failing message is retried until it
// succeeds; if ctx ends first it stays uncommitted and is redelivered.
func (c *Consumer) Start(ctx context.Context, handler HandlerFunc) error {
	c.logger.LogKafka("CONSUMING", c.topic, "consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.LogKafka("STOPPED", c.topic, "consumer stopped")
				return nil
			}
			c.logger.Error("KAFKA", fmt.Sprintf("Error reading from %s: %v", c.topic, err))
			if !c.sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if !c.handle(ctx, handler, msg) {
			c.logger.LogKafka("STOPPED", c.topic, fmt.Sprintf("consumer stopped, offset %d left uncommitted", msg.Offset))
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d on %s: %v", msg.Offset, c.topic, err))
		}
	}
}

// handle reports whether msg may be committed: it was handled or skipped.
// Other failures are retried with a capped exponential backoff until ctx ends.
func (c *Consumer) handle(ctx context.Context, handler HandlerFunc, msg kafka.Message) bool {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrSkip) {
			c.logger.Warn("KAFKA", fmt.Sprintf("Skipping message at offset %d on %s: %v", msg.Offset, c.topic, err))
			return true
		}
		c.logger.Error("KAFKA", fmt.Sprintf("Handler failed for offset %d on %s (attempt %d, retry in %s): %v",
			msg.Offset, c.topic, attempt, wait, err))
		if !c.sleep(ctx, wait) {
			return false
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
